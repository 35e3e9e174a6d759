//go:build !unix

package preflight

import "fmt"

// FreeSpace is not implemented on this platform.
func FreeSpace(path string) (uint64, error) {
	return 0, fmt.Errorf("free space check not supported on this platform")
}
