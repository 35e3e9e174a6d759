// Package acquire resolves a runnable agent binary.
//
// Three sources, chosen by the config's acquisition mode:
//  1. local: copy a binary the user pointed at
//  2. bundled: copy the binary shipped with this application
//  3. download: fetch the latest GitHub release asset for this host
//
// Every source ends the same way: the binary is copied into the destination
// directory through a temp file + rename and marked 0755.
package acquire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/osiriscare/agent-deployer/internal/config"
	"github.com/osiriscare/agent-deployer/internal/deployerr"
)

const (
	defaultAPIBase = "https://api.github.com"
	versionFile    = "VERSION"
	binaryMode     = 0o755
)

// Acquirer places the agent binary into a destination directory.
type Acquirer struct {
	HTTPClient *http.Client
	APIBase    string

	GOOS   string
	GOARCH string

	// BundleDirs overrides the directories searched for a bundled binary.
	// When nil they are derived from the running executable's location.
	BundleDirs []string
}

// New returns an Acquirer for the running host.
func New() *Acquirer {
	return &Acquirer{
		// No overall timeout: agent releases are large and the transport
		// timeouts below bound a stalled connection.
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
		APIBase: defaultAPIBase,
		GOOS:    runtime.GOOS,
		GOARCH:  runtime.GOARCH,
	}
}

// Acquire resolves the binary for cfg into destDir and returns its path.
func (a *Acquirer) Acquire(ctx context.Context, destDir string, cfg *config.Config) (string, error) {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return "", deployerr.Wrap(deployerr.ExtractionFailed, err, "create %s", destDir)
	}
	dest := filepath.Join(destDir, cfg.BinaryName)

	var err error
	switch mode := cfg.Acquisition.(type) {
	case config.LocalBinary:
		err = a.fromLocal(mode.Path, dest)
	case config.BundledBinary:
		err = a.fromBundle(cfg.BinaryName, dest)
	case config.NetworkDownload:
		if err := a.fromRelease(ctx, mode.RepositoryOrDefault(), dest); err != nil {
			return "", err
		}
		return dest, nil
	default:
		return "", deployerr.New(deployerr.BinaryNotFound, "no acquisition mode configured")
	}
	if err != nil {
		return "", err
	}
	// The release tag sidecar only describes downloaded binaries.
	os.Remove(filepath.Join(destDir, versionFile))
	return dest, nil
}

func (a *Acquirer) fromLocal(src, dest string) error {
	if !isRegularFile(src) {
		return deployerr.New(deployerr.BinaryNotFound, "no agent binary at %s", src)
	}
	log.Printf("[acquire] Copying local binary %s -> %s", src, dest)
	return installExecutable(src, dest)
}

func (a *Acquirer) fromBundle(binaryName, dest string) error {
	dirs := a.BundleDirs
	if dirs == nil {
		dirs = defaultBundleDirs()
	}
	names := []string{
		fmt.Sprintf("%s-%s-%s", binaryName, a.GOOS, a.GOARCH),
		binaryName,
	}

	var searched []string
	for _, dir := range dirs {
		for _, name := range names {
			p := filepath.Join(dir, name)
			searched = append(searched, p)
			if !isRegularFile(p) {
				continue
			}
			log.Printf("[acquire] Found bundled binary at %s", p)
			return installExecutable(p, dest)
		}
	}
	return deployerr.New(deployerr.BinaryNotFound, "no bundled %s binary for %s/%s (searched %v)",
		binaryName, a.GOOS, a.GOARCH, searched)
}

// defaultBundleDirs lists the well-known locations relative to the running
// executable, covering plain installs and macOS app bundles.
func defaultBundleDirs() []string {
	exe, err := os.Executable()
	if err != nil {
		return nil
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	dir := filepath.Dir(exe)
	return []string{
		dir,
		filepath.Join(dir, "..", "Resources"),
		filepath.Join(dir, "bin"),
		filepath.Join(dir, "..", "share", "agent-deployer"),
	}
}

// installExecutable copies src over dest atomically and marks it executable.
func installExecutable(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return deployerr.Wrap(deployerr.BinaryNotFound, err, "open %s", src)
	}
	defer in.Close()

	return writeExecutable(in, dest, deployerr.ExtractionFailed)
}

// writeExecutable streams r into dest via a temp file in the same directory.
// copyKind classifies a failure while streaming r.
func writeExecutable(r io.Reader, dest string, copyKind deployerr.Kind) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.new")
	if err != nil {
		return deployerr.Wrap(deployerr.ExtractionFailed, err, "create temp file next to %s", dest)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return deployerr.Wrap(copyKind, err, "write %s", dest)
	}

	if err := os.Chmod(tmpPath, binaryMode); err != nil {
		os.Remove(tmpPath)
		return deployerr.Wrap(deployerr.ExtractionFailed, err, "chmod %s", tmpPath)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return deployerr.Wrap(deployerr.ExtractionFailed, err, "move binary into place")
	}

	if sum, err := fileSHA256(dest); err == nil {
		log.Printf("[acquire] Installed %s (%s, sha256=%s)", dest, humanize.Bytes(uint64(n)), sum[:16])
	}
	return nil
}

func isRegularFile(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// fileSHA256 computes the hex-encoded SHA256 of a file.
func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
