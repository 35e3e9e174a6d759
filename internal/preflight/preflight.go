// Package preflight runs the checks that must pass before a deployment
// touches the network or the filesystem.
package preflight

import (
	"context"
	"errors"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/osiriscare/agent-deployer/internal/config"
	"github.com/osiriscare/agent-deployer/internal/deployerr"
)

const (
	// MinFreeBytes is the free space required on the datastore volume.
	MinFreeBytes = 500 * 1000 * 1000

	defaultProbeAddr   = "api.github.com:443"
	defaultDialTimeout = 5 * time.Second
)

// Checker verifies disk space and, for network acquisition, connectivity.
type Checker struct {
	MinFreeBytes uint64
	ProbeAddr    string
	DialTimeout  time.Duration

	// FreeSpace reports available bytes on the volume holding path.
	FreeSpace func(path string) (uint64, error)
	// Dial is used for the reachability probe.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New returns a Checker with production defaults.
func New() *Checker {
	d := &net.Dialer{}
	return &Checker{
		MinFreeBytes: MinFreeBytes,
		ProbeAddr:    defaultProbeAddr,
		DialTimeout:  defaultDialTimeout,
		FreeSpace:    FreeSpace,
		Dial:         d.DialContext,
	}
}

// Check runs the disk check, then the network check when the agent will be
// downloaded. Offline acquisition modes never probe the network.
func (c *Checker) Check(ctx context.Context, cfg *config.Config) error {
	if err := c.checkDisk(cfg.Paths.Datastore); err != nil {
		return err
	}

	if _, ok := cfg.Acquisition.(config.NetworkDownload); !ok {
		log.Printf("[preflight] Skipping network check for %s acquisition", cfg.Acquisition)
		return nil
	}
	return c.checkNetwork(ctx)
}

func (c *Checker) checkDisk(datastore string) error {
	existing := nearestExisting(datastore)
	free, err := c.FreeSpace(existing)
	if err != nil {
		return deployerr.Wrap(deployerr.InsufficientDiskSpace, err, "stat %s", existing)
	}

	log.Printf("[preflight] %s free at %s (need %s)",
		humanize.Bytes(free), existing, humanize.Bytes(c.MinFreeBytes))

	if free < c.MinFreeBytes {
		return deployerr.New(deployerr.InsufficientDiskSpace, "%s free at %s, need at least %s",
			humanize.Bytes(free), existing, humanize.Bytes(c.MinFreeBytes))
	}
	return nil
}

func (c *Checker) checkNetwork(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.DialTimeout)
	defer cancel()

	conn, err := c.Dial(dialCtx, "tcp", c.ProbeAddr)
	if err != nil {
		if ctx.Err() != nil {
			return deployerr.Wrap(deployerr.Cancelled, ctx.Err(), "network check")
		}
		return &deployerr.Error{
			Kind:   deployerr.NetworkUnavailable,
			Reason: "cannot reach " + c.ProbeAddr,
			Err:    err,
		}
	}
	conn.Close()
	return nil
}

// nearestExisting walks up from path to the first component that exists,
// since the datastore is usually created later in the run.
func nearestExisting(path string) string {
	p := filepath.Clean(path)
	for {
		if _, err := os.Stat(p); err == nil || !errors.Is(err, os.ErrNotExist) {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}
