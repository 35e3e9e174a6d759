// Package provision creates the agent's storage directories.
package provision

import (
	"errors"
	"log"
	"os"

	"github.com/osiriscare/agent-deployer/internal/config"
	"github.com/osiriscare/agent-deployer/internal/deployerr"
)

// DirMode is owner rwx, group r-x, no world access.
const DirMode os.FileMode = 0o750

// Provisioner ensures the datastore, logs, cache, and config directories.
type Provisioner struct{}

// New returns a Provisioner.
func New() *Provisioner { return &Provisioner{} }

// Provision creates each directory that is missing. Existing directories
// are left alone, so calling it repeatedly is safe.
func (p *Provisioner) Provision(cfg *config.Config) error {
	for _, dir := range Dirs(cfg) {
		if err := ensureDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// Dirs lists the directories a deployment needs, parents first.
func Dirs(cfg *config.Config) []string {
	return []string{
		cfg.Paths.Datastore,
		cfg.ConfigDir(),
		cfg.Paths.Logs,
		cfg.Paths.Cache,
	}
}

func ensureDir(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil:
		return deployerr.New(deployerr.PermissionDenied, "%s exists and is not a directory", dir)
	case !errors.Is(err, os.ErrNotExist):
		return deployerr.Wrap(deployerr.PermissionDenied, err, "stat %s", dir)
	}

	if err := os.MkdirAll(dir, DirMode); err != nil {
		return deployerr.Wrap(deployerr.PermissionDenied, err, "create %s", dir)
	}
	// MkdirAll is subject to the umask; apply the mode explicitly.
	if err := os.Chmod(dir, DirMode); err != nil {
		return deployerr.Wrap(deployerr.PermissionDenied, err, "chmod %s", dir)
	}
	log.Printf("[provision] Created %s", dir)
	return nil
}
