package service

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/osiriscare/agent-deployer/internal/config"
	"github.com/osiriscare/agent-deployer/internal/deployerr"
)

const (
	// StartGracePeriod gives the agent time to begin listening after load.
	StartGracePeriod = 2 * time.Second
	// RestartPause separates stop and start during a restart.
	RestartPause = 1 * time.Second

	descriptorMode os.FileMode = 0o644
)

// Manager registers the agent with a Supervisor and starts or stops it.
// It implements both the registration and control steps of a deployment.
type Manager struct {
	Supervisor   Supervisor
	GracePeriod  time.Duration
	RestartPause time.Duration
	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	desc    Descriptor
	running bool
}

// New returns a Manager for the platform supervisor of the user at home,
// controlling the service named label until a registration replaces it.
func New(home, label string) *Manager {
	return NewWithSupervisor(DefaultSupervisor(home), label)
}

// NewWithSupervisor returns a Manager using sup.
func NewWithSupervisor(sup Supervisor, label string) *Manager {
	return &Manager{
		Supervisor:   sup,
		GracePeriod:  StartGracePeriod,
		RestartPause: RestartPause,
		Sleep:        sleepContext,
		desc:         Descriptor{Label: label},
	}
}

// Register writes the descriptor for the agent, replacing any existing one.
func (m *Manager) Register(ctx context.Context, binaryPath, configPath string, cfg *config.Config) error {
	d := NewDescriptor(cfg, binaryPath, configPath)
	data, err := m.Supervisor.Encode(d)
	if err != nil {
		return deployerr.Wrap(deployerr.ServiceInstallFailed, err, "encode %s descriptor", m.Supervisor.Name())
	}

	path := m.Supervisor.DescriptorPath(d.Label)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return deployerr.Wrap(deployerr.ServiceInstallFailed, err, "create %s", filepath.Dir(path))
	}

	if _, err := os.Stat(path); err == nil {
		// An already-unloaded service errors here; that is expected.
		if err := m.Supervisor.Unload(ctx, path, d, false); err != nil {
			log.Printf("[service] Unload before replace failed (ignored): %v", err)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return deployerr.Wrap(deployerr.ServiceInstallFailed, err, "remove old descriptor")
		}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, descriptorMode); err != nil {
		return deployerr.Wrap(deployerr.ServiceInstallFailed, err, "write descriptor")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return deployerr.Wrap(deployerr.ServiceInstallFailed, err, "install descriptor")
	}

	m.mu.Lock()
	m.desc = d
	m.mu.Unlock()

	log.Printf("[service] Registered %s with %s at %s", d.Label, m.Supervisor.Name(), path)
	return nil
}

// Start loads the registered descriptor and waits for the grace period.
func (m *Manager) Start(ctx context.Context) error {
	d := m.descriptor()
	path := m.Supervisor.DescriptorPath(d.Label)
	if _, err := os.Stat(path); err != nil {
		return deployerr.Wrap(deployerr.StartupFailed, err, "service %s is not registered", d.Label)
	}

	if err := m.Supervisor.Load(ctx, path, d); err != nil {
		return deployerr.Wrap(deployerr.StartupFailed, err, "load %s", d.Label)
	}
	log.Printf("[service] Loaded %s, waiting %s for startup", d.Label, m.GracePeriod)

	if err := m.Sleep(ctx, m.GracePeriod); err != nil {
		return deployerr.Wrap(deployerr.StartupFailed, err, "startup grace period")
	}

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	return nil
}

// Stop unloads the service and disables it at login. The service is
// considered stopped afterwards even if the supervisor reported an error.
func (m *Manager) Stop(ctx context.Context) error {
	return m.unload(ctx, true)
}

// Restart stops, pauses, then starts the service. The login setting is left
// as registered. A failed stop does not prevent the start attempt.
func (m *Manager) Restart(ctx context.Context) error {
	if err := m.unload(ctx, false); err != nil {
		log.Printf("[service] Stop during restart failed: %v", err)
	}
	if err := m.Sleep(ctx, m.RestartPause); err != nil {
		return deployerr.Wrap(deployerr.StartupFailed, err, "restart pause")
	}
	return m.Start(ctx)
}

func (m *Manager) unload(ctx context.Context, disable bool) error {
	d := m.descriptor()
	path := m.Supervisor.DescriptorPath(d.Label)

	err := m.Supervisor.Unload(ctx, path, d, disable)

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	if err != nil {
		return deployerr.Wrap(deployerr.ServiceInstallFailed, err, "unload %s", d.Label)
	}
	log.Printf("[service] Stopped %s", d.Label)
	return nil
}

// Running reports whether the last Start succeeded with no Stop since.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// DescriptorPath returns the current descriptor location.
func (m *Manager) DescriptorPath() string {
	return m.Supervisor.DescriptorPath(m.descriptor().Label)
}

func (m *Manager) descriptor() Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desc
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
