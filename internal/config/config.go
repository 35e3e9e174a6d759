// Package config holds the deployment settings chosen in the wizard and
// validates them before a run starts.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	DefaultBinaryName = "velociraptor"
	DefaultLabel      = "com.velocidex.velociraptor"
	DefaultRepository = "Velocidex/velociraptor"

	configFileName = "server.config.yaml"
)

// Mode selects how the agent is exposed on the host.
type Mode string

const (
	ModeServer     Mode = "server"
	ModeStandalone Mode = "standalone"
)

// Paths are the agent's storage directories. All must be absolute.
type Paths struct {
	Datastore string
	Logs      string
	Cache     string
}

// Binding is one listener's address and port.
type Binding struct {
	Address string
	Port    int
}

func (b Binding) String() string {
	return fmt.Sprintf("%s:%d", b.Address, b.Port)
}

// Credentials are the initial administrator account. The password is only
// read while rendering the agent configuration.
type Credentials struct {
	Username string
	Password string
}

// AcquisitionMode is how the agent binary is obtained. Exactly one of
// NetworkDownload, LocalBinary, or BundledBinary.
type AcquisitionMode interface {
	acquisitionMode()
	String() string
}

// NetworkDownload fetches the latest published release from GitHub.
type NetworkDownload struct {
	// Repository is "owner/name". Empty means DefaultRepository.
	Repository string
}

// LocalBinary copies a binary the user already has on disk.
type LocalBinary struct {
	Path string
}

// BundledBinary copies the binary shipped next to this application.
type BundledBinary struct{}

func (NetworkDownload) acquisitionMode() {}
func (LocalBinary) acquisitionMode()     {}
func (BundledBinary) acquisitionMode()   {}

func (NetworkDownload) String() string { return "download" }
func (LocalBinary) String() string     { return "local" }
func (BundledBinary) String() string   { return "bundled" }

// RepositoryOrDefault returns the configured repository or DefaultRepository.
func (n NetworkDownload) RepositoryOrDefault() string {
	if n.Repository == "" {
		return DefaultRepository
	}
	return n.Repository
}

// CertStrategy selects the TLS material for the agent's listeners. Exactly
// one of SelfSigned, CustomFiles, or ExternallyIssued.
type CertStrategy interface {
	certStrategy()
	String() string
}

// SelfSigned generates a private CA and frontend certificate.
type SelfSigned struct{}

// CustomFiles uses a certificate and key supplied by the user.
type CustomFiles struct {
	CertFile string
	KeyFile  string
}

// ExternallyIssued obtains a certificate for Domain from a public CA.
type ExternallyIssued struct {
	Domain string
}

func (SelfSigned) certStrategy()       {}
func (CustomFiles) certStrategy()      {}
func (ExternallyIssued) certStrategy() {}

func (SelfSigned) String() string       { return "self-signed" }
func (CustomFiles) String() string      { return "custom" }
func (ExternallyIssued) String() string { return "external" }

// Config is the input to one deployment run. It is treated as immutable
// once a run starts.
type Config struct {
	Organization string
	Mode         Mode

	// BinaryName is the agent executable's file name and the process name
	// the verifier looks for.
	BinaryName string
	// Label identifies the service with the platform supervisor.
	Label string

	Paths      Paths
	Control    Binding // agent clients connect here
	Management Binding // web GUI, probed by the verifier
	API        Binding

	Certificate CertStrategy
	Admin       Credentials
	Acquisition AcquisitionMode

	RunAtLogin bool
}

// Validate checks the invariants every run relies on.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Organization) == "" {
		add("organization is required")
	}
	switch c.Mode {
	case ModeServer, ModeStandalone:
	default:
		add("unknown mode %q", c.Mode)
	}
	if c.BinaryName == "" || strings.ContainsRune(c.BinaryName, filepath.Separator) {
		add("binary name %q is invalid", c.BinaryName)
	}
	if c.Label == "" {
		add("service label is required")
	}

	paths := []struct{ name, path string }{
		{"datastore", c.Paths.Datastore},
		{"logs", c.Paths.Logs},
		{"cache", c.Paths.Cache},
	}
	for _, p := range paths {
		if p.path == "" {
			add("%s path is required", p.name)
		} else if !filepath.IsAbs(p.path) {
			add("%s path %q must be absolute", p.name, p.path)
		}
	}

	bindings := []struct {
		name string
		b    Binding
	}{
		{"control", c.Control},
		{"management", c.Management},
		{"api", c.API},
	}
	for _, nb := range bindings {
		if nb.b.Port < 1 || nb.b.Port > 65535 {
			add("%s port %d out of range", nb.name, nb.b.Port)
		}
		if nb.b.Address == "" {
			add("%s bind address is required", nb.name)
		}
	}
	if c.Control.Port == c.Management.Port {
		add("control and management ports must differ (both %d)", c.Control.Port)
	}

	switch cs := c.Certificate.(type) {
	case nil:
		add("certificate strategy is required")
	case CustomFiles:
		if cs.CertFile == "" || cs.KeyFile == "" {
			add("custom certificate requires cert_file and key_file")
		}
	case ExternallyIssued:
		if cs.Domain == "" {
			add("externally issued certificate requires a domain")
		}
	}

	switch am := c.Acquisition.(type) {
	case nil:
		add("acquisition mode is required")
	case LocalBinary:
		if am.Path == "" {
			add("local acquisition requires a binary path")
		}
	}

	if c.Admin.Username == "" {
		add("admin username is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ConfigDir returns the directory holding the rendered agent configuration.
func (c *Config) ConfigDir() string {
	return filepath.Join(c.Paths.Datastore, "config")
}

// ConfigFile returns the rendered agent configuration path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.ConfigDir(), configFileName)
}

// TLSDir returns the directory for generated certificates.
func (c *Config) TLSDir() string {
	return filepath.Join(c.ConfigDir(), "tls")
}

// BinDir returns the directory the agent binary is installed into.
func (c *Config) BinDir() string {
	return filepath.Join(c.Paths.Datastore, "bin")
}

// BinaryPath returns the installed agent binary path.
func (c *Config) BinaryPath() string {
	return filepath.Join(c.BinDir(), c.BinaryName)
}

// Summary describes the config without credentials, for logs and history.
func (c *Config) Summary() string {
	acq, cert := "none", "none"
	if c.Acquisition != nil {
		acq = c.Acquisition.String()
	}
	if c.Certificate != nil {
		cert = c.Certificate.String()
	}
	return fmt.Sprintf("org=%q mode=%s acquisition=%s cert=%s datastore=%s control=%s management=%s",
		c.Organization, c.Mode, acq, cert, c.Paths.Datastore, c.Control, c.Management)
}
