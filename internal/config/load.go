package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk (and over-the-wire) form of Config. JSON bodies parse
// too since yaml.v3 accepts JSON.
type File struct {
	Organization string `yaml:"organization" json:"organization"`
	Mode         string `yaml:"mode" json:"mode"`
	BinaryName   string `yaml:"binary_name" json:"binary_name"`
	Label        string `yaml:"label" json:"label"`

	Paths struct {
		Datastore string `yaml:"datastore" json:"datastore"`
		Logs      string `yaml:"logs" json:"logs"`
		Cache     string `yaml:"cache" json:"cache"`
	} `yaml:"paths" json:"paths"`

	Bindings struct {
		Control    FileBinding `yaml:"control" json:"control"`
		Management FileBinding `yaml:"management" json:"management"`
		API        FileBinding `yaml:"api" json:"api"`
	} `yaml:"bindings" json:"bindings"`

	Certificate struct {
		Strategy string `yaml:"strategy" json:"strategy"`
		CertFile string `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
		KeyFile  string `yaml:"key_file,omitempty" json:"key_file,omitempty"`
		Domain   string `yaml:"domain,omitempty" json:"domain,omitempty"`
	} `yaml:"certificate" json:"certificate"`

	Admin struct {
		Username string `yaml:"username" json:"username"`
		Password string `yaml:"password,omitempty" json:"password,omitempty"`
	} `yaml:"admin" json:"admin"`

	Acquisition struct {
		Mode       string `yaml:"mode" json:"mode"`
		Path       string `yaml:"path,omitempty" json:"path,omitempty"`
		Repository string `yaml:"repository,omitempty" json:"repository,omitempty"`
	} `yaml:"acquisition" json:"acquisition"`

	RunAtLogin bool `yaml:"run_at_login" json:"run_at_login"`
}

// FileBinding is a listener in File.
type FileBinding struct {
	Address string `yaml:"address" json:"address"`
	Port    int    `yaml:"port" json:"port"`
}

// DefaultFile returns settings with sane defaults rooted at home.
func DefaultFile(home string) File {
	root := filepath.Join(home, DefaultBinaryName)

	var f File
	f.Mode = string(ModeServer)
	f.BinaryName = DefaultBinaryName
	f.Label = DefaultLabel
	f.Paths.Datastore = root
	f.Paths.Logs = filepath.Join(root, "logs")
	f.Paths.Cache = filepath.Join(root, "cache")
	f.Bindings.Control = FileBinding{Address: "0.0.0.0", Port: 8000}
	f.Bindings.Management = FileBinding{Address: "127.0.0.1", Port: 8889}
	f.Bindings.API = FileBinding{Address: "127.0.0.1", Port: 8001}
	f.Certificate.Strategy = SelfSigned{}.String()
	f.Admin.Username = "admin"
	f.Acquisition.Mode = NetworkDownload{}.String()
	f.RunAtLogin = true
	return f
}

// Parse decodes YAML or JSON settings on top of the defaults, applies the
// DEPLOYER_* environment overrides, and converts them to a validated Config.
// A leading "~" in paths expands to home.
func Parse(data []byte, home string) (*Config, error) {
	f := DefaultFile(home)
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	f.applyEnv()

	cfg, err := f.Config(home)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads settings from a YAML file and parses them like Parse.
func LoadConfig(path, home string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, home)
}

func (f *File) applyEnv() {
	if v := os.Getenv("DEPLOYER_DATASTORE"); v != "" {
		f.Paths.Datastore = v
	}
	if v := os.Getenv("DEPLOYER_LOGS"); v != "" {
		f.Paths.Logs = v
	}
	if v := os.Getenv("DEPLOYER_CACHE"); v != "" {
		f.Paths.Cache = v
	}
	if v := os.Getenv("DEPLOYER_ADMIN_PASSWORD"); v != "" {
		f.Admin.Password = v
	}
}

// Config converts the file form into a Config, expanding "~" against home.
// It resolves the tagged strategy and mode fields but does not run Validate.
func (f File) Config(home string) (*Config, error) {
	cfg := &Config{
		Organization: strings.TrimSpace(f.Organization),
		Mode:         Mode(strings.ToLower(f.Mode)),
		BinaryName:   f.BinaryName,
		Label:        f.Label,
		Paths: Paths{
			Datastore: expandHome(f.Paths.Datastore, home),
			Logs:      expandHome(f.Paths.Logs, home),
			Cache:     expandHome(f.Paths.Cache, home),
		},
		Control:    Binding(f.Bindings.Control),
		Management: Binding(f.Bindings.Management),
		API:        Binding(f.Bindings.API),
		Admin: Credentials{
			Username: f.Admin.Username,
			Password: f.Admin.Password,
		},
		RunAtLogin: f.RunAtLogin,
	}

	switch strings.ToLower(f.Certificate.Strategy) {
	case "self-signed", "selfsigned", "":
		cfg.Certificate = SelfSigned{}
	case "custom", "custom-files":
		cfg.Certificate = CustomFiles{
			CertFile: expandHome(f.Certificate.CertFile, home),
			KeyFile:  expandHome(f.Certificate.KeyFile, home),
		}
	case "external", "externally-issued", "letsencrypt":
		cfg.Certificate = ExternallyIssued{Domain: f.Certificate.Domain}
	default:
		return nil, fmt.Errorf("unknown certificate strategy %q", f.Certificate.Strategy)
	}

	switch strings.ToLower(f.Acquisition.Mode) {
	case "download", "network", "network-download", "":
		cfg.Acquisition = NetworkDownload{Repository: f.Acquisition.Repository}
	case "local", "local-binary":
		cfg.Acquisition = LocalBinary{Path: expandHome(f.Acquisition.Path, home)}
	case "bundled", "bundled-binary":
		cfg.Acquisition = BundledBinary{}
	default:
		return nil, fmt.Errorf("unknown acquisition mode %q", f.Acquisition.Mode)
	}

	return cfg, nil
}

// Emergency synthesizes a minimal standalone config rooted at home with a
// generated throwaway admin password. It never depends on earlier runs.
func Emergency(home string) (*Config, error) {
	password, err := generatePassword()
	if err != nil {
		return nil, fmt.Errorf("generate admin password: %w", err)
	}

	root := filepath.Join(home, DefaultBinaryName)
	cfg := &Config{
		Organization: "Emergency Response",
		Mode:         ModeStandalone,
		BinaryName:   DefaultBinaryName,
		Label:        DefaultLabel,
		Paths: Paths{
			Datastore: root,
			Logs:      filepath.Join(root, "logs"),
			Cache:     filepath.Join(root, "cache"),
		},
		Control:     Binding{Address: "127.0.0.1", Port: 8000},
		Management:  Binding{Address: "127.0.0.1", Port: 8889},
		API:         Binding{Address: "127.0.0.1", Port: 8001},
		Certificate: SelfSigned{},
		Admin:       Credentials{Username: "admin", Password: password},
		Acquisition: NetworkDownload{},
		RunAtLogin:  true,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func generatePassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func expandHome(p, home string) string {
	if home != "" && (p == "~" || strings.HasPrefix(p, "~/")) {
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
