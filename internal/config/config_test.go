package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	f := DefaultFile("/home/analyst")
	f.Organization = "Acme IR"
	f.Admin.Password = "s3cret"
	cfg, err := f.Config("/home/analyst")
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	return cfg
}

func TestDefaultFileIsValid(t *testing.T) {
	cfg := validConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Paths.Datastore != "/home/analyst/velociraptor" {
		t.Fatalf("unexpected datastore: %s", cfg.Paths.Datastore)
	}
	if _, ok := cfg.Acquisition.(NetworkDownload); !ok {
		t.Fatalf("default acquisition should be download, got %T", cfg.Acquisition)
	}
	if _, ok := cfg.Certificate.(SelfSigned); !ok {
		t.Fatalf("default certificate should be self-signed, got %T", cfg.Certificate)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"same ports", func(c *Config) { c.Management.Port = c.Control.Port }, "must differ"},
		{"port range", func(c *Config) { c.API.Port = 70000 }, "api port 70000 out of range"},
		{"zero port", func(c *Config) { c.Control.Port = 0 }, "control port 0 out of range"},
		{"relative path", func(c *Config) { c.Paths.Logs = "logs" }, "must be absolute"},
		{"empty path", func(c *Config) { c.Paths.Cache = "" }, "cache path is required"},
		{"no acquisition", func(c *Config) { c.Acquisition = nil }, "acquisition mode is required"},
		{"local without path", func(c *Config) { c.Acquisition = LocalBinary{} }, "requires a binary path"},
		{"no cert", func(c *Config) { c.Certificate = nil }, "certificate strategy is required"},
		{"custom without key", func(c *Config) { c.Certificate = CustomFiles{CertFile: "/a.pem"} }, "cert_file and key_file"},
		{"external without domain", func(c *Config) { c.Certificate = ExternallyIssued{} }, "requires a domain"},
		{"no org", func(c *Config) { c.Organization = " " }, "organization is required"},
		{"bad mode", func(c *Config) { c.Mode = "cluster" }, "unknown mode"},
		{"no admin", func(c *Config) { c.Admin.Username = "" }, "admin username is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "deploy.yaml")

	content := `
organization: "North Valley IR"
mode: standalone
paths:
  datastore: /srv/raptor
  logs: /srv/raptor/logs
  cache: /srv/raptor/cache
bindings:
  control: {address: 0.0.0.0, port: 9000}
  management: {address: 127.0.0.1, port: 9889}
  api: {address: 127.0.0.1, port: 9001}
certificate:
  strategy: custom
  cert_file: /etc/ssl/raptor.pem
  key_file: /etc/ssl/raptor.key
admin:
  username: responder
  password: hunter2
acquisition:
  mode: local
  path: /opt/velociraptor
run_at_login: false
`
	os.WriteFile(cfgPath, []byte(content), 0o644)

	cfg, err := LoadConfig(cfgPath, "/home/analyst")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Organization != "North Valley IR" {
		t.Fatalf("unexpected organization: %s", cfg.Organization)
	}
	if cfg.Mode != ModeStandalone {
		t.Fatalf("unexpected mode: %s", cfg.Mode)
	}
	if cfg.Control.Port != 9000 || cfg.Management.Port != 9889 || cfg.API.Port != 9001 {
		t.Fatalf("unexpected ports: %v %v %v", cfg.Control, cfg.Management, cfg.API)
	}
	local, ok := cfg.Acquisition.(LocalBinary)
	if !ok || local.Path != "/opt/velociraptor" {
		t.Fatalf("unexpected acquisition: %#v", cfg.Acquisition)
	}
	custom, ok := cfg.Certificate.(CustomFiles)
	if !ok || custom.KeyFile != "/etc/ssl/raptor.key" {
		t.Fatalf("unexpected certificate: %#v", cfg.Certificate)
	}
	if cfg.RunAtLogin {
		t.Fatal("run_at_login should be false")
	}
	if cfg.BinaryName != DefaultBinaryName {
		t.Fatalf("binary name should default, got %s", cfg.BinaryName)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "deploy.yaml")
	os.WriteFile(cfgPath, []byte(`organization: "Acme"`), 0o644)

	t.Setenv("DEPLOYER_DATASTORE", "/data/raptor")
	t.Setenv("DEPLOYER_ADMIN_PASSWORD", "from-env")

	cfg, err := LoadConfig(cfgPath, "/home/analyst")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Paths.Datastore != "/data/raptor" {
		t.Fatalf("env override should set datastore, got %s", cfg.Paths.Datastore)
	}
	if cfg.Admin.Password != "from-env" {
		t.Fatal("env override should set admin password")
	}
}

func TestParseAppliesEnvOverrides(t *testing.T) {
	t.Setenv("DEPLOYER_DATASTORE", "/data/raptor")
	t.Setenv("DEPLOYER_ADMIN_PASSWORD", "from-env")

	cfg, err := Parse([]byte(`{"organization":"Acme"}`), "/home/analyst")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Paths.Datastore != "/data/raptor" || cfg.Admin.Password != "from-env" {
		t.Fatalf("env overrides should apply to parsed bodies: datastore=%s", cfg.Paths.Datastore)
	}
}

func TestParseExpandsTildeAgainstHome(t *testing.T) {
	body := "organization: Acme\npaths:\n  datastore: ~/raptor\n  logs: ~/raptor/logs\n  cache: ~/raptor/cache\n" +
		"acquisition:\n  mode: local\n  path: ~/Downloads/velociraptor\n"
	cfg, err := Parse([]byte(body), "/home/responder")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Paths.Datastore != "/home/responder/raptor" || cfg.Paths.Logs != "/home/responder/raptor/logs" {
		t.Fatalf("paths should expand against the given home: %+v", cfg.Paths)
	}
	local, ok := cfg.Acquisition.(LocalBinary)
	if !ok || local.Path != "/home/responder/Downloads/velociraptor" {
		t.Fatalf("unexpected acquisition: %#v", cfg.Acquisition)
	}
}

func TestLoadConfigUnknownStrategy(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "deploy.yaml")
	os.WriteFile(cfgPath, []byte("organization: x\ncertificate:\n  strategy: pgp\n"), 0o644)

	if _, err := LoadConfig(cfgPath, "/home/analyst"); err == nil {
		t.Fatal("expected error for unknown certificate strategy")
	}
}

func TestParseJSON(t *testing.T) {
	body := `{"organization":"Acme","acquisition":{"mode":"bundled"},"certificate":{"strategy":"external","domain":"ir.acme.test"}}`
	cfg, err := Parse([]byte(body), "/home/analyst")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := cfg.Acquisition.(BundledBinary); !ok {
		t.Fatalf("expected bundled acquisition, got %T", cfg.Acquisition)
	}
	ext, ok := cfg.Certificate.(ExternallyIssued)
	if !ok || ext.Domain != "ir.acme.test" {
		t.Fatalf("unexpected certificate: %#v", cfg.Certificate)
	}
}

func TestEmergency(t *testing.T) {
	a, err := Emergency("/home/analyst")
	if err != nil {
		t.Fatalf("Emergency: %v", err)
	}
	b, err := Emergency("/home/analyst")
	if err != nil {
		t.Fatalf("Emergency: %v", err)
	}

	if a.Mode != ModeStandalone {
		t.Fatalf("emergency mode should be standalone, got %s", a.Mode)
	}
	if _, ok := a.Certificate.(SelfSigned); !ok {
		t.Fatalf("emergency cert should be self-signed, got %T", a.Certificate)
	}
	if _, ok := a.Acquisition.(NetworkDownload); !ok {
		t.Fatalf("emergency acquisition should be download, got %T", a.Acquisition)
	}
	if a.Paths != b.Paths {
		t.Fatalf("emergency paths should be fixed: %v vs %v", a.Paths, b.Paths)
	}
	if a.Paths.Datastore != "/home/analyst/velociraptor" {
		t.Fatalf("unexpected emergency datastore: %s", a.Paths.Datastore)
	}
	if a.Admin.Password == "" || a.Admin.Password == b.Admin.Password {
		t.Fatal("emergency password should be generated per call")
	}
}

func TestConfigPaths(t *testing.T) {
	cfg := &Config{BinaryName: "velociraptor", Paths: Paths{Datastore: "/srv/raptor"}}

	if cfg.ConfigFile() != "/srv/raptor/config/server.config.yaml" {
		t.Fatalf("unexpected config file: %s", cfg.ConfigFile())
	}
	if cfg.BinaryPath() != "/srv/raptor/bin/velociraptor" {
		t.Fatalf("unexpected binary path: %s", cfg.BinaryPath())
	}
	if cfg.TLSDir() != "/srv/raptor/config/tls" {
		t.Fatalf("unexpected tls dir: %s", cfg.TLSDir())
	}
}
