// Package agentconfig renders the deployment settings into the agent's
// server configuration file.
package agentconfig

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
	"gopkg.in/yaml.v3"

	"github.com/osiriscare/agent-deployer/internal/ca"
	"github.com/osiriscare/agent-deployer/internal/config"
	"github.com/osiriscare/agent-deployer/internal/deployerr"
)

// FileMode keeps the rendered file private; it embeds private keys and the
// admin hash.
const FileMode os.FileMode = 0o600

// document mirrors the subset of the agent's server configuration schema
// that a deployment sets. Section names are the agent's own.
type document struct {
	Version   versionSection   `yaml:"version"`
	Client    clientSection    `yaml:"Client"`
	API       apiSection       `yaml:"API"`
	GUI       guiSection       `yaml:"GUI"`
	CA        caSection        `yaml:"CA"`
	Frontend  frontendSection  `yaml:"Frontend"`
	Datastore datastoreSection `yaml:"Datastore"`
	Logging   loggingSection   `yaml:"Logging"`

	AutocertDomain    string `yaml:"autocert_domain,omitempty"`
	AutocertCertCache string `yaml:"autocert_cert_cache,omitempty"`
}

type versionSection struct {
	Name string `yaml:"name"`
}

type clientSection struct {
	ServerURLs       []string `yaml:"server_urls"`
	CACertificate    string   `yaml:"ca_certificate"`
	PinnedServerName string   `yaml:"pinned_server_name"`
	UseSelfSignedSSL bool     `yaml:"use_self_signed_ssl,omitempty"`
}

type apiSection struct {
	BindAddress string `yaml:"bind_address"`
	BindPort    int    `yaml:"bind_port"`
	BindScheme  string `yaml:"bind_scheme"`
}

type guiSection struct {
	BindAddress   string        `yaml:"bind_address"`
	BindPort      int           `yaml:"bind_port"`
	PublicURL     string        `yaml:"public_url"`
	InitialUsers  []initialUser `yaml:"initial_users"`
	Authenticator authenticator `yaml:"authenticator"`
}

type initialUser struct {
	Name         string `yaml:"name"`
	PasswordHash string `yaml:"password_hash"`
	PasswordSalt string `yaml:"password_salt"`
}

type authenticator struct {
	Type string `yaml:"type"`
}

type caSection struct {
	PrivateKey string `yaml:"private_key"`
}

type frontendSection struct {
	Hostname               string `yaml:"hostname"`
	BindAddress            string `yaml:"bind_address"`
	BindPort               int    `yaml:"bind_port"`
	Certificate            string `yaml:"certificate"`
	PrivateKey             string `yaml:"private_key"`
	TLSCertificateFilename string `yaml:"tls_certificate_filename,omitempty"`
	TLSPrivateKeyFilename  string `yaml:"tls_private_key_filename,omitempty"`
}

type datastoreSection struct {
	Implementation     string `yaml:"implementation"`
	Location           string `yaml:"location"`
	FilestoreDirectory string `yaml:"filestore_directory"`
}

type loggingSection struct {
	OutputDirectory          string `yaml:"output_directory"`
	SeparateLogsPerComponent bool   `yaml:"separate_logs_per_component"`
}

// material is the PEM text embedded in the document. The agent reads its
// internal CA and frontend identity inline, whatever the TLS strategy.
type material struct {
	CACert       string
	CAKey        string
	FrontendCert string
	FrontendKey  string
}

// Materializer writes the agent configuration for a deployment.
type Materializer struct{}

// New returns a Materializer.
func New() *Materializer { return &Materializer{} }

// Materialize prepares TLS material, renders the config, and writes it
// atomically to cfg.ConfigFile().
func (m *Materializer) Materialize(cfg *config.Config, binaryPath string) (string, error) {
	if err := prepareCertificates(cfg); err != nil {
		return "", err
	}

	data, err := Render(cfg, binaryPath)
	if err != nil {
		return "", deployerr.Wrap(deployerr.ConfigGenerationFailed, err, "render config")
	}

	path := cfg.ConfigFile()
	if err := writeAtomic(path, data); err != nil {
		return "", deployerr.Wrap(deployerr.ConfigGenerationFailed, err, "write %s", path)
	}
	log.Printf("[agentconfig] Wrote %s (%d bytes)", path, len(data))
	return path, nil
}

// Render produces the configuration document from cfg and the certificates
// already present under cfg.TLSDir(). Output depends only on those inputs.
func Render(cfg *config.Config, binaryPath string) ([]byte, error) {
	mat, err := loadMaterial(ca.New(cfg.TLSDir(), cfg.Organization))
	if err != nil {
		return nil, err
	}
	return render(cfg, binaryPath, mat)
}

func render(cfg *config.Config, binaryPath string, mat material) ([]byte, error) {
	hostname := frontendHostname(cfg)
	hash, salt, err := hashPassword(cfg.Organization, cfg.Admin)
	if err != nil {
		return nil, err
	}

	doc := document{
		Version: versionSection{Name: cfg.BinaryName},
		Client: clientSection{
			ServerURLs:       []string{fmt.Sprintf("https://%s:%d/", hostname, cfg.Control.Port)},
			CACertificate:    mat.CACert,
			PinnedServerName: ca.ServerName,
		},
		API: apiSection{
			BindAddress: cfg.API.Address,
			BindPort:    cfg.API.Port,
			BindScheme:  "tcp",
		},
		GUI: guiSection{
			BindAddress: cfg.Management.Address,
			BindPort:    cfg.Management.Port,
			PublicURL:   fmt.Sprintf("https://%s:%d/app/index.html", probeHost(cfg.Management.Address, hostname), cfg.Management.Port),
			InitialUsers: []initialUser{{
				Name:         cfg.Admin.Username,
				PasswordHash: hash,
				PasswordSalt: salt,
			}},
			Authenticator: authenticator{Type: "Basic"},
		},
		CA: caSection{PrivateKey: mat.CAKey},
		Frontend: frontendSection{
			Hostname:    hostname,
			BindAddress: cfg.Control.Address,
			BindPort:    cfg.Control.Port,
			Certificate: mat.FrontendCert,
			PrivateKey:  mat.FrontendKey,
		},
		Datastore: datastoreSection{
			Implementation:     "FileBaseDataStore",
			Location:           cfg.Paths.Datastore,
			FilestoreDirectory: cfg.Paths.Datastore,
		},
		Logging: loggingSection{
			OutputDirectory:          cfg.Paths.Logs,
			SeparateLogsPerComponent: true,
		},
	}

	switch cs := cfg.Certificate.(type) {
	case config.SelfSigned:
		doc.Client.UseSelfSignedSSL = true
	case config.CustomFiles:
		doc.Frontend.TLSCertificateFilename = cs.CertFile
		doc.Frontend.TLSPrivateKeyFilename = cs.KeyFile
	case config.ExternallyIssued:
		doc.AutocertDomain = cs.Domain
		doc.AutocertCertCache = filepath.Join(cfg.Paths.Cache, "acme")
	default:
		return nil, fmt.Errorf("unsupported certificate strategy %T", cfg.Certificate)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# Generated by agent-deployer for %q (%s mode). Changes are overwritten on redeploy.\n", cfg.Organization, cfg.Mode)
	fmt.Fprintf(&buf, "# Agent binary: %s\n", binaryPath)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func loadMaterial(auth *ca.Authority) (material, error) {
	var mat material
	files := []struct {
		path string
		dst  *string
	}{
		{auth.CACertPath(), &mat.CACert},
		{auth.CAKeyPath(), &mat.CAKey},
		{auth.ServerCertPath(), &mat.FrontendCert},
		{auth.ServerKeyPath(), &mat.FrontendKey},
	}
	for _, f := range files {
		data, err := os.ReadFile(f.path)
		if err != nil {
			return material{}, fmt.Errorf("read certificate material: %w", err)
		}
		*f.dst = string(data)
	}
	return mat, nil
}

// prepareCertificates issues the internal CA and frontend identity the agent
// always needs, and checks user-supplied TLS files for the custom strategy.
func prepareCertificates(cfg *config.Config) error {
	if cs, ok := cfg.Certificate.(config.CustomFiles); ok {
		for _, p := range []string{cs.CertFile, cs.KeyFile} {
			if _, err := os.Stat(p); err != nil {
				return deployerr.Wrap(deployerr.ConfigGenerationFailed, err, "certificate file %s", p)
			}
		}
	}

	auth := ca.New(cfg.TLSDir(), cfg.Organization)
	if err := auth.EnsureCA(); err != nil {
		return deployerr.Wrap(deployerr.ConfigGenerationFailed, err, "prepare CA")
	}
	hosts := []string{"localhost", "127.0.0.1", frontendHostname(cfg)}
	if err := auth.EnsureServerCert(hosts); err != nil {
		return deployerr.Wrap(deployerr.ConfigGenerationFailed, err, "issue frontend certificate")
	}
	return nil
}

// frontendHostname is the name agents use to reach the control listener.
func frontendHostname(cfg *config.Config) string {
	if ext, ok := cfg.Certificate.(config.ExternallyIssued); ok {
		return ext.Domain
	}
	return probeHost(cfg.Control.Address, "localhost")
}

// probeHost maps wildcard bind addresses to a connectable host.
func probeHost(addr, fallback string) string {
	switch addr {
	case "", "0.0.0.0", "::", "[::]":
		return fallback
	}
	return addr
}

// hashPassword returns hex(sha256(salt || password)) and the hex salt, the
// form the agent checks initial users against. The salt is derived from the
// org and username so rendering stays deterministic for identical input.
func hashPassword(org string, creds config.Credentials) (hash, salt string, err error) {
	saltBytes := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(org+"\x00"+creds.Username), nil, []byte("agent-deployer admin salt"))
	if _, err := io.ReadFull(kdf, saltBytes); err != nil {
		return "", "", fmt.Errorf("derive password salt: %w", err)
	}
	sum := sha256.Sum256(append(saltBytes, creds.Password...))
	return hex.EncodeToString(sum[:]), hex.EncodeToString(saltBytes), nil
}

// writeAtomic writes data to a temp file beside path and renames it into
// place, then tightens the mode in case the file pre-existed.
func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, FileMode); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, FileMode); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Chmod(path, FileMode)
}
