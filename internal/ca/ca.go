// Package ca manages the private certificate authority used by the
// self-signed certificate strategy.
//
// Certificate lifecycle:
// 1. First deployment -> CA cert generated under <datastore>/config/tls
// 2. Frontend cert issued for the agent's hostnames/IPs
// 3. Re-deployments reuse both while the frontend cert has >30 days left
//
// Keys are RSA in PKCS#1 form since the agent also uses the frontend key
// for its own message encryption.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// ServerName is the frontend certificate's common name. Agent clients pin it.
const ServerName = "VelociraptorServer"

const keyBits = 2048

// Authority manages a CA keypair and the agent's frontend certificate.
type Authority struct {
	Dir          string
	Organization string

	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
}

// New creates an Authority rooted at dir.
func New(dir, organization string) *Authority {
	return &Authority{Dir: dir, Organization: organization}
}

func (a *Authority) CACertPath() string     { return filepath.Join(a.Dir, "ca.crt") }
func (a *Authority) CAKeyPath() string      { return filepath.Join(a.Dir, "ca.key") }
func (a *Authority) ServerCertPath() string { return filepath.Join(a.Dir, "frontend.crt") }
func (a *Authority) ServerKeyPath() string  { return filepath.Join(a.Dir, "frontend.key") }

// EnsureCA generates a CA cert/key if not present, or loads existing.
func (a *Authority) EnsureCA() error {
	if err := os.MkdirAll(a.Dir, 0o700); err != nil {
		return fmt.Errorf("create CA dir: %w", err)
	}

	if a.loadExisting() == nil {
		return nil
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{a.Organization},
			CommonName:   a.Organization + " Agent CA",
		},
		NotBefore:             now,
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA cert: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse CA cert: %w", err)
	}

	keyPEM := encodeKey(key)
	if err := os.WriteFile(a.CAKeyPath(), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(a.CACertPath(), certPEM, 0o644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}

	a.caCert = cert
	a.caKey = key
	return nil
}

func (a *Authority) loadExisting() error {
	certPEM, err := os.ReadFile(a.CACertPath())
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(a.CAKeyPath())
	if err != nil {
		return err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return fmt.Errorf("no PEM block in CA cert")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("no PEM block in CA key")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse CA key: %w", err)
	}

	a.caCert = cert
	a.caKey = key
	return nil
}

// EnsureServerCert issues the frontend certificate for hosts (DNS names or
// IPs) unless a cert signed by this CA with more than 30 days left already
// covers them.
func (a *Authority) EnsureServerCert(hosts []string) error {
	if a.caCert == nil || a.caKey == nil {
		return fmt.Errorf("CA not initialized, call EnsureCA first")
	}

	if a.existingServerCertValid(hosts) {
		return nil
	}

	serverKey, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("generate server key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{a.Organization},
			CommonName:   ServerName,
		},
		NotBefore:   now,
		NotAfter:    now.Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, a.caCert, &serverKey.PublicKey, a.caKey)
	if err != nil {
		return fmt.Errorf("sign server cert: %w", err)
	}

	keyPEM := encodeKey(serverKey)
	if err := os.WriteFile(a.ServerKeyPath(), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write server key: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(a.ServerCertPath(), certPEM, 0o644); err != nil {
		return fmt.Errorf("write server cert: %w", err)
	}
	return nil
}

func (a *Authority) existingServerCertValid(hosts []string) bool {
	certData, err := os.ReadFile(a.ServerCertPath())
	if err != nil {
		return false
	}
	if _, err := os.Stat(a.ServerKeyPath()); err != nil {
		return false
	}

	block, _ := pem.Decode(certData)
	if block == nil {
		return false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false
	}
	if cert.CheckSignatureFrom(a.caCert) != nil || cert.Subject.CommonName != ServerName {
		return false
	}
	if time.Until(cert.NotAfter) <= 30*24*time.Hour {
		return false
	}
	for _, h := range hosts {
		if h != "" && cert.VerifyHostname(h) != nil {
			return false
		}
	}
	return true
}

func encodeKey(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func randomSerial() (*big.Int, error) {
	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}
