// Package credentials keeps the agent admin password in the OS keyring so
// it never has to live in a config file.
package credentials

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// Service is the keyring service name entries are stored under.
const Service = "agent-deployer"

// ErrNotFound is returned when no password is stored for an account.
var ErrNotFound = errors.New("credential not found")

// Store reads and writes admin passwords keyed by organization and username.
type Store struct {
	Service string
}

// New returns a Store using the default service name.
func New() *Store {
	return &Store{Service: Service}
}

// Account is the keyring user for an organization's admin.
func Account(org, username string) string {
	return org + "/" + username
}

// Save stores password for the given admin.
func (s *Store) Save(org, username, password string) error {
	if err := keyring.Set(s.Service, Account(org, username), password); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return nil
}

// Lookup returns the stored password or ErrNotFound.
func (s *Store) Lookup(org, username string) (string, error) {
	pw, err := keyring.Get(s.Service, Account(org, username))
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keyring get: %w", err)
	}
	return pw, nil
}

// Delete removes the stored password. Deleting a missing entry is not an error.
func (s *Store) Delete(org, username string) error {
	err := keyring.Delete(s.Service, Account(org, username))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete: %w", err)
	}
	return nil
}
