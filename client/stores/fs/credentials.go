// Package fs keeps the client's remembered logins in a JSON file readable
// only by its owner.
package fs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/panyam/accounts/client"
	"github.com/panyam/accounts/internal/atomicfile"
)

// fileContents is the on-disk layout, keyed by scheme://host.
type fileContents struct {
	Servers map[string]client.ServerCredential `json:"servers"`
}

// Store is a client.CredentialStore backed by one file. Changes stay in
// memory until Save.
type Store struct {
	path string

	mu    sync.RWMutex
	creds map[string]client.ServerCredential
	dirty bool
}

var _ client.CredentialStore = (*Store)(nil)

// DefaultPath is <user config dir>/<appName>/credentials.json, falling back
// to ~/.config when the platform has no config dir.
func DefaultPath(appName string) (string, error) {
	if appName == "" {
		appName = "accounts"
	}
	base, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", fmt.Errorf("no config directory: %w", errors.Join(err, herr))
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appName, "credentials.json"), nil
}

// Open reads the file at path, or DefaultPath(appName) when path is empty.
// A missing file is an empty store.
func Open(path, appName string) (*Store, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(appName); err != nil {
			return nil, err
		}
	}
	s := &Store{path: path, creds: map[string]client.ServerCredential{}}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, err
	}
	var contents fileContents
	if err := json.Unmarshal(raw, &contents); err != nil {
		return nil, fmt.Errorf("corrupt credentials file %s: %w", path, err)
	}
	for k, v := range contents.Servers {
		s.creds[k] = v
	}
	return s, nil
}

// Path is where Save writes.
func (s *Store) Path() string { return s.path }

// serverKey reduces a server URL to scheme://host; https is assumed when the
// scheme is missing.
func serverKey(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + u.Host, nil
}

func (s *Store) GetCredential(serverURL string) (*client.ServerCredential, error) {
	key, err := serverKey(serverURL)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cred, ok := s.creds[key]; ok {
		return &cred, nil
	}
	return nil, nil
}

func (s *Store) SetCredential(serverURL string, cred *client.ServerCredential) error {
	key, err := serverKey(serverURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.creds[key] = *cred
	s.dirty = true
	s.mu.Unlock()
	return nil
}

func (s *Store) RemoveCredential(serverURL string) error {
	key, err := serverKey(serverURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[key]; ok {
		delete(s.creds, key)
		s.dirty = true
	}
	return nil
}

// ListServers returns the keys of stored credentials, sorted.
func (s *Store) ListServers() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.creds))
	for k := range s.creds {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

// Save writes the file with mode 0600 if anything changed since Open or the
// last Save.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	raw, err := json.MarshalIndent(fileContents{Servers: s.creds}, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicfile.Write(s.path, raw, 0600); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	s.dirty = false
	return nil
}
