// Package client talks to the account routes from command line tools. The
// remember-me cookie issued at login is kept in a CredentialStore so that
// later runs start out logged in.
package client

import (
	"time"
)

// ServerCredential is the auto-login cookie issued by one server.
type ServerCredential struct {
	CookieName  string    `json:"cookie_name"`
	CookieValue string    `json:"cookie_value"`
	UserID      int64     `json:"user_id,omitempty"`
	UserEmail   string    `json:"user_email,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsExpired returns true once the cookie has expired. A zero ExpiresAt
// never expires.
func (c *ServerCredential) IsExpired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// IsExpiringSoon returns true if the cookie expires within the given duration
func (c *ServerCredential) IsExpiringSoon(within time.Duration) bool {
	return !c.ExpiresAt.IsZero() && time.Now().Add(within).After(c.ExpiresAt)
}

// CredentialStore defines the interface for storing and retrieving credentials
type CredentialStore interface {
	// GetCredential retrieves a credential for a server URL
	// Returns nil, nil if no credential exists for the server
	GetCredential(serverURL string) (*ServerCredential, error)

	// SetCredential stores a credential for a server URL
	SetCredential(serverURL string, cred *ServerCredential) error

	// RemoveCredential removes a credential for a server URL
	RemoveCredential(serverURL string) error

	// ListServers returns all server URLs with stored credentials
	ListServers() ([]string, error)

	// Save persists any pending changes (for stores that batch writes)
	Save() error
}
