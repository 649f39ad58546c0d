package accounts

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
)

// RemoteIdentity is what a provider hands back after verifying a user.
type RemoteIdentity struct {
	UID    string         `json:"uid"`
	Email  string         `json:"email,omitempty"`
	Claims map[string]any `json:"claims,omitempty"`
}

// Callback carries the artifact a provider sent back to the redirect URI.
type Callback struct {
	Code  string
	State string

	// Cancelled is set when the provider reported that the user declined.
	Cancelled bool
}

// ProviderHandle performs the remote half of an external login. A handle is
// bound to one redirect URI and is not reused across requests.
type ProviderHandle interface {
	Key() string

	// AuthorizationURL is where the user is sent to authorize. state is echoed
	// back by the provider in the callback.
	AuthorizationURL(state string) string

	// Exchange redeems the callback for a verified remote identity. It returns
	// ErrAuthenticationCancelled if the provider reports a cancellation.
	Exchange(ctx context.Context, cb Callback) (*RemoteIdentity, error)
}

// ProviderFactory builds a handle bound to redirectURI.
type ProviderFactory func(redirectURI string) (ProviderHandle, error)

// OpenIDResolver builds a handle for a user supplied OpenID identity URL.
type OpenIDResolver func(ctx context.Context, identityURL, redirectURI string) (ProviderHandle, error)

// ProviderRegistry maps provider keys to factories.
type ProviderRegistry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{factories: map[string]ProviderFactory{}}
}

// Register adds or replaces the factory for key.
func (r *ProviderRegistry) Register(key string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = factory
}

// Keys returns the registered provider keys in sorted order.
func (r *ProviderRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve builds a fresh handle for key bound to redirectURI.
func (r *ProviderRegistry) Resolve(key, redirectURI string) (ProviderHandle, error) {
	if err := ValidateRedirectURI(redirectURI); err != nil {
		return nil, err
	}
	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, key)
	}
	return factory(redirectURI)
}

// ValidateRedirectURI requires a non-empty absolute URI.
func ValidateRedirectURI(redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("%w: redirect uri is empty", ErrInvalidConfiguration)
	}
	u, err := url.Parse(redirectURI)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: redirect uri %q is not absolute", ErrInvalidConfiguration, redirectURI)
	}
	return nil
}
