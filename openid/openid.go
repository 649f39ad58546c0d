// Package openid resolves user supplied OpenID identity URLs to provider
// handles using OpenID Connect discovery and ID token verification.
package openid

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	acc "github.com/panyam/accounts"
)

// Key is the provider key reported by OpenID handles.
const Key = "openid"

// Resolver discovers the OpenID provider behind an identity URL. The same
// client credentials are presented to every provider.
type Resolver struct {
	Client acc.ProviderConfig

	// HTTPClient is used for discovery, key fetches and the token exchange.
	HTTPClient *http.Client
}

func NewResolver(client acc.ProviderConfig) *Resolver {
	return &Resolver{Client: client}
}

func (r *Resolver) withClient(ctx context.Context) context.Context {
	if r.HTTPClient == nil {
		return ctx
	}
	return oidc.ClientContext(ctx, r.HTTPClient)
}

// Resolve implements accounts.OpenIDResolver. The identity URL is tried as
// the issuer first and then its origin.
func (r *Resolver) Resolve(ctx context.Context, identityURL, redirectURI string) (acc.ProviderHandle, error) {
	if !r.Client.Enabled() {
		return nil, fmt.Errorf("%w: openid client credentials are not set", acc.ErrInvalidConfiguration)
	}
	ctx = r.withClient(ctx)

	var provider *oidc.Provider
	var errs []error
	for _, issuer := range issuerCandidates(identityURL) {
		p, err := oidc.NewProvider(ctx, issuer)
		if err == nil {
			provider = p
			break
		}
		errs = append(errs, err)
	}
	if provider == nil {
		return nil, fmt.Errorf("%w: no openid provider at %q: %v", acc.ErrInvalidInput, identityURL, errors.Join(errs...))
	}

	scopes := r.Client.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}
	return &Handle{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: r.Client.ClientID}),
		config: oauth2.Config{
			ClientID:     r.Client.ClientID,
			ClientSecret: r.Client.ClientSecret,
			RedirectURL:  redirectURI,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
		httpClient: r.HTTPClient,
	}, nil
}

func issuerCandidates(identityURL string) []string {
	out := []string{strings.TrimSuffix(identityURL, "/")}
	if u, err := url.Parse(identityURL); err == nil && u.Host != "" {
		origin := u.Scheme + "://" + u.Host
		if origin != out[0] {
			out = append(out, origin)
		}
	}
	return out
}

// Handle is an OpenID provider bound to one redirect URI.
type Handle struct {
	provider   *oidc.Provider
	verifier   *oidc.IDTokenVerifier
	config     oauth2.Config
	httpClient *http.Client
}

var _ acc.ProviderHandle = (*Handle)(nil)

func (h *Handle) Key() string { return Key }

func (h *Handle) AuthorizationURL(state string) string {
	return h.config.AuthCodeURL(state)
}

// Exchange redeems the code and verifies the returned ID token. The identity
// is the provider's openid_id claim when present, otherwise issuer/subject.
func (h *Handle) Exchange(ctx context.Context, cb acc.Callback) (*acc.RemoteIdentity, error) {
	if cb.Cancelled {
		return nil, acc.ErrAuthenticationCancelled
	}
	if cb.Code == "" {
		return nil, fmt.Errorf("%w: openid callback has no code", acc.ErrInvalidArtifact)
	}
	if h.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, h.httpClient)
	}

	token, err := h.config.Exchange(ctx, cb.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: openid code exchange: %v", acc.ErrInvalidArtifact, err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: no id_token in token response", acc.ErrInvalidArtifact)
	}
	idToken, err := h.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: id_token: %v", acc.ErrInvalidArtifact, err)
	}

	claims := map[string]any{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: id_token claims: %v", acc.ErrInvalidArtifact, err)
	}
	identity, _ := claims["openid_id"].(string)
	if identity == "" {
		identity = strings.TrimSuffix(idToken.Issuer, "/") + "/" + idToken.Subject
	}
	email, _ := claims["email"].(string)
	return &acc.RemoteIdentity{UID: identity, Email: email, Claims: claims}, nil
}
