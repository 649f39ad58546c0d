// Package oauth2 provides accounts.ProviderHandle implementations for OAuth2
// login providers on top of golang.org/x/oauth2.
package oauth2

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	acc "github.com/panyam/accounts"
)

// UserParser turns a userinfo document into a remote identity.
type UserParser func(userInfo map[string]any) (*acc.RemoteIdentity, error)

// Provider is a handle bound to one redirect URI. Build a new one per
// request through a factory.
type Provider struct {
	Name        string
	Config      oauth2.Config
	UserInfoURL string
	ParseUser   UserParser

	// AuthParams are added to the authorization URL.
	AuthParams []oauth2.AuthCodeOption

	// HTTPClient is used for the token exchange and the userinfo request.
	// Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// AfterExchange can enrich the identity from the token, e.g. id_token claims.
	AfterExchange func(token *oauth2.Token, remote *acc.RemoteIdentity) error
}

var _ acc.ProviderHandle = (*Provider)(nil)

func (p *Provider) Key() string { return p.Name }

func (p *Provider) AuthorizationURL(state string) string {
	return p.Config.AuthCodeURL(state, p.AuthParams...)
}

func (p *Provider) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}

// SetHTTPClient sets the client used to talk to the provider.
func (p *Provider) SetHTTPClient(client *http.Client) { p.HTTPClient = client }

// SetOAuthEndpoint overrides the provider's endpoints.
func (p *Provider) SetOAuthEndpoint(endpoint oauth2.Endpoint) { p.Config.Endpoint = endpoint }

// Exchange redeems the authorization code and fetches the user's profile.
func (p *Provider) Exchange(ctx context.Context, cb acc.Callback) (*acc.RemoteIdentity, error) {
	if cb.Cancelled {
		return nil, acc.ErrAuthenticationCancelled
	}
	if cb.Code == "" {
		return nil, fmt.Errorf("%w: %s callback has no code", acc.ErrInvalidArtifact, p.Name)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client())
	token, err := p.Config.Exchange(ctx, cb.Code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "access_denied" {
			return nil, acc.ErrAuthenticationCancelled
		}
		return nil, fmt.Errorf("%w: %s code exchange: %v", acc.ErrInvalidArtifact, p.Name, err)
	}

	userInfo, err := fetchUserInfo(ctx, p.client(), p.UserInfoURL, token)
	if err != nil {
		return nil, fmt.Errorf("%s userinfo: %w", p.Name, err)
	}
	remote, err := p.ParseUser(userInfo)
	if err != nil {
		return nil, err
	}
	if p.AfterExchange != nil {
		if err := p.AfterExchange(token, remote); err != nil {
			return nil, err
		}
	}
	return remote, nil
}

// NewFactory returns a factory for a provider with the given endpoints.
// Endpoint and userinfo overrides in cfg take precedence.
func NewFactory(name string, cfg acc.ProviderConfig, endpoint oauth2.Endpoint, userInfoURL string, defaultScopes []string, parse UserParser) acc.ProviderFactory {
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	if cfg.UserInfoURL != "" {
		userInfoURL = cfg.UserInfoURL
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	return func(redirectURI string) (acc.ProviderHandle, error) {
		return newProvider(name, cfg, endpoint, userInfoURL, scopes, parse, redirectURI)
	}
}

func newProvider(name string, cfg acc.ProviderConfig, endpoint oauth2.Endpoint, userInfoURL string, scopes []string, parse UserParser, redirectURI string) (*Provider, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: %s client credentials are not set", acc.ErrInvalidConfiguration, name)
	}
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" || userInfoURL == "" {
		return nil, fmt.Errorf("%w: %s endpoints are not set", acc.ErrInvalidConfiguration, name)
	}
	if parse == nil {
		parse = ParseStandardUser
	}
	return &Provider{
		Name: name,
		Config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  redirectURI,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		UserInfoURL: userInfoURL,
		ParseUser:   parse,
	}, nil
}
