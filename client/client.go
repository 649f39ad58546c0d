package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	acc "github.com/panyam/accounts"
	"github.com/panyam/accounts/sessions"
)

// AuthClient is an HTTP client for the account routes that keeps the user
// logged in across processes through its CredentialStore.
type AuthClient struct {
	mu            sync.Mutex
	serverURL     string
	store         CredentialStore
	httpClient    *http.Client
	baseTransport http.RoundTripper
	prefix        string // where the routes are mounted, e.g. "/auth"
	cookieName    string
}

// Profile is the logged in user as reported by the server.
type Profile struct {
	User             *acc.User             `json:"user"`
	Identity         string                `json:"identity"`
	AutoLogin        bool                  `json:"auto_login"`
	OAuth2Identities []*acc.OAuth2Identity `json:"oauth2_identities"`
	OpenIDIdentities []*acc.OpenIDIdentity `json:"openid_identities"`
}

// ClientOption configures an AuthClient
type ClientOption func(*AuthClient)

// WithPrefix sets the path the account routes are mounted under
func WithPrefix(path string) ClientOption {
	return func(c *AuthClient) {
		c.prefix = strings.TrimSuffix(path, "/")
	}
}

// WithCookieName sets the name of the server's auto-login cookie
func WithCookieName(name string) ClientOption {
	return func(c *AuthClient) {
		c.cookieName = name
	}
}

// WithHTTPClient sets a custom base HTTP client (for timeouts, TLS config, etc.)
// The transport from this client will be wrapped with credential handling.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *AuthClient) {
		if client == nil {
			return
		}
		if client.Transport != nil {
			c.baseTransport = client.Transport
		}
		c.httpClient.Timeout = client.Timeout
		c.httpClient.CheckRedirect = client.CheckRedirect
		if client.Jar != nil {
			c.httpClient.Jar = client.Jar
		}
	}
}

// WithTransport sets a custom base transport (for connection pooling, proxies, etc.)
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *AuthClient) {
		c.baseTransport = transport
	}
}

// NewAuthClient creates a client for a server. Only the scheme and host of
// serverURL are kept.
func NewAuthClient(serverURL string, store CredentialStore, opts ...ClientOption) *AuthClient {
	u, err := url.Parse(serverURL)
	if err == nil && u.Scheme != "" && u.Host != "" {
		serverURL = fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	}

	// cookiejar.New never fails without options
	jar, _ := cookiejar.New(nil)
	c := &AuthClient{
		serverURL:     serverURL,
		store:         store,
		httpClient:    &http.Client{Jar: jar},
		baseTransport: http.DefaultTransport,
		cookieName:    sessions.DefaultAutoLoginCookie,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient.Transport = &credentialTransport{client: c, base: c.baseTransport}
	return c
}

// HTTPClient returns the underlying HTTP client. Requests made with it carry
// the stored credential, so it can call the application's own routes.
func (c *AuthClient) HTTPClient() *http.Client {
	return c.httpClient
}

// ServerURL returns the server URL this client is configured for
func (c *AuthClient) ServerURL() string {
	return c.serverURL
}

// GetCredential returns the stored credential for this server
func (c *AuthClient) GetCredential() (*ServerCredential, error) {
	return c.store.GetCredential(c.serverURL)
}

// IsLoggedIn returns true if there is a valid (non-expired) credential
func (c *AuthClient) IsLoggedIn() bool {
	cred, err := c.currentCredential()
	return err == nil && cred != nil
}

// Login authenticates with email and password and asks the server to
// remember the login.
func (c *AuthClient) Login(ctx context.Context, email, password string) (*acc.User, error) {
	return c.passwordAttempt(ctx, "/login", email, password)
}

// Signup creates a password account and logs into it.
func (c *AuthClient) Signup(ctx context.Context, email, password string) (*acc.User, error) {
	return c.passwordAttempt(ctx, "/signup", email, password)
}

func (c *AuthClient) passwordAttempt(ctx context.Context, path, email, password string) (*acc.User, error) {
	var out struct {
		User *acc.User `json:"user"`
	}
	body := map[string]any{"email": email, "password": password, "remember": true}
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	if out.User == nil {
		return nil, fmt.Errorf("invalid response from server: no user")
	}
	if err := c.annotate(out.User); err != nil {
		return nil, err
	}
	return out.User, nil
}

// Me returns the logged in user, or an error with code not_authenticated.
func (c *AuthClient) Me(ctx context.Context) (*Profile, error) {
	var out Profile
	if err := c.do(ctx, http.MethodGet, "/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Providers lists the login providers the server offers and whether it
// accepts OpenID identities.
func (c *AuthClient) Providers(ctx context.Context) ([]string, bool, error) {
	var out struct {
		Providers []string `json:"providers"`
		OpenID    bool     `json:"openid"`
	}
	if err := c.do(ctx, http.MethodGet, "/providers", nil, &out); err != nil {
		return nil, false, err
	}
	return out.Providers, out.OpenID, nil
}

// ChangePassword replaces the password of the logged in user.
func (c *AuthClient) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	body := map[string]any{"old_password": oldPassword, "new_password": newPassword}
	return c.do(ctx, http.MethodPost, "/change-password", body, nil)
}

// Logout ends the session on the server and forgets the local credential,
// even if the server could not be reached.
func (c *AuthClient) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/logout", nil, nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	if rmErr := c.store.RemoveCredential(c.serverURL); rmErr != nil {
		return rmErr
	}
	if saveErr := c.store.Save(); saveErr != nil {
		return saveErr
	}
	return err
}

// do sends a JSON request and decodes a JSON response into out. Error
// responses become *acc.AuthError values that match the account sentinels.
func (c *AuthClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+c.prefix+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
			Field string `json:"field"`
		}
		if json.Unmarshal(data, &e) != nil || e.Code == "" {
			return fmt.Errorf("request failed: HTTP %d", resp.StatusCode)
		}
		return acc.ErrorFromCode(e.Code, e.Error, e.Field)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid response from server: %w", err)
	}
	return nil
}

// currentCredential returns the stored credential unless it has expired.
func (c *AuthClient) currentCredential() (*ServerCredential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cred, err := c.store.GetCredential(c.serverURL)
	if err != nil || cred == nil || cred.IsExpired() {
		return nil, err
	}
	return cred, nil
}

// recordCookie stores or drops the credential after the server set or
// cleared its auto-login cookie.
func (c *AuthClient) recordCookie(cookie *http.Cookie) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	expires := cookieExpiry(cookie, now)
	if cookie.MaxAge < 0 || cookie.Value == "" || (!expires.IsZero() && !expires.After(now)) {
		if err := c.store.RemoveCredential(c.serverURL); err != nil {
			return err
		}
		return c.store.Save()
	}

	cred := &ServerCredential{CookieName: cookie.Name, CreatedAt: now}
	if old, err := c.store.GetCredential(c.serverURL); err == nil && old != nil {
		cred.UserID, cred.UserEmail = old.UserID, old.UserEmail
	}
	cred.CookieValue = cookie.Value
	cred.ExpiresAt = expires
	if err := c.store.SetCredential(c.serverURL, cred); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return c.store.Save()
}

// annotate records who the stored credential belongs to.
func (c *AuthClient) annotate(user *acc.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cred, err := c.store.GetCredential(c.serverURL)
	if err != nil || cred == nil {
		return err
	}
	cred.UserID, cred.UserEmail = user.ID, user.Email
	if err := c.store.SetCredential(c.serverURL, cred); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return c.store.Save()
}
