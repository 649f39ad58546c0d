package accounts_test

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	acc "github.com/panyam/accounts"
	"github.com/panyam/accounts/stores/fs"
)

const testRedirectURI = "https://app.example.com/callback"

// fakeProvider verifies a fixed set of codes.
type fakeProvider struct {
	key     string
	remotes map[string]*acc.RemoteIdentity

	mu        sync.Mutex
	exchanges int
}

func (p *fakeProvider) Key() string { return p.key }

func (p *fakeProvider) AuthorizationURL(state string) string {
	return "https://" + p.key + ".test/auth?" + url.Values{"state": {state}}.Encode()
}

func (p *fakeProvider) Exchange(ctx context.Context, cb acc.Callback) (*acc.RemoteIdentity, error) {
	p.mu.Lock()
	p.exchanges++
	p.mu.Unlock()
	if cb.Cancelled {
		return nil, acc.ErrAuthenticationCancelled
	}
	remote, ok := p.remotes[cb.Code]
	if !ok {
		return nil, acc.ErrInvalidArtifact
	}
	out := *remote
	return &out, nil
}

func (p *fakeProvider) Exchanges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchanges
}

// TestEnv wires an engine and session manager over a temporary fs store,
// with a controllable clock.
type TestEnv struct {
	Store    *fs.Store
	Config   *acc.Config
	Engine   *acc.Engine
	Sessions *acc.SessionManager
	Provider *fakeProvider
	OpenID   *fakeProvider

	Resolves int

	mu  sync.Mutex
	now time.Time
}

func setupEnv(t *testing.T) *TestEnv {
	t.Helper()
	store, err := fs.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	env := &TestEnv{
		Store:  store,
		Config: &acc.Config{PasswordSalt: "pepper"},
		now:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Provider: &fakeProvider{key: "fake", remotes: map[string]*acc.RemoteIdentity{
			"good":     {UID: "u-1", Email: "remote@example.com"},
			"noemail":  {UID: "u-2"},
			"bademail": {UID: "u-3", Email: "not-an-email"},
			"empty":    {},
		}},
		OpenID: &fakeProvider{key: "openid", remotes: map[string]*acc.RemoteIdentity{
			"good": {UID: "https://me.example.com/", Email: "openid@example.com"},
		}},
	}

	registry := acc.NewProviderRegistry()
	registry.Register("fake", func(redirectURI string) (acc.ProviderHandle, error) {
		return env.Provider, nil
	})
	env.Engine = acc.NewEngine(store, registry, env.Config)
	env.Engine.Now = env.Now
	env.Engine.Resolver = func(ctx context.Context, identityURL, redirectURI string) (acc.ProviderHandle, error) {
		env.Resolves++
		return env.OpenID, nil
	}
	env.Sessions = acc.NewSessionManager(store, env.Config)
	env.Sessions.Now = env.Now
	return env
}

func (e *TestEnv) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *TestEnv) Advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

// twoPhase runs both calls of an external flow, answering the provider
// redirect with code.
func twoPhase(t *testing.T, call func(req *acc.Request) (*acc.Result, error), req acc.Request, code string) (*acc.Result, error) {
	t.Helper()
	if req.RedirectURI == "" {
		req.RedirectURI = testRedirectURI
	}
	req.State = "state-" + code

	first, err := call(&req)
	if err != nil {
		return nil, err
	}
	if !first.Suspended() {
		t.Fatalf("Expected first call to suspend, got %+v", first)
	}
	redirect, err := url.Parse(first.RedirectURL)
	if err != nil {
		t.Fatalf("Bad redirect URL %q: %v", first.RedirectURL, err)
	}
	if got := redirect.Query().Get("state"); got != req.State {
		t.Fatalf("Expected state %q in redirect, got %q", req.State, got)
	}

	req.Callback = &acc.Callback{Code: code, State: req.State}
	return call(&req)
}

func (e *TestEnv) oauth2Signup(t *testing.T, email, code string) (*acc.Result, error) {
	return twoPhase(t, func(req *acc.Request) (*acc.Result, error) {
		return e.Engine.OAuth2().Signup(context.Background(), req)
	}, acc.Request{Provider: "fake", Email: email}, code)
}

func (e *TestEnv) oauth2Login(t *testing.T, code string) (*acc.Result, error) {
	return twoPhase(t, func(req *acc.Request) (*acc.Result, error) {
		return e.Engine.OAuth2().Login(context.Background(), req)
	}, acc.Request{Provider: "fake"}, code)
}

func (e *TestEnv) passwordSignup(t *testing.T, email, password string) *acc.User {
	t.Helper()
	res, err := e.Engine.Password().Signup(context.Background(), &acc.Request{Email: email, Password: password})
	if err != nil {
		t.Fatalf("Signup of %s failed: %v", email, err)
	}
	return res.User
}
