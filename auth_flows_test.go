package accounts_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	acc "github.com/panyam/accounts"
)

// =============================================================================
// ExternalFlow
// =============================================================================

func TestExternalFlowRedirect(t *testing.T) {
	env := setupEnv(t)
	flow := acc.NewExternalFlow(acc.MethodOAuth2, env.Provider, nil)

	if err := flow.Advance(context.Background(), "s1", nil); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if flow.State() != acc.FlowAwaitingRedirect {
		t.Errorf("Expected %s, got %s", acc.FlowAwaitingRedirect, flow.State())
	}
	if !strings.Contains(flow.RedirectURL(), "state=s1") {
		t.Errorf("Expected state in %q", flow.RedirectURL())
	}
	if flow.Remote() != nil {
		t.Error("Expected no remote identity before the callback")
	}

	if err := flow.Advance(context.Background(), "s1", nil); err == nil {
		t.Error("Expected a flow to advance only once")
	}
}

// blankProvider cannot build an authorization URL, as happens when a SAML
// request fails to encode.
type blankProvider struct{ *fakeProvider }

func (blankProvider) AuthorizationURL(state string) string { return "" }

func TestExternalFlowWithoutAuthorizationURL(t *testing.T) {
	env := setupEnv(t)
	broken := blankProvider{&fakeProvider{key: "broken"}}

	flow := acc.NewExternalFlow(acc.MethodOAuth2, broken, nil)
	err := flow.Advance(context.Background(), "s1", nil)
	if !errors.Is(err, acc.ErrInvalidConfiguration) {
		t.Fatalf("Expected ErrInvalidConfiguration, got %v", err)
	}

	registry := acc.NewProviderRegistry()
	registry.Register("broken", func(redirectURI string) (acc.ProviderHandle, error) {
		return broken, nil
	})
	engine := acc.NewEngine(env.Store, registry, env.Config)
	res, err := engine.OAuth2().Login(context.Background(), &acc.Request{
		Provider:    "broken",
		RedirectURI: testRedirectURI,
		State:       "s1",
	})
	if !errors.Is(err, acc.ErrInvalidConfiguration) {
		t.Fatalf("Expected ErrInvalidConfiguration, got %+v, %v", res, err)
	}
	if res != nil {
		t.Errorf("Expected no result, got %+v", res)
	}
}

func TestExternalFlowCallback(t *testing.T) {
	veto := func(ctx context.Context, method acc.Method, provider string, remote *acc.RemoteIdentity) error {
		if remote.UID == "u-2" {
			return fmt.Errorf("blocked")
		}
		return nil
	}

	tests := []struct {
		name      string
		state     string
		cb        acc.Callback
		wantErr   error
		wantState acc.FlowState
		exchanged bool
	}{
		{"verified", "s", acc.Callback{Code: "good", State: "s"}, nil, acc.FlowVerified, true},
		{"cancelled", "s", acc.Callback{Cancelled: true, State: "s"}, acc.ErrAuthenticationCancelled, acc.FlowCancelled, false},
		{"state mismatch", "s", acc.Callback{Code: "good", State: "forged"}, acc.ErrInvalidArtifact, acc.FlowAwaitingRedirect, false},
		{"bad code", "s", acc.Callback{Code: "nope", State: "s"}, acc.ErrInvalidArtifact, acc.FlowAwaitingRedirect, true},
		{"no uid", "s", acc.Callback{Code: "empty", State: "s"}, acc.ErrInvalidArtifact, acc.FlowAwaitingRedirect, true},
		{"vetoed", "s", acc.Callback{Code: "noemail", State: "s"}, acc.ErrAuthenticationCancelled, acc.FlowCancelled, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := setupEnv(t)
			flow := acc.NewExternalFlow(acc.MethodOAuth2, env.Provider, veto)
			cb := tc.cb
			err := flow.Advance(context.Background(), tc.state, &cb)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("Expected %v, got %v", tc.wantErr, err)
			}
			if flow.State() != tc.wantState {
				t.Errorf("Expected state %s, got %s", tc.wantState, flow.State())
			}
			if got := env.Provider.Exchanges() > 0; got != tc.exchanged {
				t.Errorf("Expected exchanged=%v, got %v", tc.exchanged, got)
			}
			if tc.wantState == acc.FlowVerified && flow.Remote().UID != "u-1" {
				t.Errorf("Unexpected remote %+v", flow.Remote())
			}
		})
	}
}

// =============================================================================
// OAuth2
// =============================================================================

func TestOAuth2SignupThenLogin(t *testing.T) {
	env := setupEnv(t)

	signup, err := env.oauth2Signup(t, "", "good")
	if err != nil {
		t.Fatalf("Signup failed: %v", err)
	}
	if signup.Identity != "fake:u-1" {
		t.Errorf("Expected identity fake:u-1, got %q", signup.Identity)
	}

	login, err := env.oauth2Login(t, "good")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if login.User.ID != signup.User.ID {
		t.Errorf("Expected same user, got %d and %d", signup.User.ID, login.User.ID)
	}
	if login.User.LastLogin == nil {
		t.Error("Expected last login to be set")
	}

	ids, err := env.Store.ListOAuth2Identities(context.Background(), signup.User.ID)
	if err != nil || len(ids) != 1 || ids[0].Provider != "fake" || ids[0].UID != "u-1" {
		t.Errorf("Unexpected identities %v (%v)", ids, err)
	}
}

func TestOAuth2Failures(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	_, err := env.oauth2Login(t, "good")
	if !errors.Is(err, acc.ErrAccountNotFound) {
		t.Errorf("Expected ErrAccountNotFound for an unlinked identity, got %v", err)
	}
	if errors.Is(err, acc.ErrMissingAccount) {
		t.Error("OAuth2 should report the general kind")
	}

	_, err = env.Engine.OAuth2().Login(ctx, &acc.Request{Provider: "nope", RedirectURI: testRedirectURI})
	if !errors.Is(err, acc.ErrUnknownProvider) {
		t.Errorf("Expected ErrUnknownProvider, got %v", err)
	}

	_, err = env.Engine.OAuth2().Login(ctx, &acc.Request{Provider: "fake", RedirectURI: "/relative"})
	if !errors.Is(err, acc.ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration, got %v", err)
	}

	_, err = env.Engine.OAuth2().Login(ctx, &acc.Request{
		Provider:    "fake",
		RedirectURI: testRedirectURI,
		State:       "s",
		Callback:    &acc.Callback{Cancelled: true},
	})
	if !errors.Is(err, acc.ErrAuthenticationCancelled) {
		t.Errorf("Expected ErrAuthenticationCancelled, got %v", err)
	}
}

func TestOAuth2Veto(t *testing.T) {
	env := setupEnv(t)
	env.Engine.Veto = func(ctx context.Context, method acc.Method, provider string, remote *acc.RemoteIdentity) error {
		if method != acc.MethodOAuth2 || provider != "fake" {
			t.Errorf("Unexpected veto call %s %s", method, provider)
		}
		return errors.New("suspicious")
	}
	if _, err := env.oauth2Signup(t, "", "good"); !errors.Is(err, acc.ErrAuthenticationCancelled) {
		t.Errorf("Expected ErrAuthenticationCancelled, got %v", err)
	}
	if _, err := env.Store.FindUserByEmail(context.Background(), "remote@example.com"); !errors.Is(err, acc.ErrNotFound) {
		t.Errorf("Expected no user to be created, got %v", err)
	}
}

func TestOAuth2DuplicateSignup(t *testing.T) {
	env := setupEnv(t)
	if _, err := env.oauth2Signup(t, "", "noemail"); err != nil {
		t.Fatalf("Signup failed: %v", err)
	}
	_, err := env.oauth2Signup(t, "", "noemail")
	if !errors.Is(err, acc.ErrDuplicateIdentity) {
		t.Errorf("Expected ErrDuplicateIdentity, got %v", err)
	}
	if !errors.Is(err, acc.ErrAlreadyExists) {
		t.Errorf("Expected ErrDuplicateIdentity to match ErrAlreadyExists")
	}
}

// =============================================================================
// OpenID
// =============================================================================

func (e *TestEnv) openIDCall(t *testing.T, op string, identity, code string) (*acc.Result, error) {
	openid := e.Engine.OpenID()
	return twoPhase(t, func(req *acc.Request) (*acc.Result, error) {
		switch op {
		case "signup":
			return openid.Signup(context.Background(), req)
		default:
			return openid.Login(context.Background(), req)
		}
	}, acc.Request{Identity: identity}, code)
}

func TestOpenIDSignupLoginRemove(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	if _, err := env.openIDCall(t, "login", "https://me.example.com/", "good"); !errors.Is(err, acc.ErrMissingAccount) {
		t.Errorf("Expected ErrMissingAccount, got %v", err)
	}

	signup, err := env.openIDCall(t, "signup", "https://me.example.com/", "good")
	if err != nil {
		t.Fatalf("Signup failed: %v", err)
	}
	if signup.Identity != "openid:https://me.example.com/" {
		t.Errorf("Unexpected identity %q", signup.Identity)
	}
	if signup.User.Email != "openid@example.com" {
		t.Errorf("Expected provider email, got %q", signup.User.Email)
	}

	login, err := env.openIDCall(t, "login", "https://me.example.com/", "good")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if login.User.ID != signup.User.ID {
		t.Error("Expected the same user")
	}

	openid := env.Engine.OpenID()
	other := env.passwordSignup(t, "other@x.com", "p")
	if err := openid.RemoveIdentity(ctx, other, "https://me.example.com/"); !errors.Is(err, acc.ErrNotFound) {
		t.Errorf("Expected ErrNotFound removing someone else's identity, got %v", err)
	}
	if err := openid.RemoveIdentity(ctx, signup.User, "https://me.example.com/"); err != nil {
		t.Fatalf("RemoveIdentity failed: %v", err)
	}
	if _, err := env.openIDCall(t, "login", "https://me.example.com/", "good"); !errors.Is(err, acc.ErrMissingAccount) {
		t.Errorf("Expected ErrMissingAccount after removal, got %v", err)
	}
}

func TestOpenIDRejectsBadIdentity(t *testing.T) {
	env := setupEnv(t)
	for _, identity := range []string{"", "not-a-url", "ftp://me.example.com/", "https://"} {
		_, err := env.Engine.OpenID().Login(context.Background(), &acc.Request{Identity: identity, RedirectURI: testRedirectURI})
		if !errors.Is(err, acc.ErrInvalidInput) {
			t.Errorf("%q: expected ErrInvalidInput, got %v", identity, err)
		}
	}
	if env.Resolves != 0 {
		t.Errorf("Expected no discovery for invalid identities, got %d", env.Resolves)
	}
}

func TestOpenIDDisabled(t *testing.T) {
	env := setupEnv(t)
	env.Engine.Resolver = nil
	_, err := env.Engine.OpenID().Login(context.Background(), &acc.Request{Identity: "https://me.example.com/", RedirectURI: testRedirectURI})
	if !errors.Is(err, acc.ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration, got %v", err)
	}
}

// =============================================================================
// Methods and registry
// =============================================================================

func TestAuthenticatorVariants(t *testing.T) {
	env := setupEnv(t)
	for _, m := range []acc.Method{acc.MethodPassword, acc.MethodOAuth2, acc.MethodOpenID} {
		auth, err := env.Engine.Authenticator(m)
		if err != nil {
			t.Fatalf("Authenticator(%s) failed: %v", m, err)
		}
		if auth.Method() != m {
			t.Errorf("Expected %s, got %s", m, auth.Method())
		}
		parsed, err := acc.ParseMethod(m.String())
		if err != nil || parsed != m {
			t.Errorf("ParseMethod(%q) = %v, %v", m.String(), parsed, err)
		}
	}
	if _, err := env.Engine.Authenticator(acc.Method(99)); !errors.Is(err, acc.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
	if _, err := acc.ParseMethod("carrier-pigeon"); !errors.Is(err, acc.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestProviderRegistry(t *testing.T) {
	registry := acc.NewProviderRegistry()
	var boundTo string
	registry.Register("b", func(redirectURI string) (acc.ProviderHandle, error) {
		boundTo = redirectURI
		return &fakeProvider{key: "b"}, nil
	})
	registry.Register("a", func(redirectURI string) (acc.ProviderHandle, error) {
		return &fakeProvider{key: "a"}, nil
	})

	if keys := registry.Keys(); len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("Expected sorted keys, got %v", keys)
	}

	handle, err := registry.Resolve("b", testRedirectURI)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if handle.Key() != "b" || boundTo != testRedirectURI {
		t.Errorf("Unexpected handle %s bound to %q", handle.Key(), boundTo)
	}

	if _, err := registry.Resolve("c", testRedirectURI); !errors.Is(err, acc.ErrUnknownProvider) {
		t.Errorf("Expected ErrUnknownProvider, got %v", err)
	}
	for _, uri := range []string{"", "/callback", "callback", "https://"} {
		if _, err := registry.Resolve("a", uri); !errors.Is(err, acc.ErrInvalidConfiguration) {
			t.Errorf("%q: expected ErrInvalidConfiguration, got %v", uri, err)
		}
	}
}
