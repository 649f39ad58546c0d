package accounts_test

import (
	"context"
	"errors"
	"testing"

	acc "github.com/panyam/accounts"
)

// =============================================================================
// Linking additional credentials to a logged in user
// =============================================================================

func (e *TestEnv) oauth2Link(t *testing.T, user *acc.User, code string) (*acc.Result, error) {
	return twoPhase(t, func(req *acc.Request) (*acc.Result, error) {
		return e.Engine.OAuth2().Link(context.Background(), user, req)
	}, acc.Request{Provider: "fake"}, code)
}

func TestLinkOAuth2ToPasswordUser(t *testing.T) {
	env := setupEnv(t)
	user := env.passwordSignup(t, "a@x.com", "p")

	res, err := env.oauth2Link(t, user, "good")
	if err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	if res.User.ID != user.ID || res.Identity != "fake:u-1" {
		t.Errorf("Unexpected link result %+v", res)
	}
	// The provider email does not replace the user's email.
	if res.User.Email != "a@x.com" {
		t.Errorf("Expected email to stay a@x.com, got %q", res.User.Email)
	}

	login, err := env.oauth2Login(t, "good")
	if err != nil {
		t.Fatalf("Login through linked identity failed: %v", err)
	}
	if login.User.ID != user.ID {
		t.Errorf("Expected user %d, got %d", user.ID, login.User.ID)
	}
}

func TestLinkIdentityOwnedByAnotherUser(t *testing.T) {
	env := setupEnv(t)
	owner := env.passwordSignup(t, "owner@x.com", "p")
	other := env.passwordSignup(t, "other@x.com", "p")

	if _, err := env.oauth2Link(t, owner, "noemail"); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	if _, err := env.oauth2Link(t, other, "noemail"); !errors.Is(err, acc.ErrDuplicateIdentity) {
		t.Errorf("Expected ErrDuplicateIdentity, got %v", err)
	}
	// Linking again to the same user is also a duplicate.
	if _, err := env.oauth2Link(t, owner, "noemail"); !errors.Is(err, acc.ErrDuplicateIdentity) {
		t.Errorf("Expected ErrDuplicateIdentity, got %v", err)
	}
}

func TestLinkRequiresUser(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	if _, err := env.Engine.OAuth2().Link(ctx, nil, &acc.Request{Provider: "fake", RedirectURI: testRedirectURI}); !errors.Is(err, acc.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
	if _, err := env.Engine.Password().Link(ctx, nil, &acc.Request{Password: "p"}); !errors.Is(err, acc.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestLinkPasswordToExternalUser(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	password := env.Engine.Password()

	res, err := env.oauth2Signup(t, "", "noemail")
	if err != nil {
		t.Fatalf("Signup failed: %v", err)
	}
	user := res.User

	if _, err := password.Link(ctx, user, &acc.Request{Password: "p"}); !errors.Is(err, acc.ErrEmailRequired) {
		t.Errorf("Expected ErrEmailRequired for a user without email, got %v", err)
	}
	if _, err := password.Link(ctx, user, &acc.Request{Email: "bad", Password: "p"}); !errors.Is(err, acc.ErrInvalidEmail) {
		t.Errorf("Expected ErrInvalidEmail, got %v", err)
	}

	linked, err := password.Link(ctx, user, &acc.Request{Email: "new@x.com", Password: "p"})
	if err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	if linked.User.Email != "new@x.com" || linked.Identity != acc.PasswordLabel {
		t.Errorf("Unexpected link result %+v", linked)
	}

	login, err := password.Login(ctx, &acc.Request{Email: "new@x.com", Password: "p"})
	if err != nil {
		t.Fatalf("Password login failed: %v", err)
	}
	if login.User.ID != user.ID {
		t.Errorf("Expected user %d, got %d", user.ID, login.User.ID)
	}

	if _, err := password.Link(ctx, login.User, &acc.Request{Password: "q"}); !errors.Is(err, acc.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists for a second password, got %v", err)
	}
}

func TestLinkPasswordEmailTaken(t *testing.T) {
	env := setupEnv(t)
	env.passwordSignup(t, "taken@x.com", "p")
	res, err := env.oauth2Signup(t, "", "noemail")
	if err != nil {
		t.Fatalf("Signup failed: %v", err)
	}

	_, err = env.Engine.Password().Link(context.Background(), res.User, &acc.Request{Email: "taken@x.com", Password: "p"})
	if !errors.Is(err, acc.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}
	if _, err := env.Store.GetPassword(context.Background(), res.User.ID); !errors.Is(err, acc.ErrNotFound) {
		t.Errorf("Expected no password to be stored, got %v", err)
	}
}

func TestLinkOpenID(t *testing.T) {
	env := setupEnv(t)
	user := env.passwordSignup(t, "a@x.com", "p")

	res, err := twoPhase(t, func(req *acc.Request) (*acc.Result, error) {
		return env.Engine.OpenID().Link(context.Background(), user, req)
	}, acc.Request{Identity: "https://me.example.com/"}, "good")
	if err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	if res.Identity != "openid:https://me.example.com/" {
		t.Errorf("Unexpected identity %q", res.Identity)
	}

	ids, err := env.Store.ListOpenIDIdentities(context.Background(), user.ID)
	if err != nil || len(ids) != 1 || ids[0].Identity != "https://me.example.com/" {
		t.Errorf("Unexpected identities %v (%v)", ids, err)
	}
}
