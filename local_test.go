package accounts_test

import (
	"context"
	"errors"
	"testing"
	"time"

	acc "github.com/panyam/accounts"
)

// =============================================================================
// Password login and signup
// =============================================================================

func TestPasswordSignupAndLogin(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	password := env.Engine.Password()

	res, err := password.Signup(ctx, &acc.Request{Email: "a@x.com", Password: "p1"})
	if err != nil {
		t.Fatalf("Signup failed: %v", err)
	}
	if res.User.ID != 1 {
		t.Errorf("Expected first user to get id 1, got %d", res.User.ID)
	}
	if res.Identity != acc.PasswordLabel {
		t.Errorf("Expected identity %q, got %q", acc.PasswordLabel, res.Identity)
	}

	res, err = password.Login(ctx, &acc.Request{Email: "a@x.com", Password: "p1"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if res.User.ID != 1 || res.User.Email != "a@x.com" {
		t.Errorf("Unexpected user %+v", res.User)
	}
	if res.User.LastLogin == nil || !res.User.LastLogin.Equal(env.Now()) {
		t.Errorf("Expected last login %v, got %v", env.Now(), res.User.LastLogin)
	}

	stored, err := env.Store.FindUserByID(ctx, 1)
	if err != nil {
		t.Fatalf("FindUserByID failed: %v", err)
	}
	if stored.LastLogin == nil {
		t.Error("Expected last login to be stored")
	}
}

func TestPasswordLoginFailures(t *testing.T) {
	env := setupEnv(t)
	env.passwordSignup(t, "a@x.com", "p1")

	// An account reached only through OAuth2 has no password.
	if _, err := env.oauth2Signup(t, "", "good"); err != nil {
		t.Fatalf("OAuth2 signup failed: %v", err)
	}

	tests := []struct {
		name string
		req  acc.Request
		want error
	}{
		{"wrong password", acc.Request{Email: "a@x.com", Password: "p2"}, acc.ErrAccountNotFound},
		{"unknown email", acc.Request{Email: "b@x.com", Password: "p1"}, acc.ErrAccountNotFound},
		{"no email", acc.Request{Password: "p1"}, acc.ErrEmailRequired},
		{"no password credential", acc.Request{Email: "remote@example.com", Password: "p1"}, acc.ErrAccountNotFound},
		{"case sensitive password", acc.Request{Email: "a@x.com", Password: "P1"}, acc.ErrAccountNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.Password().Login(context.Background(), &tc.req)
			if !errors.Is(err, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPasswordSignupValidation(t *testing.T) {
	env := setupEnv(t)
	env.passwordSignup(t, "taken@x.com", "p")

	tests := []struct {
		name string
		req  acc.Request
		want error
	}{
		{"missing email", acc.Request{Password: "p"}, acc.ErrEmailRequired},
		{"invalid email", acc.Request{Email: "not-an-email", Password: "p"}, acc.ErrInvalidEmail},
		{"empty password", acc.Request{Email: "new@x.com"}, acc.ErrInvalidInput},
		{"duplicate email", acc.Request{Email: "taken@x.com", Password: "p"}, acc.ErrAlreadyExists},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.Password().Signup(context.Background(), &tc.req)
			if !errors.Is(err, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, err)
			}
		})
	}

	// Email kinds are also invalid input.
	_, err := env.Engine.Password().Signup(context.Background(), &acc.Request{Email: "bad", Password: "p"})
	if !errors.Is(err, acc.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidEmail to match ErrInvalidInput, got %v", err)
	}
}

// =============================================================================
// Password reset
// =============================================================================

func TestPasswordReset(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	password := env.Engine.Password()
	env.passwordSignup(t, "a@x.com", "old")

	secret, err := password.ForgottenPassword(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("ForgottenPassword failed: %v", err)
	}
	if len(secret) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(secret))
	}

	if _, err := password.CompleteReset(ctx, "a@x.com", "wrong", "new"); !errors.Is(err, acc.ErrInvalidSecret) {
		t.Errorf("Expected ErrInvalidSecret, got %v", err)
	}

	user, err := password.CompleteReset(ctx, "a@x.com", secret, "new")
	if err != nil {
		t.Fatalf("CompleteReset failed: %v", err)
	}
	if user.Email != "a@x.com" {
		t.Errorf("Unexpected user %+v", user)
	}

	if _, err := password.Login(ctx, &acc.Request{Email: "a@x.com", Password: "new"}); err != nil {
		t.Errorf("Login with new password failed: %v", err)
	}
	if _, err := password.Login(ctx, &acc.Request{Email: "a@x.com", Password: "old"}); !errors.Is(err, acc.ErrAccountNotFound) {
		t.Errorf("Expected old password to be rejected, got %v", err)
	}

	// A secret is redeemable once.
	if _, err := password.CompleteReset(ctx, "a@x.com", secret, "again"); !errors.Is(err, acc.ErrInvalidSecret) {
		t.Errorf("Expected reused secret to be rejected, got %v", err)
	}
}

func TestPasswordResetExpiry(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	password := env.Engine.Password()
	env.passwordSignup(t, "a@x.com", "old")

	secret, err := password.ForgottenPassword(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("ForgottenPassword failed: %v", err)
	}
	env.Advance(acc.DefaultPasswordResetExpiry + time.Minute)

	if _, err := password.CompleteReset(ctx, "a@x.com", secret, "new"); !errors.Is(err, acc.ErrExpired) {
		t.Errorf("Expected ErrExpired, got %v", err)
	}
	// A new request replaces the expired secret.
	secret2, err := password.ForgottenPassword(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("ForgottenPassword failed: %v", err)
	}
	if secret2 == secret {
		t.Error("Expected a fresh secret")
	}
	if _, err := password.CompleteReset(ctx, "a@x.com", secret2, "new"); err != nil {
		t.Errorf("CompleteReset failed: %v", err)
	}
}

func TestPasswordResetUnknownAccounts(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	if _, err := env.oauth2Signup(t, "", "good"); err != nil {
		t.Fatalf("OAuth2 signup failed: %v", err)
	}

	if _, err := env.Engine.Password().ForgottenPassword(ctx, "nobody@x.com"); !errors.Is(err, acc.ErrAccountNotFound) {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
	if _, err := env.Engine.Password().ForgottenPassword(ctx, "remote@example.com"); !errors.Is(err, acc.ErrNoPasswordAccount) {
		t.Errorf("Expected ErrNoPasswordAccount, got %v", err)
	}
	if _, err := env.Engine.Password().ForgottenPassword(ctx, ""); !errors.Is(err, acc.ErrEmailRequired) {
		t.Errorf("Expected ErrEmailRequired, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	password := env.Engine.Password()
	user := env.passwordSignup(t, "a@x.com", "old")

	if err := password.ChangePassword(ctx, user, "wrong", "new"); !errors.Is(err, acc.ErrAccountNotFound) {
		t.Errorf("Expected wrong current password to be rejected, got %v", err)
	}
	if err := password.ChangePassword(ctx, user, "old", "new"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}
	if _, err := password.Login(ctx, &acc.Request{Email: "a@x.com", Password: "new"}); err != nil {
		t.Errorf("Login with changed password failed: %v", err)
	}

	res, err := env.oauth2Signup(t, "", "noemail")
	if err != nil {
		t.Fatalf("OAuth2 signup failed: %v", err)
	}
	if err := password.ChangePassword(ctx, res.User, "", "new"); !errors.Is(err, acc.ErrNoPasswordAccount) {
		t.Errorf("Expected ErrNoPasswordAccount, got %v", err)
	}
}

func TestHashPassword(t *testing.T) {
	a := acc.HashPassword("p1", "salt")
	if a != acc.HashPassword("p1", "salt") {
		t.Error("Expected hashing to be deterministic")
	}
	if a == acc.HashPassword("p1", "other") {
		t.Error("Expected salt to change the digest")
	}
	if a == acc.HashPassword("P1", "salt") {
		t.Error("Expected passwords to be case sensitive")
	}
	if !acc.CheckPassword(a, "p1", "salt") || acc.CheckPassword(a, "p2", "salt") {
		t.Error("CheckPassword disagrees with HashPassword")
	}
}

func TestTokens(t *testing.T) {
	key, err := acc.NewSessionKey()
	if err != nil {
		t.Fatalf("NewSessionKey failed: %v", err)
	}
	if len(key) != 2*acc.SessionKeyBytes {
		t.Errorf("Expected %d chars, got %d", 2*acc.SessionKeyBytes, len(key))
	}
	other, _ := acc.NewSessionKey()
	if key == other {
		t.Error("Expected distinct keys")
	}
	if !acc.SecretsEqual(key, key) || acc.SecretsEqual(key, other) {
		t.Error("SecretsEqual is wrong")
	}
}
