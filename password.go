package accounts

import (
	"context"
	"errors"
	"fmt"
)

// PasswordAuth logs users in with an email and password, and owns the
// password reset lifecycle.
type PasswordAuth struct {
	engine *Engine
}

func (p *PasswordAuth) Method() Method { return MethodPassword }

func (p *PasswordAuth) hash(password string) string {
	return HashPassword(password, p.engine.Config.PasswordSalt)
}

// Login finds the user owning email and checks the password.
func (p *PasswordAuth) Login(ctx context.Context, req *Request) (*Result, error) {
	if req.Email == "" {
		return nil, ErrEmailRequired
	}
	user, cred, err := p.lookup(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrNoPasswordAccount) {
			err = ErrAccountNotFound
		}
		return nil, err
	}
	if !CheckPassword(cred.PasswordHash, req.Password, p.engine.Config.PasswordSalt) {
		p.engine.Logger.Info("password login failed", "user_id", user.ID)
		return nil, ErrAccountNotFound
	}
	return p.engine.loggedIn(ctx, user, MethodPassword, PasswordLabel)
}

// Signup creates a user with a password. The email is always required since
// it is the login name.
func (p *PasswordAuth) Signup(ctx context.Context, req *Request) (*Result, error) {
	if req.Email == "" {
		return nil, ErrEmailRequired
	}
	if !IsValidEmail(req.Email) {
		return nil, ErrInvalidEmail
	}
	if req.Password == "" {
		return nil, fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	if err := p.engine.ensureEmailFree(ctx, req.Email); err != nil {
		return nil, err
	}
	user, err := p.engine.Store.CreateUserWithPassword(ctx, req.Email, p.hash(req.Password))
	if err != nil {
		return nil, err
	}
	p.engine.Logger.Info("signup", "method", MethodPassword, "user_id", user.ID)
	return &Result{User: user, Identity: PasswordLabel}, nil
}

// Link adds a password to a user that logged in some other way. Users
// without an email must supply one in req.
func (p *PasswordAuth) Link(ctx context.Context, user *User, req *Request) (*Result, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: no user to link to", ErrInvalidInput)
	}
	if req.Password == "" {
		return nil, fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	if !user.HasEmail() {
		if req.Email == "" {
			return nil, ErrEmailRequired
		}
		if !IsValidEmail(req.Email) {
			return nil, ErrInvalidEmail
		}
	}

	if _, err := p.engine.Store.GetPassword(ctx, user.ID); err == nil {
		return nil, fmt.Errorf("%w: user %d already has a password", ErrAlreadyExists, user.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if !user.HasEmail() {
		if err := p.engine.Store.SetUserEmail(ctx, user.ID, req.Email); err != nil {
			return nil, err
		}
		user.Email = req.Email
	}
	if err := p.engine.Store.SetPassword(ctx, user.ID, p.hash(req.Password)); err != nil {
		return nil, err
	}
	return &Result{User: user, Identity: PasswordLabel}, nil
}

// ForgottenPassword issues a reset secret for the password account of email.
// Delivering the secret is up to the caller.
func (p *PasswordAuth) ForgottenPassword(ctx context.Context, email string) (string, error) {
	if email == "" {
		return "", ErrEmailRequired
	}
	user, _, err := p.lookup(ctx, email)
	if err != nil {
		return "", err
	}
	secret, err := GenerateSecureToken()
	if err != nil {
		return "", err
	}
	if err := p.engine.Store.SetResetSecret(ctx, user.ID, secret, p.engine.Now()); err != nil {
		return "", err
	}
	p.engine.Logger.Info("password reset requested", "user_id", user.ID)
	return secret, nil
}

// CompleteReset replaces the password if secret matches the pending reset and
// has not expired. A secret can be redeemed only once.
func (p *PasswordAuth) CompleteReset(ctx context.Context, email, secret, newPassword string) (*User, error) {
	if email == "" {
		return nil, ErrEmailRequired
	}
	if newPassword == "" {
		return nil, fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	user, cred, err := p.lookup(ctx, email)
	if err != nil {
		return nil, err
	}
	if secret == "" || !cred.HasResetSecret() || !SecretsEqual(cred.ResetSecret, secret) {
		return nil, ErrInvalidSecret
	}
	if cred.ResetRequestedAt == nil || p.engine.Now().Sub(*cred.ResetRequestedAt) > p.engine.Config.PasswordResetExpiry {
		return nil, ErrExpired
	}
	if err := p.engine.Store.ConsumeResetSecret(ctx, user.ID, secret, p.hash(newPassword)); err != nil {
		return nil, err
	}
	p.engine.Logger.Info("password reset completed", "user_id", user.ID)
	return user, nil
}

// ChangePassword replaces the password of a logged in user after checking
// the current one.
func (p *PasswordAuth) ChangePassword(ctx context.Context, user *User, oldPassword, newPassword string) error {
	if user == nil {
		return fmt.Errorf("%w: no user", ErrInvalidInput)
	}
	if newPassword == "" {
		return fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	cred, err := p.engine.Store.GetPassword(ctx, user.ID)
	if errors.Is(err, ErrNotFound) {
		return ErrNoPasswordAccount
	} else if err != nil {
		return err
	}
	if !CheckPassword(cred.PasswordHash, oldPassword, p.engine.Config.PasswordSalt) {
		return ErrAccountNotFound
	}
	return p.engine.Store.UpdatePassword(ctx, user.ID, p.hash(newPassword))
}

// lookup resolves the user owning email and its password credential.
func (p *PasswordAuth) lookup(ctx context.Context, email string) (*User, *PasswordCredential, error) {
	user, err := p.engine.Store.FindUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, ErrAccountNotFound
	} else if err != nil {
		return nil, nil, err
	}
	cred, err := p.engine.Store.GetPassword(ctx, user.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, ErrNoPasswordAccount
	} else if err != nil {
		return nil, nil, err
	}
	return user, cred, nil
}
