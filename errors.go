package accounts

import (
	"errors"
	"fmt"
)

// Broad error kinds. Narrower errors below wrap one of these so callers can
// match either level with errors.Is.
var (
	ErrInvalidInput            = errors.New("invalid input")
	ErrAlreadyExists           = errors.New("already exists")
	ErrAccountNotFound         = errors.New("account not found")
	ErrAuthenticationCancelled = errors.New("authentication cancelled")
	ErrInvalidSecret           = errors.New("invalid reset secret")
	ErrExpired                 = errors.New("reset secret expired")
	ErrNoPasswordAccount       = errors.New("account has no password")
	ErrSessionNotInitialized   = errors.New("session not initialized")
	ErrUnknownProvider         = errors.New("unknown provider")
	ErrInvalidArtifact         = errors.New("invalid authorization response")

	// ErrNotFound is returned by stores when a lookup matches nothing.
	ErrNotFound = errors.New("not found")
)

var (
	ErrInvalidEmail         = fmt.Errorf("%w: invalid email address", ErrInvalidInput)
	ErrEmailRequired        = fmt.Errorf("%w: email is required", ErrInvalidInput)
	ErrMissingEmail         = fmt.Errorf("%w: an email address is required to sign up", ErrInvalidInput)
	ErrInvalidConfiguration = fmt.Errorf("%w: invalid configuration", ErrInvalidInput)

	ErrDuplicateIdentity = fmt.Errorf("%w: identity is linked to another account", ErrAlreadyExists)
	ErrMissingAccount    = fmt.Errorf("%w: no account is linked to this identity", ErrAccountNotFound)
)

// Error codes for AuthError
const (
	ErrCodeInvalidInput     = "invalid_input"
	ErrCodeInvalidEmail     = "invalid_email"
	ErrCodeEmailRequired    = "email_required"
	ErrCodeMissingEmail     = "missing_email"
	ErrCodeInvalidConfig    = "invalid_configuration"
	ErrCodeAlreadyExists    = "already_exists"
	ErrCodeDuplicateID      = "duplicate_identity"
	ErrCodeAccountNotFound  = "account_not_found"
	ErrCodeMissingAccount   = "missing_account"
	ErrCodeCancelled        = "authentication_cancelled"
	ErrCodeInvalidSecret    = "invalid_secret"
	ErrCodeExpired          = "expired"
	ErrCodeNoPassword       = "no_password_account"
	ErrCodeSessionNotInit   = "session_not_initialized"
	ErrCodeUnknownProvider  = "unknown_provider"
	ErrCodeInvalidArtifact  = "invalid_authorization"
	ErrCodeInternal         = "internal_error"
	ErrCodeNotAuthenticated = "not_authenticated"
)

// AuthError is a classified error suitable for returning to clients.
// Message is safe to show to an end user; Err keeps the underlying cause.
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Err     error  `json:"-"`
}

func (e *AuthError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NewAuthError creates an AuthError with the given code, message and field.
func NewAuthError(code, message, field string) *AuthError {
	return &AuthError{Code: code, Message: message, Field: field}
}

// ordered narrowest first, since sub-kinds also match their parent
var errorClasses = []struct {
	err     error
	code    string
	message string
	field   string
}{
	{ErrInvalidEmail, ErrCodeInvalidEmail, "Please enter a valid email address", "email"},
	{ErrEmailRequired, ErrCodeEmailRequired, "Email is required", "email"},
	{ErrMissingEmail, ErrCodeMissingEmail, "An email address is required to sign up", "email"},
	{ErrInvalidConfiguration, ErrCodeInvalidConfig, "Login is not configured correctly", ""},
	{ErrInvalidInput, ErrCodeInvalidInput, "Invalid request", ""},
	{ErrDuplicateIdentity, ErrCodeDuplicateID, "That identity is already linked to an account", ""},
	{ErrAlreadyExists, ErrCodeAlreadyExists, "An account already exists", ""},
	{ErrMissingAccount, ErrCodeMissingAccount, "No account is linked to that identity", ""},
	{ErrAccountNotFound, ErrCodeAccountNotFound, "No account matches those details", ""},
	{ErrAuthenticationCancelled, ErrCodeCancelled, "Authentication was cancelled", ""},
	{ErrInvalidSecret, ErrCodeInvalidSecret, "That reset link is not valid", "secret"},
	{ErrExpired, ErrCodeExpired, "That reset link has expired", "secret"},
	{ErrNoPasswordAccount, ErrCodeNoPassword, "That account does not use a password", "email"},
	{ErrSessionNotInitialized, ErrCodeSessionNotInit, "Session is not available", ""},
	{ErrUnknownProvider, ErrCodeUnknownProvider, "Unknown login provider", "provider"},
	{ErrInvalidArtifact, ErrCodeInvalidArtifact, "The provider response could not be verified", ""},
}

// ClassifyError converts any error into an AuthError. Errors outside the
// taxonomy become ErrCodeInternal with a generic message.
func ClassifyError(err error) *AuthError {
	if err == nil {
		return nil
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return &AuthError{Code: c.code, Message: c.message, Field: c.field, Err: err}
		}
	}
	return &AuthError{Code: ErrCodeInternal, Message: "Something went wrong", Err: err}
}

// ErrorFromCode rebuilds an AuthError received over the wire. The result
// wraps the sentinel for code, so errors.Is works on the receiving side too.
func ErrorFromCode(code, message, field string) *AuthError {
	out := NewAuthError(code, message, field)
	for _, c := range errorClasses {
		if c.code == code {
			out.Err = c.err
			break
		}
	}
	return out
}
