package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"
)

// Method identifies a login method.
type Method int

const (
	MethodPassword Method = iota + 1
	MethodOAuth2
	MethodOpenID
)

func (m Method) String() string {
	switch m {
	case MethodPassword:
		return "password"
	case MethodOAuth2:
		return "oauth2"
	case MethodOpenID:
		return "openid"
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// ParseMethod is the inverse of Method.String.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "password":
		return MethodPassword, nil
	case "oauth2":
		return MethodOAuth2, nil
	case "openid":
		return MethodOpenID, nil
	}
	return 0, fmt.Errorf("%w: unknown login method %q", ErrInvalidInput, s)
}

// PasswordLabel is the identity label of password logins.
const PasswordLabel = "password"

// Request carries the inputs of a login, signup or link attempt. Each method
// reads only the fields it needs.
type Request struct {
	Email    string
	Password string

	// Provider is the OAuth2 provider key.
	Provider string

	// Identity is the OpenID identity URL entered by the user.
	Identity string

	// RedirectURI is where external providers send the user back to.
	RedirectURI string

	// State is the anti-forgery value. It is embedded in the authorization URL
	// on the first call and must match Callback.State on the second.
	State string

	// Callback is nil on the first call of an external flow.
	Callback *Callback
}

// Result is the outcome of an authentication call. Either User is set, or
// RedirectURL is set and the flow is waiting for the provider to call back.
type Result struct {
	User        *User
	Identity    string
	RedirectURL string
}

// Suspended reports whether the caller must redirect the user and call again.
func (r *Result) Suspended() bool {
	return r != nil && r.User == nil && r.RedirectURL != ""
}

// Authenticator is implemented by every login method.
type Authenticator interface {
	Method() Method
	Login(ctx context.Context, req *Request) (*Result, error)
	Signup(ctx context.Context, req *Request) (*Result, error)

	// Link attaches the credential in req to an already logged in user.
	Link(ctx context.Context, user *User, req *Request) (*Result, error)
}

// VetoFunc can reject a verified remote identity, for example after an abuse
// check. A non-nil error cancels the attempt.
type VetoFunc func(ctx context.Context, method Method, provider string, remote *RemoteIdentity) error

// Engine runs the login, signup and link flows of every method.
type Engine struct {
	Store     AccountStore
	Providers *ProviderRegistry

	// Resolver discovers OpenID providers. OpenID is unavailable when nil.
	Resolver OpenIDResolver

	Config *Config
	Veto   VetoFunc
	Now    func() time.Time
	Logger *slog.Logger
}

func NewEngine(store AccountStore, providers *ProviderRegistry, config *Config) *Engine {
	return (&Engine{Store: store, Providers: providers, Config: config}).EnsureDefaults()
}

// EnsureDefaults fills in default values for any unset fields.
func (e *Engine) EnsureDefaults() *Engine {
	if e.Config == nil {
		e.Config = &Config{}
	}
	e.Config.EnsureDefaults()
	if e.Providers == nil {
		e.Providers = NewProviderRegistry()
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	return e
}

func (e *Engine) Password() *PasswordAuth { return &PasswordAuth{engine: e} }

func (e *Engine) OAuth2() *OAuth2Auth {
	return &OAuth2Auth{externalAuth{engine: e, method: MethodOAuth2, bind: oauth2Binding{e}}}
}

func (e *Engine) OpenID() *OpenIDAuth {
	return &OpenIDAuth{externalAuth{engine: e, method: MethodOpenID, bind: openIDBinding{e}}}
}

// Authenticator returns the implementation of m.
func (e *Engine) Authenticator(m Method) (Authenticator, error) {
	switch m {
	case MethodPassword:
		return e.Password(), nil
	case MethodOAuth2:
		return e.OAuth2(), nil
	case MethodOpenID:
		return e.OpenID(), nil
	}
	return nil, fmt.Errorf("%w: unknown login method %d", ErrInvalidInput, int(m))
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// IsValidEmail does a syntactic check of an email address.
func IsValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// checkSignupEmail applies the signup email policy: an email is validated if
// one was given or if the deployment requires one.
func (e *Engine) checkSignupEmail(email string) error {
	if email == "" && !e.Config.RequireEmail {
		return nil
	}
	if email == "" {
		return ErrMissingEmail
	}
	if !IsValidEmail(email) {
		return ErrInvalidEmail
	}
	return nil
}

// ensureEmailFree fails with ErrAlreadyExists if email belongs to a user.
// Stores enforce the same rule on insert.
func (e *Engine) ensureEmailFree(ctx context.Context, email string) error {
	if email == "" {
		return nil
	}
	_, err := e.Store.FindUserByEmail(ctx, email)
	switch {
	case err == nil:
		return fmt.Errorf("%w: email %s is already in use", ErrAlreadyExists, email)
	case errors.Is(err, ErrNotFound):
		return nil
	default:
		return err
	}
}

// loggedIn records the login and returns the refreshed user.
func (e *Engine) loggedIn(ctx context.Context, user *User, method Method, label string) (*Result, error) {
	now := e.Now()
	if err := e.Store.TouchLastLogin(ctx, user.ID, now); err != nil {
		return nil, err
	}
	user.LastLogin = &now
	e.Logger.Info("login succeeded", "method", method, "user_id", user.ID, "identity", label)
	return &Result{User: user, Identity: label}, nil
}
