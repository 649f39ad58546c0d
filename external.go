package accounts

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// FlowState is a state of the two-phase external login.
type FlowState int

const (
	FlowNoCode FlowState = iota
	FlowAwaitingRedirect
	FlowCancelled
	FlowVerified
)

func (s FlowState) String() string {
	switch s {
	case FlowNoCode:
		return "no_code"
	case FlowAwaitingRedirect:
		return "awaiting_redirect"
	case FlowCancelled:
		return "cancelled"
	case FlowVerified:
		return "verified"
	}
	return fmt.Sprintf("flow_state(%d)", int(s))
}

// ExternalFlow drives one call of an external login against a provider
// handle. Without a callback the flow stops in FlowAwaitingRedirect with an
// authorization URL. With a callback it ends in FlowCancelled or FlowVerified.
type ExternalFlow struct {
	Method Method
	Handle ProviderHandle
	Veto   VetoFunc

	state       FlowState
	remote      *RemoteIdentity
	redirectURL string
}

func NewExternalFlow(method Method, handle ProviderHandle, veto VetoFunc) *ExternalFlow {
	return &ExternalFlow{Method: method, Handle: handle, Veto: veto}
}

func (f *ExternalFlow) State() FlowState        { return f.state }
func (f *ExternalFlow) Remote() *RemoteIdentity { return f.remote }
func (f *ExternalFlow) RedirectURL() string     { return f.redirectURL }

// Advance runs the flow once. state is embedded in the authorization URL when
// cb is nil, and otherwise must equal cb.State.
func (f *ExternalFlow) Advance(ctx context.Context, state string, cb *Callback) error {
	if f.state != FlowNoCode {
		return fmt.Errorf("external flow already advanced to %s", f.state)
	}
	f.state = FlowAwaitingRedirect
	if cb == nil {
		f.redirectURL = f.Handle.AuthorizationURL(state)
		if f.redirectURL == "" {
			return fmt.Errorf("%w: provider %s gave no authorization url", ErrInvalidConfiguration, f.Handle.Key())
		}
		return nil
	}
	if cb.Cancelled {
		f.state = FlowCancelled
		return ErrAuthenticationCancelled
	}
	if state != "" && !SecretsEqual(state, cb.State) {
		return fmt.Errorf("%w: state mismatch", ErrInvalidArtifact)
	}

	remote, err := f.Handle.Exchange(ctx, *cb)
	if err != nil {
		if errors.Is(err, ErrAuthenticationCancelled) {
			f.state = FlowCancelled
		}
		return err
	}
	if remote == nil || remote.UID == "" {
		return fmt.Errorf("%w: provider %s returned no identity", ErrInvalidArtifact, f.Handle.Key())
	}
	if f.Veto != nil {
		if err := f.Veto(ctx, f.Method, f.Handle.Key(), remote); err != nil {
			f.state = FlowCancelled
			return fmt.Errorf("%w: %v", ErrAuthenticationCancelled, err)
		}
	}
	f.remote = remote
	f.state = FlowVerified
	return nil
}

// linkedIdentity is a verified remote identity in the form it is stored.
// provider is empty for OpenID identities.
type linkedIdentity struct {
	provider string
	uid      string
}

// identityBinding is what differs between the external methods: where the
// handle comes from and which table the identity lives in.
type identityBinding interface {
	handle(ctx context.Context, req *Request) (ProviderHandle, error)
	identify(handle ProviderHandle, remote *RemoteIdentity) linkedIdentity
	label(id linkedIdentity) string
	lookup(ctx context.Context, id linkedIdentity) (*User, error)
	create(ctx context.Context, email string, id linkedIdentity) (*User, error)
	attach(ctx context.Context, userID int64, id linkedIdentity) error
	missing() error
}

// externalAuth implements Authenticator on top of ExternalFlow.
type externalAuth struct {
	engine *Engine
	method Method
	bind   identityBinding
}

func (a *externalAuth) Method() Method { return a.method }

// verify runs the flow. The identity is nil while the flow is suspended.
func (a *externalAuth) verify(ctx context.Context, req *Request) (*ExternalFlow, *linkedIdentity, error) {
	handle, err := a.bind.handle(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	flow := NewExternalFlow(a.method, handle, a.engine.Veto)
	if err := flow.Advance(ctx, req.State, req.Callback); err != nil {
		a.engine.Logger.Info("external login stopped", "method", a.method, "provider", handle.Key(), "state", flow.State(), "err", err)
		return flow, nil, err
	}
	if flow.State() != FlowVerified {
		return flow, nil, nil
	}
	id := a.bind.identify(handle, flow.Remote())
	return flow, &id, nil
}

// Login resolves the user linked to the verified identity.
func (a *externalAuth) Login(ctx context.Context, req *Request) (*Result, error) {
	flow, id, err := a.verify(ctx, req)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return &Result{RedirectURL: flow.RedirectURL()}, nil
	}
	user, err := a.bind.lookup(ctx, *id)
	if errors.Is(err, ErrNotFound) {
		return nil, a.bind.missing()
	} else if err != nil {
		return nil, err
	}
	return a.engine.loggedIn(ctx, user, a.method, a.bind.label(*id))
}

// Signup creates a user for the verified identity. The email in req wins over
// the one reported by the provider.
func (a *externalAuth) Signup(ctx context.Context, req *Request) (*Result, error) {
	if req.Email != "" && !IsValidEmail(req.Email) {
		return nil, ErrInvalidEmail
	}
	flow, id, err := a.verify(ctx, req)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return &Result{RedirectURL: flow.RedirectURL()}, nil
	}

	email := req.Email
	if email == "" {
		email = flow.Remote().Email
	}
	if err := a.engine.checkSignupEmail(email); err != nil {
		return nil, err
	}
	if err := a.engine.ensureEmailFree(ctx, email); err != nil {
		return nil, err
	}
	if err := a.ensureIdentityFree(ctx, *id); err != nil {
		return nil, err
	}
	user, err := a.bind.create(ctx, email, *id)
	if err != nil {
		return nil, err
	}
	a.engine.Logger.Info("signup", "method", a.method, "user_id", user.ID, "identity", a.bind.label(*id))
	return &Result{User: user, Identity: a.bind.label(*id)}, nil
}

// Link attaches the verified identity to user.
func (a *externalAuth) Link(ctx context.Context, user *User, req *Request) (*Result, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: no user to link to", ErrInvalidInput)
	}
	flow, id, err := a.verify(ctx, req)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return &Result{RedirectURL: flow.RedirectURL()}, nil
	}
	if err := a.ensureIdentityFree(ctx, *id); err != nil {
		return nil, err
	}
	if err := a.bind.attach(ctx, user.ID, *id); err != nil {
		return nil, err
	}
	a.engine.Logger.Info("identity linked", "method", a.method, "user_id", user.ID, "identity", a.bind.label(*id))
	return &Result{User: user, Identity: a.bind.label(*id)}, nil
}

func (a *externalAuth) ensureIdentityFree(ctx context.Context, id linkedIdentity) error {
	_, err := a.bind.lookup(ctx, id)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrDuplicateIdentity, a.bind.label(id))
	case errors.Is(err, ErrNotFound):
		return nil
	default:
		return err
	}
}

// OAuth2Auth logs users in through a registered OAuth2 provider.
type OAuth2Auth struct {
	externalAuth
}

type oauth2Binding struct{ e *Engine }

func (b oauth2Binding) handle(ctx context.Context, req *Request) (ProviderHandle, error) {
	return b.e.Providers.Resolve(req.Provider, req.RedirectURI)
}

func (b oauth2Binding) identify(h ProviderHandle, remote *RemoteIdentity) linkedIdentity {
	return linkedIdentity{provider: h.Key(), uid: remote.UID}
}

func (b oauth2Binding) label(id linkedIdentity) string { return OAuth2Label(id.provider, id.uid) }

func (b oauth2Binding) lookup(ctx context.Context, id linkedIdentity) (*User, error) {
	return b.e.Store.FindUserByOAuth2(ctx, id.provider, id.uid)
}

func (b oauth2Binding) create(ctx context.Context, email string, id linkedIdentity) (*User, error) {
	return b.e.Store.CreateUserWithOAuth2(ctx, email, id.provider, id.uid)
}

func (b oauth2Binding) attach(ctx context.Context, userID int64, id linkedIdentity) error {
	return b.e.Store.LinkOAuth2(ctx, userID, id.provider, id.uid)
}

func (b oauth2Binding) missing() error { return ErrAccountNotFound }

// OAuth2Label is the identity label of an OAuth2 login.
func OAuth2Label(provider, uid string) string { return provider + ":" + uid }

// OpenIDAuth logs users in with an OpenID identity URL.
type OpenIDAuth struct {
	externalAuth
}

// RemoveIdentity unlinks an OpenID identity from user.
func (o *OpenIDAuth) RemoveIdentity(ctx context.Context, user *User, identityURL string) error {
	if user == nil {
		return fmt.Errorf("%w: no user", ErrInvalidInput)
	}
	if identityURL == "" {
		return fmt.Errorf("%w: identity url is empty", ErrInvalidInput)
	}
	if err := o.engine.Store.UnlinkOpenID(ctx, user.ID, identityURL); err != nil {
		return err
	}
	o.engine.Logger.Info("identity removed", "method", MethodOpenID, "user_id", user.ID, "identity", OpenIDLabel(identityURL))
	return nil
}

type openIDBinding struct{ e *Engine }

func (b openIDBinding) handle(ctx context.Context, req *Request) (ProviderHandle, error) {
	if err := ValidateIdentityURL(req.Identity); err != nil {
		return nil, err
	}
	if err := ValidateRedirectURI(req.RedirectURI); err != nil {
		return nil, err
	}
	if b.e.Resolver == nil {
		return nil, fmt.Errorf("%w: openid is not enabled", ErrInvalidConfiguration)
	}
	return b.e.Resolver(ctx, req.Identity, req.RedirectURI)
}

func (b openIDBinding) identify(h ProviderHandle, remote *RemoteIdentity) linkedIdentity {
	return linkedIdentity{uid: remote.UID}
}

func (b openIDBinding) label(id linkedIdentity) string { return OpenIDLabel(id.uid) }

func (b openIDBinding) lookup(ctx context.Context, id linkedIdentity) (*User, error) {
	return b.e.Store.FindUserByOpenID(ctx, id.uid)
}

func (b openIDBinding) create(ctx context.Context, email string, id linkedIdentity) (*User, error) {
	return b.e.Store.CreateUserWithOpenID(ctx, email, id.uid)
}

func (b openIDBinding) attach(ctx context.Context, userID int64, id linkedIdentity) error {
	return b.e.Store.LinkOpenID(ctx, userID, id.uid)
}

func (b openIDBinding) missing() error { return ErrMissingAccount }

// OpenIDLabel is the identity label of an OpenID login.
func OpenIDLabel(identity string) string { return "openid:" + identity }

// ValidateIdentityURL accepts absolute http and https URLs.
func ValidateIdentityURL(identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: identity url is empty", ErrInvalidInput)
	}
	u, err := url.Parse(identity)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q is not a valid identity url", ErrInvalidInput, identity)
	}
	return nil
}
