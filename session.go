package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Session variable names
const (
	SessionUserID      = "user_id"
	SessionUserKey     = "user_key"
	SessionNoAutoLogin = "no_autologin"
	SessionIdentity    = "user_identity"
)

// SessionStore is the per-request session supplied by the surrounding
// request layer.
type SessionStore interface {
	// Active reports whether the session has been started for this request.
	Active(ctx context.Context) bool
	Get(ctx context.Context, key string) string
	Put(ctx context.Context, key, value string)
	Remove(ctx context.Context, key string)
}

// SessionRenewer is implemented by session stores that can rotate their
// session token. Persist renews the token when available.
type SessionRenewer interface {
	Renew(ctx context.Context) error
}

// AutoLoginCredential is a session key mirrored into a long-lived carrier.
type AutoLoginCredential struct {
	UserID int64
	Key    string
}

// AutoLoginCarrier keeps an AutoLoginCredential across sessions, usually in
// a cookie.
type AutoLoginCarrier interface {
	Load(ctx context.Context) (AutoLoginCredential, bool)
	Save(ctx context.Context, cred AutoLoginCredential, expires time.Time) error
	Clear(ctx context.Context) error
}

// SessionContext holds the current user of one request. It must not be
// shared between requests.
type SessionContext struct {
	Store   SessionStore
	Carrier AutoLoginCarrier

	user         *User
	autoLoggedIn bool
}

// NewSessionContext creates a context over store. carrier may be nil.
func NewSessionContext(store SessionStore, carrier AutoLoginCarrier) *SessionContext {
	return &SessionContext{Store: store, Carrier: carrier}
}

// IsAutoLoggedIn reports whether the current user was resolved from the
// auto-login carrier rather than from session identifiers.
func (sc *SessionContext) IsAutoLoggedIn() bool { return sc.autoLoggedIn }

func (sc *SessionContext) active(ctx context.Context) bool {
	return sc != nil && sc.Store != nil && sc.Store.Active(ctx)
}

// SessionBackend is the part of the account store the session manager needs.
type SessionBackend interface {
	UserStore
	SessionKeyStore
}

// SessionManager issues and validates session keys.
type SessionManager struct {
	Store  SessionBackend
	Config *Config
	Now    func() time.Time
	Logger *slog.Logger
}

func NewSessionManager(store SessionBackend, config *Config) *SessionManager {
	return (&SessionManager{Store: store, Config: config}).EnsureDefaults()
}

// EnsureDefaults fills in default values for any unset fields.
func (m *SessionManager) EnsureDefaults() *SessionManager {
	if m.Config == nil {
		m.Config = &Config{}
	}
	m.Config.EnsureDefaults()
	if m.Now == nil {
		m.Now = time.Now
	}
	if m.Logger == nil {
		m.Logger = slog.Default()
	}
	return m
}

// CurrentUser returns the logged in user, or nil if there is none. An
// unknown or revoked key is treated as no user.
func (m *SessionManager) CurrentUser(ctx context.Context, sc *SessionContext) (*User, error) {
	if !sc.active(ctx) {
		return nil, ErrSessionNotInitialized
	}
	if sc.user != nil {
		return sc.user, nil
	}

	store := sc.Store
	viaAutoLogin := false
	if store.Get(ctx, SessionUserID) == "" && store.Get(ctx, SessionUserKey) == "" && store.Get(ctx, SessionNoAutoLogin) == "" {
		viaAutoLogin = m.tryAutoLogin(ctx, sc)
	}

	userID, key, ok := sessionPair(ctx, store)
	if !ok {
		return nil, nil
	}
	valid, err := m.Store.FindSessionKey(ctx, userID, key)
	if err != nil {
		return nil, err
	}
	var user *User
	if valid {
		user, err = m.Store.FindUserByID(ctx, userID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if user == nil {
		if viaAutoLogin {
			m.dropAutoLogin(ctx, sc)
		}
		return nil, nil
	}

	sc.user = user
	sc.autoLoggedIn = viaAutoLogin
	return user, nil
}

// tryAutoLogin copies the carrier credential into the session identifiers.
func (m *SessionManager) tryAutoLogin(ctx context.Context, sc *SessionContext) bool {
	if sc.Carrier == nil {
		return false
	}
	cred, ok := sc.Carrier.Load(ctx)
	if !ok || cred.UserID == 0 || cred.Key == "" {
		return false
	}
	sc.Store.Put(ctx, SessionUserID, strconv.FormatInt(cred.UserID, 10))
	sc.Store.Put(ctx, SessionUserKey, cred.Key)
	return true
}

// dropAutoLogin forgets a carrier credential that did not resolve a user.
func (m *SessionManager) dropAutoLogin(ctx context.Context, sc *SessionContext) {
	sc.Store.Remove(ctx, SessionUserID)
	sc.Store.Remove(ctx, SessionUserKey)
	if err := sc.Carrier.Clear(ctx); err != nil {
		m.Logger.Warn("could not clear auto-login credential", "err", err)
	}
}

// Persist starts a new session for user. With useCookies the session key is
// also written to the auto-login carrier. Keys of the user older than the
// retention window are pruned.
func (m *SessionManager) Persist(ctx context.Context, sc *SessionContext, user *User, useCookies bool) error {
	if !sc.active(ctx) {
		return ErrSessionNotInitialized
	}
	if user == nil || user.ID == 0 {
		return fmt.Errorf("%w: no user to persist", ErrInvalidInput)
	}
	now := m.Now()
	key, err := m.Store.InsertSessionKey(ctx, user.ID, now)
	if err != nil {
		return err
	}

	if r, ok := sc.Store.(SessionRenewer); ok {
		if err := r.Renew(ctx); err != nil {
			return err
		}
	}
	sc.Store.Put(ctx, SessionUserID, strconv.FormatInt(user.ID, 10))
	sc.Store.Put(ctx, SessionUserKey, key)
	sc.Store.Remove(ctx, SessionNoAutoLogin)

	retention := m.Config.RetentionWindow()
	if useCookies && sc.Carrier != nil {
		cred := AutoLoginCredential{UserID: user.ID, Key: key}
		if err := sc.Carrier.Save(ctx, cred, now.Add(retention)); err != nil {
			return err
		}
	}

	pruned, err := m.Store.PruneSessionKeys(ctx, user.ID, now.Add(-retention))
	if err != nil {
		return err
	}
	sc.user = user
	sc.autoLoggedIn = false
	m.Logger.Info("session persisted", "user_id", user.ID, "remember", useCookies, "pruned_keys", pruned)
	return nil
}

// Logout ends the session. The session key is revoked and auto-login is
// disabled for the rest of this session.
func (m *SessionManager) Logout(ctx context.Context, sc *SessionContext) error {
	if !sc.active(ctx) {
		return ErrSessionNotInitialized
	}
	userID, key, hasPair := sessionPair(ctx, sc.Store)

	sc.Store.Remove(ctx, SessionUserID)
	sc.Store.Remove(ctx, SessionUserKey)
	sc.Store.Remove(ctx, SessionIdentity)
	sc.Store.Put(ctx, SessionNoAutoLogin, "1")
	sc.user = nil
	sc.autoLoggedIn = false

	var errs []error
	if hasPair {
		errs = append(errs, m.Store.DeleteSessionKey(ctx, userID, key))
	}
	if sc.Carrier != nil {
		errs = append(errs, sc.Carrier.Clear(ctx))
	}
	if hasPair {
		m.Logger.Info("logged out", "user_id", userID)
	}
	return errors.Join(errs...)
}

// SetIdentity records how the current session was authenticated.
func (m *SessionManager) SetIdentity(ctx context.Context, sc *SessionContext, label string) error {
	if !sc.active(ctx) {
		return ErrSessionNotInitialized
	}
	sc.Store.Put(ctx, SessionIdentity, label)
	return nil
}

// Identity returns the label set by SetIdentity, or "" if none.
func (m *SessionManager) Identity(ctx context.Context, sc *SessionContext) (string, error) {
	if !sc.active(ctx) {
		return "", ErrSessionNotInitialized
	}
	return sc.Store.Get(ctx, SessionIdentity), nil
}

func sessionPair(ctx context.Context, store SessionStore) (int64, string, bool) {
	idStr := store.Get(ctx, SessionUserID)
	key := store.Get(ctx, SessionUserKey)
	if idStr == "" || key == "" {
		return 0, "", false
	}
	userID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return userID, key, true
}
