package accounts

import (
	"context"
	"time"
)

// User is the canonical account record, independent of how it was reached.
type User struct {
	ID        int64      `json:"id"`
	Email     string     `json:"email,omitempty"` // empty when the account has no email
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// HasEmail reports whether the account has an email address.
func (u *User) HasEmail() bool { return u.Email != "" }

// PasswordCredential is the optional password attached to a user.
type PasswordCredential struct {
	UserID           int64      `json:"user_id"`
	PasswordHash     string     `json:"password_hash"`
	ResetSecret      string     `json:"reset_secret,omitempty"`
	ResetRequestedAt *time.Time `json:"reset_requested_at,omitempty"`
}

// HasResetSecret reports whether a reset is pending.
func (c *PasswordCredential) HasResetSecret() bool { return c.ResetSecret != "" }

// OAuth2Identity links a (provider, uid) pair to a user.
type OAuth2Identity struct {
	UserID    int64     `json:"user_id"`
	Provider  string    `json:"provider"`
	UID       string    `json:"uid"`
	CreatedAt time.Time `json:"created_at"`
}

// OpenIDIdentity links an OpenID identity URL to a user.
type OpenIDIdentity struct {
	UserID    int64     `json:"user_id"`
	Identity  string    `json:"identity"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionKey grants login to whoever holds it together with its user id.
type SessionKey struct {
	UserID    int64     `json:"user_id"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// UserStore manages user accounts.
//
// Lookups return ErrNotFound when nothing matches. Creating or updating a user
// with an email that is already taken returns ErrAlreadyExists.
type UserStore interface {
	// CreateUser creates a user. An empty email creates a user without one.
	CreateUser(ctx context.Context, email string) (*User, error)

	FindUserByID(ctx context.Context, userID int64) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	FindUserByOAuth2(ctx context.Context, provider, uid string) (*User, error)
	FindUserByOpenID(ctx context.Context, identity string) (*User, error)

	// SetUserEmail sets the email of a user.
	SetUserEmail(ctx context.Context, userID int64, email string) error

	// TouchLastLogin records a successful login.
	TouchLastLogin(ctx context.Context, userID int64, at time.Time) error
}

// CredentialStore manages password credentials.
type CredentialStore interface {
	// CreateUserWithPassword creates a user and its password credential as one unit.
	CreateUserWithPassword(ctx context.Context, email, passwordHash string) (*User, error)

	// SetPassword attaches a password to a user. Returns ErrAlreadyExists if
	// the user already has one.
	SetPassword(ctx context.Context, userID int64, passwordHash string) error

	// UpdatePassword replaces the hash of an existing credential. Returns
	// ErrNotFound if the user has no password.
	UpdatePassword(ctx context.Context, userID int64, passwordHash string) error

	// GetPassword returns the credential of a user or ErrNotFound.
	GetPassword(ctx context.Context, userID int64) (*PasswordCredential, error)

	// ClearPassword removes the credential of a user.
	ClearPassword(ctx context.Context, userID int64) error

	// SetResetSecret stores a pending reset secret with its request time.
	SetResetSecret(ctx context.Context, userID int64, secret string, at time.Time) error

	// ClearResetSecret drops any pending reset secret.
	ClearResetSecret(ctx context.Context, userID int64) error

	// ConsumeResetSecret replaces the password hash and clears the secret, but
	// only if the stored secret still equals secret. Otherwise it returns
	// ErrInvalidSecret and changes nothing.
	ConsumeResetSecret(ctx context.Context, userID int64, secret, newHash string) error
}

// IdentityStore manages remote identities. Attaching an identity that already
// belongs to any user returns ErrDuplicateIdentity.
type IdentityStore interface {
	// CreateUserWithOAuth2 creates a user and its OAuth2 identity as one unit.
	CreateUserWithOAuth2(ctx context.Context, email, provider, uid string) (*User, error)

	// CreateUserWithOpenID creates a user and its OpenID identity as one unit.
	CreateUserWithOpenID(ctx context.Context, email, identity string) (*User, error)

	LinkOAuth2(ctx context.Context, userID int64, provider, uid string) error
	LinkOpenID(ctx context.Context, userID int64, identity string) error

	// UnlinkOpenID removes an OpenID identity from a user. Returns ErrNotFound
	// if the user does not own that identity.
	UnlinkOpenID(ctx context.Context, userID int64, identity string) error

	ListOAuth2Identities(ctx context.Context, userID int64) ([]*OAuth2Identity, error)
	ListOpenIDIdentities(ctx context.Context, userID int64) ([]*OpenIDIdentity, error)
}

// SessionKeyStore manages issued session keys.
type SessionKeyStore interface {
	// InsertSessionKey issues and stores a new key for the user.
	InsertSessionKey(ctx context.Context, userID int64, at time.Time) (string, error)

	// FindSessionKey reports whether (userID, key) is a valid pair.
	FindSessionKey(ctx context.Context, userID int64, key string) (bool, error)

	// DeleteSessionKey revokes a single key. Deleting a missing key is not an error.
	DeleteSessionKey(ctx context.Context, userID int64, key string) error

	// PruneSessionKeys deletes keys of the user created before olderThan and
	// returns how many were removed.
	PruneSessionKeys(ctx context.Context, userID int64, olderThan time.Time) (int, error)
}

// AccountStore combines the store interfaces needed by the engine and the
// session manager.
type AccountStore interface {
	UserStore
	CredentialStore
	IdentityStore
	SessionKeyStore
}
