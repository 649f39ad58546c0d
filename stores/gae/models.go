//go:build !wasm
// +build !wasm

package gae

import (
	"time"

	"cloud.google.com/go/datastore"
	acc "github.com/panyam/accounts"
)

// UserEntity is the Datastore entity for users. The key is a numeric ID.
type UserEntity struct {
	Key       *datastore.Key `datastore:"__key__"`
	Email     string         `datastore:"email"`
	CreatedAt time.Time      `datastore:"created_at"`
	LastLogin time.Time      `datastore:"last_login,noindex"` // zero when never logged in
}

func (e *UserEntity) ToUser() *acc.User {
	u := &acc.User{
		ID:        e.Key.ID,
		Email:     e.Email,
		CreatedAt: e.CreatedAt,
	}
	if !e.LastLogin.IsZero() {
		t := e.LastLogin
		u.LastLogin = &t
	}
	return u
}

// EmailEntity reserves an email address for one user.
// Key format: the email address
type EmailEntity struct {
	Key    *datastore.Key `datastore:"__key__"`
	UserID int64          `datastore:"user_id"`
}

// PasswordEntity is the Datastore entity for password credentials.
// Key format: numeric user ID
type PasswordEntity struct {
	Key              *datastore.Key `datastore:"__key__"`
	PasswordHash     string         `datastore:"password_hash,noindex"`
	ResetSecret      string         `datastore:"reset_secret,noindex"`
	ResetRequestedAt time.Time      `datastore:"reset_requested_at,noindex"`
}

func (e *PasswordEntity) ToCredential() *acc.PasswordCredential {
	c := &acc.PasswordCredential{
		UserID:       e.Key.ID,
		PasswordHash: e.PasswordHash,
		ResetSecret:  e.ResetSecret,
	}
	if !e.ResetRequestedAt.IsZero() {
		t := e.ResetRequestedAt
		c.ResetRequestedAt = &t
	}
	return c
}

// OAuth2IdentityEntity is the Datastore entity for OAuth2 identities.
// Key format: provider + ":" + uid
type OAuth2IdentityEntity struct {
	Key       *datastore.Key `datastore:"__key__"`
	UserID    int64          `datastore:"user_id"`
	Provider  string         `datastore:"provider"`
	UID       string         `datastore:"uid"`
	CreatedAt time.Time      `datastore:"created_at"`
}

func (e *OAuth2IdentityEntity) ToIdentity() *acc.OAuth2Identity {
	return &acc.OAuth2Identity{
		UserID:    e.UserID,
		Provider:  e.Provider,
		UID:       e.UID,
		CreatedAt: e.CreatedAt,
	}
}

// OpenIDIdentityEntity is the Datastore entity for OpenID identities.
// Key format: the identity URL
type OpenIDIdentityEntity struct {
	Key       *datastore.Key `datastore:"__key__"`
	UserID    int64          `datastore:"user_id"`
	Identity  string         `datastore:"identity"`
	CreatedAt time.Time      `datastore:"created_at"`
}

func (e *OpenIDIdentityEntity) ToIdentity() *acc.OpenIDIdentity {
	return &acc.OpenIDIdentity{
		UserID:    e.UserID,
		Identity:  e.Identity,
		CreatedAt: e.CreatedAt,
	}
}

// SessionKeyEntity is the Datastore entity for issued session keys.
// Key format: user ID + ":" + key
type SessionKeyEntity struct {
	Key       *datastore.Key `datastore:"__key__"`
	UserID    int64          `datastore:"user_id"`
	CreatedAt time.Time      `datastore:"created_at"`
}
