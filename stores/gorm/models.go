//go:build !wasm
// +build !wasm

package gorm

import (
	"time"

	acc "github.com/panyam/accounts"
)

// UserModel is the GORM model for users. Email is NULL for accounts without
// one so the unique index only applies to real addresses.
type UserModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Email     *string   `gorm:"size:255;uniqueIndex"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
	LastLogin *time.Time
}

func (UserModel) TableName() string {
	return "users"
}

func (m *UserModel) ToUser() *acc.User {
	u := &acc.User{
		ID:        m.ID,
		CreatedAt: m.CreatedAt,
		LastLogin: m.LastLogin,
	}
	if m.Email != nil {
		u.Email = *m.Email
	}
	return u
}

// PasswordModel is the GORM model for password credentials
type PasswordModel struct {
	UserID                 int64   `gorm:"primaryKey;autoIncrement:false"`
	PasswordHash           string  `gorm:"size:128;not null"`
	ResetPasswordSecret    *string `gorm:"size:128"`
	ResetPasswordRequested *time.Time
	CreatedAt              time.Time `gorm:"autoCreateTime"`
}

func (PasswordModel) TableName() string {
	return "user_passwords"
}

func (m *PasswordModel) ToCredential() *acc.PasswordCredential {
	c := &acc.PasswordCredential{
		UserID:           m.UserID,
		PasswordHash:     m.PasswordHash,
		ResetRequestedAt: m.ResetPasswordRequested,
	}
	if m.ResetPasswordSecret != nil {
		c.ResetSecret = *m.ResetPasswordSecret
	}
	return c
}

// OAuth2IdentityModel is the GORM model for OAuth2 identities
type OAuth2IdentityModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	UserID    int64     `gorm:"not null;index"`
	Provider  string    `gorm:"size:32;not null;uniqueIndex:idx_oauth2_provider_uid"`
	UID       string    `gorm:"column:uid;size:255;not null;uniqueIndex:idx_oauth2_provider_uid"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (OAuth2IdentityModel) TableName() string {
	return "user_oauth2_identities"
}

func (m *OAuth2IdentityModel) ToIdentity() *acc.OAuth2Identity {
	return &acc.OAuth2Identity{
		UserID:    m.UserID,
		Provider:  m.Provider,
		UID:       m.UID,
		CreatedAt: m.CreatedAt,
	}
}

// OpenIDIdentityModel is the GORM model for OpenID identities
type OpenIDIdentityModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	UserID    int64     `gorm:"not null;index"`
	Identity  string    `gorm:"size:255;not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (OpenIDIdentityModel) TableName() string {
	return "user_openid_identities"
}

func (m *OpenIDIdentityModel) ToIdentity() *acc.OpenIDIdentity {
	return &acc.OpenIDIdentity{
		UserID:    m.UserID,
		Identity:  m.Identity,
		CreatedAt: m.CreatedAt,
	}
}

// SessionKeyModel is the GORM model for issued session keys
type SessionKeyModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	UserID    int64     `gorm:"not null;index:idx_valid_keys_user_key"`
	UserKey   string    `gorm:"size:64;not null;index:idx_valid_keys_user_key"`
	CreatedAt time.Time `gorm:"index"`
}

func (SessionKeyModel) TableName() string {
	return "user_valid_keys"
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
