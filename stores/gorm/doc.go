//go:build !wasm
// +build !wasm

// Package gorm provides a GORM-based implementation of the accounts store
// interfaces. It supports any database that GORM supports (PostgreSQL, MySQL,
// SQLite, etc.).
//
// Uniqueness of emails, (provider, uid) pairs and OpenID identities is
// enforced by unique indexes. Constraint violations are reported as
// accounts.ErrAlreadyExists or accounts.ErrDuplicateIdentity, so the engine's
// existence checks never race with concurrent signups.
//
// # Database Schema
//
// The package auto-migrates the following tables:
//   - users: accounts, email unique when not NULL
//   - user_passwords: password hash and pending reset secret per user
//   - user_oauth2_identities: unique (provider, uid) pairs
//   - user_openid_identities: unique identity URLs
//   - user_valid_keys: issued session keys
//
// # Usage
//
//	db, _ := gorm.Open(postgres.Open(dsn), &gorm.Config{})
//	_ = gormstore.AutoMigrate(db)
//	store := gormstore.New(db)
package gorm
