//go:build !wasm
// +build !wasm

// Package gae provides a Google Cloud Datastore implementation of the
// accounts store interfaces. It supports multi-tenancy through Datastore
// namespaces.
//
// # Datastore Kinds
//
//   - User: accounts, keyed by allocated numeric ID
//   - UserEmail: email reservations, keyed by email
//   - UserPassword: password credentials, keyed by user ID
//   - UserOAuth2Identity: keyed by provider + ":" + uid
//   - UserOpenIDIdentity: keyed by identity URL
//   - UserValidKey: session keys, keyed by user ID + ":" + key
//
// Every unique value is an entity key, so a transactional Get followed by a
// Put is enough to make inserts race free.
//
// # Usage
//
//	client, _ := datastore.NewClient(ctx, projectID)
//	store := gae.New(client, "")  // default namespace
package gae
