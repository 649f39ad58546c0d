// Package storetest checks that an accounts.AccountStore implementation
// follows the store contract. Store packages call Run from their tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	acc "github.com/panyam/accounts"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) acc.AccountStore

// Run runs the contract tests against stores made by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("Passwords", func(t *testing.T) { testPasswords(t, newStore(t)) })
	t.Run("ResetSecrets", func(t *testing.T) { testResetSecrets(t, newStore(t)) })
	t.Run("OAuth2Identities", func(t *testing.T) { testOAuth2(t, newStore(t)) })
	t.Run("OpenIDIdentities", func(t *testing.T) { testOpenID(t, newStore(t)) })
	t.Run("AtomicCreate", func(t *testing.T) { testAtomicCreate(t, newStore(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
	t.Run("SessionKeys", func(t *testing.T) { testSessionKeys(t, newStore(t)) })
}

func testUsers(t *testing.T, s acc.AccountStore) {
	ctx := context.Background()

	a, err := s.CreateUser(ctx, "a@x.com")
	require.NoError(t, err)
	assert.NotZero(t, a.ID)
	assert.Equal(t, "a@x.com", a.Email)
	assert.Nil(t, a.LastLogin)

	// Users without email do not collide with each other.
	b, err := s.CreateUser(ctx, "")
	require.NoError(t, err)
	c, err := s.CreateUser(ctx, "")
	require.NoError(t, err)
	assert.NotEqual(t, b.ID, c.ID)
	assert.False(t, b.HasEmail())

	_, err = s.CreateUser(ctx, "a@x.com")
	assert.ErrorIs(t, err, acc.ErrAlreadyExists)

	got, err := s.FindUserByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", got.Email)

	got, err = s.FindUserByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = s.FindUserByID(ctx, a.ID+1000)
	assert.ErrorIs(t, err, acc.ErrNotFound)
	_, err = s.FindUserByEmail(ctx, "nobody@x.com")
	assert.ErrorIs(t, err, acc.ErrNotFound)
	_, err = s.FindUserByEmail(ctx, "")
	assert.ErrorIs(t, err, acc.ErrNotFound)

	require.NoError(t, s.SetUserEmail(ctx, b.ID, "b@x.com"))
	got, err = s.FindUserByEmail(ctx, "b@x.com")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	assert.ErrorIs(t, s.SetUserEmail(ctx, c.ID, "a@x.com"), acc.ErrAlreadyExists)

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.TouchLastLogin(ctx, a.ID, at))
	got, err = s.FindUserByID(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastLogin)
	assert.True(t, got.LastLogin.Equal(at), "last login %v", got.LastLogin)
}

func testPasswords(t *testing.T, s acc.AccountStore) {
	ctx := context.Background()

	u, err := s.CreateUserWithPassword(ctx, "a@x.com", "hash1")
	require.NoError(t, err)
	cred, err := s.GetPassword(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "hash1", cred.PasswordHash)
	assert.False(t, cred.HasResetSecret())

	assert.ErrorIs(t, s.SetPassword(ctx, u.ID, "hash2"), acc.ErrAlreadyExists)
	require.NoError(t, s.UpdatePassword(ctx, u.ID, "hash2"))
	cred, err = s.GetPassword(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "hash2", cred.PasswordHash)

	_, err = s.CreateUserWithPassword(ctx, "a@x.com", "hash3")
	assert.ErrorIs(t, err, acc.ErrAlreadyExists)

	other, err := s.CreateUser(ctx, "")
	require.NoError(t, err)
	_, err = s.GetPassword(ctx, other.ID)
	assert.ErrorIs(t, err, acc.ErrNotFound)
	assert.ErrorIs(t, s.UpdatePassword(ctx, other.ID, "x"), acc.ErrNotFound)
	require.NoError(t, s.SetPassword(ctx, other.ID, "hash4"))

	require.NoError(t, s.ClearPassword(ctx, other.ID))
	_, err = s.GetPassword(ctx, other.ID)
	assert.ErrorIs(t, err, acc.ErrNotFound)
}

func testResetSecrets(t *testing.T, s acc.AccountStore) {
	ctx := context.Background()
	u, err := s.CreateUserWithPassword(ctx, "a@x.com", "old")
	require.NoError(t, err)

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetResetSecret(ctx, u.ID, "secret", at))
	cred, err := s.GetPassword(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret", cred.ResetSecret)
	require.NotNil(t, cred.ResetRequestedAt)
	assert.True(t, cred.ResetRequestedAt.Equal(at))

	assert.ErrorIs(t, s.ConsumeResetSecret(ctx, u.ID, "wrong", "new"), acc.ErrInvalidSecret)
	assert.ErrorIs(t, s.ConsumeResetSecret(ctx, u.ID, "", "new"), acc.ErrInvalidSecret)
	cred, err = s.GetPassword(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "old", cred.PasswordHash, "failed consume must not change the hash")

	require.NoError(t, s.ConsumeResetSecret(ctx, u.ID, "secret", "new"))
	cred, err = s.GetPassword(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", cred.PasswordHash)
	assert.False(t, cred.HasResetSecret())
	assert.Nil(t, cred.ResetRequestedAt)
	assert.ErrorIs(t, s.ConsumeResetSecret(ctx, u.ID, "secret", "again"), acc.ErrInvalidSecret)

	require.NoError(t, s.SetResetSecret(ctx, u.ID, "secret2", at))
	require.NoError(t, s.ClearResetSecret(ctx, u.ID))
	cred, err = s.GetPassword(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, cred.HasResetSecret())
}

func testOAuth2(t *testing.T, s acc.AccountStore) {
	ctx := context.Background()

	u, err := s.CreateUserWithOAuth2(ctx, "a@x.com", "google", "g-1")
	require.NoError(t, err)
	got, err := s.FindUserByOAuth2(ctx, "google", "g-1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	// The same uid at another provider is a different identity.
	_, err = s.FindUserByOAuth2(ctx, "github", "g-1")
	assert.ErrorIs(t, err, acc.ErrNotFound)
	require.NoError(t, s.LinkOAuth2(ctx, u.ID, "github", "g-1"))

	other, err := s.CreateUser(ctx, "b@x.com")
	require.NoError(t, err)
	err = s.LinkOAuth2(ctx, other.ID, "google", "g-1")
	assert.ErrorIs(t, err, acc.ErrDuplicateIdentity)
	assert.ErrorIs(t, err, acc.ErrAlreadyExists)

	ids, err := s.ListOAuth2Identities(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	providers := []string{ids[0].Provider, ids[1].Provider}
	assert.ElementsMatch(t, []string{"google", "github"}, providers)

	ids, err = s.ListOAuth2Identities(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func testOpenID(t *testing.T, s acc.AccountStore) {
	ctx := context.Background()
	const identity = "https://me.example.com/"

	u, err := s.CreateUserWithOpenID(ctx, "", identity)
	require.NoError(t, err)
	assert.False(t, u.HasEmail())

	got, err := s.FindUserByOpenID(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	other, err := s.CreateUser(ctx, "b@x.com")
	require.NoError(t, err)
	assert.ErrorIs(t, s.LinkOpenID(ctx, other.ID, identity), acc.ErrDuplicateIdentity)
	require.NoError(t, s.LinkOpenID(ctx, u.ID, "https://alt.example.com/"))

	ids, err := s.ListOpenIDIdentities(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	assert.ErrorIs(t, s.UnlinkOpenID(ctx, other.ID, identity), acc.ErrNotFound)
	require.NoError(t, s.UnlinkOpenID(ctx, u.ID, identity))
	_, err = s.FindUserByOpenID(ctx, identity)
	assert.ErrorIs(t, err, acc.ErrNotFound)
	assert.ErrorIs(t, s.UnlinkOpenID(ctx, u.ID, identity), acc.ErrNotFound)

	// An unlinked identity can be claimed by someone else.
	require.NoError(t, s.LinkOpenID(ctx, other.ID, identity))
}

// testAtomicCreate checks that a failed CreateUserWith* leaves no user behind.
func testAtomicCreate(t *testing.T, s acc.AccountStore) {
	ctx := context.Background()
	_, err := s.CreateUserWithOAuth2(ctx, "a@x.com", "google", "g-1")
	require.NoError(t, err)
	_, err = s.CreateUserWithOpenID(ctx, "", "https://me.example.com/")
	require.NoError(t, err)

	_, err = s.CreateUserWithOAuth2(ctx, "fresh@x.com", "google", "g-1")
	assert.ErrorIs(t, err, acc.ErrDuplicateIdentity)
	_, err = s.FindUserByEmail(ctx, "fresh@x.com")
	assert.ErrorIs(t, err, acc.ErrNotFound, "user of failed signup must be rolled back")

	_, err = s.CreateUserWithOpenID(ctx, "fresh2@x.com", "https://me.example.com/")
	assert.ErrorIs(t, err, acc.ErrDuplicateIdentity)
	_, err = s.FindUserByEmail(ctx, "fresh2@x.com")
	assert.ErrorIs(t, err, acc.ErrNotFound)

	_, err = s.CreateUserWithOAuth2(ctx, "a@x.com", "github", "h-1")
	assert.ErrorIs(t, err, acc.ErrAlreadyExists)
	_, err = s.FindUserByOAuth2(ctx, "github", "h-1")
	assert.ErrorIs(t, err, acc.ErrNotFound)
}

// testConcurrentCreate races signups for one provider identity. Exactly one
// may win; the others fail with ErrAlreadyExists or a storage error and
// leave no user behind.
func testConcurrentCreate(t *testing.T, s acc.AccountStore) {
	ctx := context.Background()
	const n = 8

	var wg sync.WaitGroup
	users := make([]*acc.User, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			users[i], errs[i] = s.CreateUserWithOAuth2(ctx, fmt.Sprintf("racer%d@x.com", i), "google", "g-race")
		}(i)
	}
	wg.Wait()

	var winner *acc.User
	for i := 0; i < n; i++ {
		if errs[i] == nil {
			require.Nil(t, winner, "more than one signup won the race")
			winner = users[i]
			continue
		}
		if !errors.Is(errs[i], acc.ErrAlreadyExists) {
			t.Logf("signup %d failed with a storage error: %v", i, errs[i])
		}
		_, err := s.FindUserByEmail(ctx, fmt.Sprintf("racer%d@x.com", i))
		assert.ErrorIs(t, err, acc.ErrNotFound, "losing signup %d left a user", i)
	}
	require.NotNil(t, winner, "no signup won the race")

	got, err := s.FindUserByOAuth2(ctx, "google", "g-race")
	require.NoError(t, err)
	assert.Equal(t, winner.ID, got.ID)
}

func testSessionKeys(t *testing.T, s acc.AccountStore) {
	ctx := context.Background()
	a, err := s.CreateUser(ctx, "a@x.com")
	require.NoError(t, err)
	b, err := s.CreateUser(ctx, "b@x.com")
	require.NoError(t, err)

	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	old, err := s.InsertSessionKey(ctx, a.ID, t0)
	require.NoError(t, err)
	assert.Len(t, old, 2*acc.SessionKeyBytes)
	fresh, err := s.InsertSessionKey(ctx, a.ID, t0.Add(48*time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, old, fresh)
	bKey, err := s.InsertSessionKey(ctx, b.ID, t0)
	require.NoError(t, err)

	ok, err := s.FindSessionKey(ctx, a.ID, old)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.FindSessionKey(ctx, b.ID, old)
	require.NoError(t, err)
	assert.False(t, ok, "keys are bound to their user")

	n, err := s.PruneSessionKeys(ctx, a.ID, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ok, _ = s.FindSessionKey(ctx, a.ID, old)
	assert.False(t, ok)
	ok, _ = s.FindSessionKey(ctx, a.ID, fresh)
	assert.True(t, ok)
	ok, _ = s.FindSessionKey(ctx, b.ID, bKey)
	assert.True(t, ok, "pruning is per user")

	require.NoError(t, s.DeleteSessionKey(ctx, a.ID, fresh))
	ok, _ = s.FindSessionKey(ctx, a.ID, fresh)
	assert.False(t, ok)
	require.NoError(t, s.DeleteSessionKey(ctx, a.ID, fresh), "deleting a missing key is not an error")
}
