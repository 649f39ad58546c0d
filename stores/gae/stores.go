//go:build !wasm
// +build !wasm

package gae

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"

	acc "github.com/panyam/accounts"
)

// Kind constants for Datastore entities
const (
	KindUser           = "User"
	KindEmail          = "UserEmail"
	KindPassword       = "UserPassword"
	KindOAuth2Identity = "UserOAuth2Identity"
	KindOpenIDIdentity = "UserOpenIDIdentity"
	KindSessionKey     = "UserValidKey"
)

// Store implements acc.AccountStore using Google Cloud Datastore.
// Uniqueness is enforced by keying reservation entities on the unique value
// and checking for them inside the same transaction as the insert.
type Store struct {
	client    *datastore.Client
	namespace string
}

// New creates a Datastore-backed store in the given namespace
func New(client *datastore.Client, namespace string) *Store {
	return &Store{client: client, namespace: namespace}
}

func (s *Store) nameKey(kind, name string) *datastore.Key {
	key := datastore.NameKey(kind, name, nil)
	key.Namespace = s.namespace
	return key
}

func (s *Store) idKey(kind string, id int64) *datastore.Key {
	key := datastore.IDKey(kind, id, nil)
	key.Namespace = s.namespace
	return key
}

func (s *Store) query(kind string) *datastore.Query {
	q := datastore.NewQuery(kind)
	if s.namespace != "" {
		q = q.Namespace(s.namespace)
	}
	return q
}

func oauth2Name(provider, uid string) string { return provider + ":" + uid }

func sessionKeyName(userID int64, key string) string { return fmt.Sprintf("%d:%s", userID, key) }

func notFound(err error, what string) error {
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return fmt.Errorf("%w: %s", acc.ErrNotFound, what)
	}
	return err
}

// exists reports whether key is present within tx.
func exists(tx *datastore.Transaction, key *datastore.Key, dst any) (bool, error) {
	err := tx.Get(key, dst)
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return false, nil
	}
	return err == nil, err
}

// allocateUserKey reserves a numeric ID for a new user outside of any
// transaction.
func (s *Store) allocateUserKey(ctx context.Context) (*datastore.Key, error) {
	incomplete := datastore.IncompleteKey(KindUser, nil)
	incomplete.Namespace = s.namespace
	keys, err := s.client.AllocateIDs(ctx, []*datastore.Key{incomplete})
	if err != nil {
		return nil, err
	}
	return keys[0], nil
}

// createUserTx writes the user and its email reservation.
func (s *Store) createUserTx(tx *datastore.Transaction, key *datastore.Key, email string) (*UserEntity, error) {
	if email != "" {
		emailKey := s.nameKey(KindEmail, email)
		taken, err := exists(tx, emailKey, &EmailEntity{})
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, fmt.Errorf("%w: email %s is already in use", acc.ErrAlreadyExists, email)
		}
		if _, err := tx.Put(emailKey, &EmailEntity{UserID: key.ID}); err != nil {
			return nil, err
		}
	}
	entity := &UserEntity{Key: key, Email: email, CreatedAt: time.Now()}
	if _, err := tx.Put(key, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// createUser runs createUserTx plus extra inside one transaction.
func (s *Store) createUser(ctx context.Context, email string, extra func(tx *datastore.Transaction, userID int64) error) (*acc.User, error) {
	key, err := s.allocateUserKey(ctx)
	if err != nil {
		return nil, err
	}
	var entity *UserEntity
	_, err = s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var err error
		if entity, err = s.createUserTx(tx, key, email); err != nil {
			return err
		}
		if extra != nil {
			return extra(tx, key.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entity.ToUser(), nil
}

// ============================================================================
// UserStore
// ============================================================================

func (s *Store) CreateUser(ctx context.Context, email string) (*acc.User, error) {
	return s.createUser(ctx, email, nil)
}

func (s *Store) FindUserByID(ctx context.Context, userID int64) (*acc.User, error) {
	var entity UserEntity
	if err := s.client.Get(ctx, s.idKey(KindUser, userID), &entity); err != nil {
		return nil, notFound(err, fmt.Sprintf("user %d", userID))
	}
	return entity.ToUser(), nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*acc.User, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: empty email", acc.ErrNotFound)
	}
	var reservation EmailEntity
	if err := s.client.Get(ctx, s.nameKey(KindEmail, email), &reservation); err != nil {
		return nil, notFound(err, "email "+email)
	}
	return s.FindUserByID(ctx, reservation.UserID)
}

func (s *Store) FindUserByOAuth2(ctx context.Context, provider, uid string) (*acc.User, error) {
	var entity OAuth2IdentityEntity
	if err := s.client.Get(ctx, s.nameKey(KindOAuth2Identity, oauth2Name(provider, uid)), &entity); err != nil {
		return nil, notFound(err, oauth2Name(provider, uid))
	}
	return s.FindUserByID(ctx, entity.UserID)
}

func (s *Store) FindUserByOpenID(ctx context.Context, identity string) (*acc.User, error) {
	var entity OpenIDIdentityEntity
	if err := s.client.Get(ctx, s.nameKey(KindOpenIDIdentity, identity), &entity); err != nil {
		return nil, notFound(err, "openid:"+identity)
	}
	return s.FindUserByID(ctx, entity.UserID)
}

func (s *Store) SetUserEmail(ctx context.Context, userID int64, email string) error {
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		key := s.idKey(KindUser, userID)
		var user UserEntity
		if err := tx.Get(key, &user); err != nil {
			return notFound(err, fmt.Sprintf("user %d", userID))
		}
		if user.Email == email {
			return nil
		}
		if email != "" {
			emailKey := s.nameKey(KindEmail, email)
			taken, err := exists(tx, emailKey, &EmailEntity{})
			if err != nil {
				return err
			}
			if taken {
				return fmt.Errorf("%w: email %s is already in use", acc.ErrAlreadyExists, email)
			}
			if _, err := tx.Put(emailKey, &EmailEntity{UserID: userID}); err != nil {
				return err
			}
		}
		if user.Email != "" {
			if err := tx.Delete(s.nameKey(KindEmail, user.Email)); err != nil {
				return err
			}
		}
		user.Email = email
		_, err := tx.Put(key, &user)
		return err
	})
	return err
}

func (s *Store) TouchLastLogin(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		key := s.idKey(KindUser, userID)
		var user UserEntity
		if err := tx.Get(key, &user); err != nil {
			return notFound(err, fmt.Sprintf("user %d", userID))
		}
		user.LastLogin = at
		_, err := tx.Put(key, &user)
		return err
	})
	return err
}

// ============================================================================
// CredentialStore
// ============================================================================

func (s *Store) CreateUserWithPassword(ctx context.Context, email, passwordHash string) (*acc.User, error) {
	return s.createUser(ctx, email, func(tx *datastore.Transaction, userID int64) error {
		_, err := tx.Put(s.idKey(KindPassword, userID), &PasswordEntity{PasswordHash: passwordHash})
		return err
	})
}

func (s *Store) SetPassword(ctx context.Context, userID int64, passwordHash string) error {
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		if err := tx.Get(s.idKey(KindUser, userID), &UserEntity{}); err != nil {
			return notFound(err, fmt.Sprintf("user %d", userID))
		}
		key := s.idKey(KindPassword, userID)
		found, err := exists(tx, key, &PasswordEntity{})
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: user %d already has a password", acc.ErrAlreadyExists, userID)
		}
		_, err = tx.Put(key, &PasswordEntity{PasswordHash: passwordHash})
		return err
	})
	return err
}

// updatePassword applies fn to the credential of userID inside a transaction.
func (s *Store) updatePassword(ctx context.Context, userID int64, fn func(e *PasswordEntity) error) error {
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		key := s.idKey(KindPassword, userID)
		var entity PasswordEntity
		if err := tx.Get(key, &entity); err != nil {
			return notFound(err, fmt.Sprintf("password of user %d", userID))
		}
		if err := fn(&entity); err != nil {
			return err
		}
		_, err := tx.Put(key, &entity)
		return err
	})
	return err
}

func (s *Store) UpdatePassword(ctx context.Context, userID int64, passwordHash string) error {
	return s.updatePassword(ctx, userID, func(e *PasswordEntity) error {
		e.PasswordHash = passwordHash
		return nil
	})
}

func (s *Store) GetPassword(ctx context.Context, userID int64) (*acc.PasswordCredential, error) {
	var entity PasswordEntity
	if err := s.client.Get(ctx, s.idKey(KindPassword, userID), &entity); err != nil {
		return nil, notFound(err, fmt.Sprintf("password of user %d", userID))
	}
	return entity.ToCredential(), nil
}

func (s *Store) ClearPassword(ctx context.Context, userID int64) error {
	return s.client.Delete(ctx, s.idKey(KindPassword, userID))
}

func (s *Store) SetResetSecret(ctx context.Context, userID int64, secret string, at time.Time) error {
	return s.updatePassword(ctx, userID, func(e *PasswordEntity) error {
		e.ResetSecret = secret
		e.ResetRequestedAt = at
		return nil
	})
}

func (s *Store) ClearResetSecret(ctx context.Context, userID int64) error {
	return s.updatePassword(ctx, userID, func(e *PasswordEntity) error {
		e.ResetSecret = ""
		e.ResetRequestedAt = time.Time{}
		return nil
	})
}

func (s *Store) ConsumeResetSecret(ctx context.Context, userID int64, secret, newHash string) error {
	return s.updatePassword(ctx, userID, func(e *PasswordEntity) error {
		if secret == "" || !acc.SecretsEqual(e.ResetSecret, secret) {
			return acc.ErrInvalidSecret
		}
		e.PasswordHash = newHash
		e.ResetSecret = ""
		e.ResetRequestedAt = time.Time{}
		return nil
	})
}

// ============================================================================
// IdentityStore
// ============================================================================

func (s *Store) linkOAuth2Tx(tx *datastore.Transaction, userID int64, provider, uid string) error {
	key := s.nameKey(KindOAuth2Identity, oauth2Name(provider, uid))
	found, err := exists(tx, key, &OAuth2IdentityEntity{})
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s", acc.ErrDuplicateIdentity, oauth2Name(provider, uid))
	}
	_, err = tx.Put(key, &OAuth2IdentityEntity{UserID: userID, Provider: provider, UID: uid, CreatedAt: time.Now()})
	return err
}

func (s *Store) linkOpenIDTx(tx *datastore.Transaction, userID int64, identity string) error {
	key := s.nameKey(KindOpenIDIdentity, identity)
	found, err := exists(tx, key, &OpenIDIdentityEntity{})
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: openid:%s", acc.ErrDuplicateIdentity, identity)
	}
	_, err = tx.Put(key, &OpenIDIdentityEntity{UserID: userID, Identity: identity, CreatedAt: time.Now()})
	return err
}

func (s *Store) CreateUserWithOAuth2(ctx context.Context, email, provider, uid string) (*acc.User, error) {
	return s.createUser(ctx, email, func(tx *datastore.Transaction, userID int64) error {
		return s.linkOAuth2Tx(tx, userID, provider, uid)
	})
}

func (s *Store) CreateUserWithOpenID(ctx context.Context, email, identity string) (*acc.User, error) {
	return s.createUser(ctx, email, func(tx *datastore.Transaction, userID int64) error {
		return s.linkOpenIDTx(tx, userID, identity)
	})
}

func (s *Store) LinkOAuth2(ctx context.Context, userID int64, provider, uid string) error {
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		return s.linkOAuth2Tx(tx, userID, provider, uid)
	})
	return err
}

func (s *Store) LinkOpenID(ctx context.Context, userID int64, identity string) error {
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		return s.linkOpenIDTx(tx, userID, identity)
	})
	return err
}

func (s *Store) UnlinkOpenID(ctx context.Context, userID int64, identity string) error {
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		key := s.nameKey(KindOpenIDIdentity, identity)
		var entity OpenIDIdentityEntity
		if err := tx.Get(key, &entity); err != nil {
			return notFound(err, "openid:"+identity)
		}
		if entity.UserID != userID {
			return fmt.Errorf("%w: openid:%s for user %d", acc.ErrNotFound, identity, userID)
		}
		return tx.Delete(key)
	})
	return err
}

func (s *Store) ListOAuth2Identities(ctx context.Context, userID int64) ([]*acc.OAuth2Identity, error) {
	var out []*acc.OAuth2Identity
	it := s.client.Run(ctx, s.query(KindOAuth2Identity).FilterField("user_id", "=", userID))
	for {
		var entity OAuth2IdentityEntity
		_, err := it.Next(&entity)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, entity.ToIdentity())
	}
	return out, nil
}

func (s *Store) ListOpenIDIdentities(ctx context.Context, userID int64) ([]*acc.OpenIDIdentity, error) {
	var out []*acc.OpenIDIdentity
	it := s.client.Run(ctx, s.query(KindOpenIDIdentity).FilterField("user_id", "=", userID))
	for {
		var entity OpenIDIdentityEntity
		_, err := it.Next(&entity)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, entity.ToIdentity())
	}
	return out, nil
}

// ============================================================================
// SessionKeyStore
// ============================================================================

func (s *Store) InsertSessionKey(ctx context.Context, userID int64, at time.Time) (string, error) {
	key, err := acc.NewSessionKey()
	if err != nil {
		return "", err
	}
	entity := &SessionKeyEntity{UserID: userID, CreatedAt: at}
	if _, err := s.client.Put(ctx, s.nameKey(KindSessionKey, sessionKeyName(userID, key)), entity); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) FindSessionKey(ctx context.Context, userID int64, key string) (bool, error) {
	var entity SessionKeyEntity
	err := s.client.Get(ctx, s.nameKey(KindSessionKey, sessionKeyName(userID, key)), &entity)
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) DeleteSessionKey(ctx context.Context, userID int64, key string) error {
	return s.client.Delete(ctx, s.nameKey(KindSessionKey, sessionKeyName(userID, key)))
}

// PruneSessionKeys filters on user_id only and checks the age in memory so no
// composite index is needed.
func (s *Store) PruneSessionKeys(ctx context.Context, userID int64, olderThan time.Time) (int, error) {
	var stale []*datastore.Key
	it := s.client.Run(ctx, s.query(KindSessionKey).FilterField("user_id", "=", userID))
	for {
		var entity SessionKeyEntity
		key, err := it.Next(&entity)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, err
		}
		if entity.CreatedAt.Before(olderThan) {
			stale = append(stale, key)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.client.DeleteMulti(ctx, stale); err != nil {
		return 0, err
	}
	return len(stale), nil
}
