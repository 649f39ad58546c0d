// Package fs provides a file backed AccountStore. All records live in a single
// JSON file that is rewritten atomically on every change. It is meant for
// development and tests, not for concurrent processes sharing one file.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	acc "github.com/panyam/accounts"
	"github.com/panyam/accounts/internal/atomicfile"
)

type snapshot struct {
	NextUserID int64                             `json:"next_user_id"`
	Users      map[int64]*acc.User               `json:"users"`
	Passwords  map[int64]*acc.PasswordCredential `json:"passwords"`
	OAuth2     []*acc.OAuth2Identity             `json:"oauth2_identities"`
	OpenID     []*acc.OpenIDIdentity             `json:"openid_identities"`
	Keys       []*acc.SessionKey                 `json:"session_keys"`
}

func newSnapshot() *snapshot {
	return (&snapshot{}).fill()
}

// fill replaces the fields a decoded file may have left empty.
func (d *snapshot) fill() *snapshot {
	if d.NextUserID < 1 {
		d.NextUserID = 1
	}
	if d.Users == nil {
		d.Users = map[int64]*acc.User{}
	}
	if d.Passwords == nil {
		d.Passwords = map[int64]*acc.PasswordCredential{}
	}
	return d
}

// Store implements acc.AccountStore on top of a JSON file.
type Store struct {
	path string
	mu   sync.Mutex
	data *snapshot
}

// NewStore opens (or creates) accounts.json in storagePath.
func NewStore(storagePath string) (*Store, error) {
	if err := os.MkdirAll(storagePath, 0755); err != nil {
		return nil, err
	}
	s := &Store{path: filepath.Join(storagePath, "accounts.json"), data: newSnapshot()}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	} else if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, s.data); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	s.data.fill()
	return s, nil
}

// view runs fn under the lock without writing.
func (s *Store) view(fn func(d *snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

// update runs fn under the lock and writes the result. If fn or the write
// fails the in-memory state is restored.
func (s *Store) update(fn func(d *snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup, err := json.Marshal(s.data)
	if err != nil {
		return err
	}
	restore := func() {
		d := newSnapshot()
		if json.Unmarshal(backup, d) == nil {
			s.data = d.fill()
		}
	}
	if err := fn(s.data); err != nil {
		restore()
		return err
	}
	out, err := json.MarshalIndent(s.data, "", "  ")
	if err == nil {
		err = atomicfile.Write(s.path, out, 0600)
	}
	if err != nil {
		restore()
		return err
	}
	return nil
}

func copyUser(u *acc.User) *acc.User {
	out := *u
	return &out
}

func (d *snapshot) userByEmail(email string) *acc.User {
	for _, u := range d.Users {
		if u.Email != "" && u.Email == email {
			return u
		}
	}
	return nil
}

func (d *snapshot) newUser(email string) (*acc.User, error) {
	if email != "" && d.userByEmail(email) != nil {
		return nil, fmt.Errorf("%w: email %s is already in use", acc.ErrAlreadyExists, email)
	}
	u := &acc.User{ID: d.NextUserID, Email: email, CreatedAt: time.Now()}
	d.NextUserID++
	d.Users[u.ID] = u
	return u, nil
}

func (d *snapshot) oauth2Index(provider, uid string) int {
	for i, id := range d.OAuth2 {
		if id.Provider == provider && id.UID == uid {
			return i
		}
	}
	return -1
}

func (d *snapshot) openIDIndex(identity string) int {
	for i, id := range d.OpenID {
		if id.Identity == identity {
			return i
		}
	}
	return -1
}

func (d *snapshot) addOAuth2(userID int64, provider, uid string) error {
	if d.oauth2Index(provider, uid) >= 0 {
		return fmt.Errorf("%w: %s:%s", acc.ErrDuplicateIdentity, provider, uid)
	}
	d.OAuth2 = append(d.OAuth2, &acc.OAuth2Identity{UserID: userID, Provider: provider, UID: uid, CreatedAt: time.Now()})
	return nil
}

func (d *snapshot) addOpenID(userID int64, identity string) error {
	if d.openIDIndex(identity) >= 0 {
		return fmt.Errorf("%w: openid:%s", acc.ErrDuplicateIdentity, identity)
	}
	d.OpenID = append(d.OpenID, &acc.OpenIDIdentity{UserID: userID, Identity: identity, CreatedAt: time.Now()})
	return nil
}

func (d *snapshot) requireUser(userID int64) (*acc.User, error) {
	u, ok := d.Users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %d", acc.ErrNotFound, userID)
	}
	return u, nil
}

// UserStore

func (s *Store) CreateUser(ctx context.Context, email string) (out *acc.User, err error) {
	err = s.update(func(d *snapshot) error {
		u, err := d.newUser(email)
		if err == nil {
			out = copyUser(u)
		}
		return err
	})
	return
}

func (s *Store) FindUserByID(ctx context.Context, userID int64) (out *acc.User, err error) {
	err = s.view(func(d *snapshot) error {
		u, err := d.requireUser(userID)
		if err == nil {
			out = copyUser(u)
		}
		return err
	})
	return
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (out *acc.User, err error) {
	err = s.view(func(d *snapshot) error {
		if u := d.userByEmail(email); email != "" && u != nil {
			out = copyUser(u)
			return nil
		}
		return fmt.Errorf("%w: email %s", acc.ErrNotFound, email)
	})
	return
}

func (s *Store) FindUserByOAuth2(ctx context.Context, provider, uid string) (out *acc.User, err error) {
	err = s.view(func(d *snapshot) error {
		i := d.oauth2Index(provider, uid)
		if i < 0 {
			return fmt.Errorf("%w: %s:%s", acc.ErrNotFound, provider, uid)
		}
		u, err := d.requireUser(d.OAuth2[i].UserID)
		if err == nil {
			out = copyUser(u)
		}
		return err
	})
	return
}

func (s *Store) FindUserByOpenID(ctx context.Context, identity string) (out *acc.User, err error) {
	err = s.view(func(d *snapshot) error {
		i := d.openIDIndex(identity)
		if i < 0 {
			return fmt.Errorf("%w: openid:%s", acc.ErrNotFound, identity)
		}
		u, err := d.requireUser(d.OpenID[i].UserID)
		if err == nil {
			out = copyUser(u)
		}
		return err
	})
	return
}

func (s *Store) SetUserEmail(ctx context.Context, userID int64, email string) error {
	return s.update(func(d *snapshot) error {
		u, err := d.requireUser(userID)
		if err != nil {
			return err
		}
		if other := d.userByEmail(email); email != "" && other != nil && other.ID != userID {
			return fmt.Errorf("%w: email %s is already in use", acc.ErrAlreadyExists, email)
		}
		u.Email = email
		return nil
	})
}

func (s *Store) TouchLastLogin(ctx context.Context, userID int64, at time.Time) error {
	return s.update(func(d *snapshot) error {
		u, err := d.requireUser(userID)
		if err == nil {
			u.LastLogin = &at
		}
		return err
	})
}

// CredentialStore

func (s *Store) CreateUserWithPassword(ctx context.Context, email, passwordHash string) (out *acc.User, err error) {
	err = s.update(func(d *snapshot) error {
		u, err := d.newUser(email)
		if err != nil {
			return err
		}
		d.Passwords[u.ID] = &acc.PasswordCredential{UserID: u.ID, PasswordHash: passwordHash}
		out = copyUser(u)
		return nil
	})
	return
}

func (s *Store) SetPassword(ctx context.Context, userID int64, passwordHash string) error {
	return s.update(func(d *snapshot) error {
		if _, err := d.requireUser(userID); err != nil {
			return err
		}
		if _, ok := d.Passwords[userID]; ok {
			return fmt.Errorf("%w: user %d already has a password", acc.ErrAlreadyExists, userID)
		}
		d.Passwords[userID] = &acc.PasswordCredential{UserID: userID, PasswordHash: passwordHash}
		return nil
	})
}

func (s *Store) withPassword(userID int64, fn func(c *acc.PasswordCredential) error) error {
	return s.update(func(d *snapshot) error {
		c, ok := d.Passwords[userID]
		if !ok {
			return fmt.Errorf("%w: password of user %d", acc.ErrNotFound, userID)
		}
		return fn(c)
	})
}

func (s *Store) UpdatePassword(ctx context.Context, userID int64, passwordHash string) error {
	return s.withPassword(userID, func(c *acc.PasswordCredential) error {
		c.PasswordHash = passwordHash
		return nil
	})
}

func (s *Store) GetPassword(ctx context.Context, userID int64) (out *acc.PasswordCredential, err error) {
	err = s.view(func(d *snapshot) error {
		c, ok := d.Passwords[userID]
		if !ok {
			return fmt.Errorf("%w: password of user %d", acc.ErrNotFound, userID)
		}
		cp := *c
		out = &cp
		return nil
	})
	return
}

func (s *Store) ClearPassword(ctx context.Context, userID int64) error {
	return s.update(func(d *snapshot) error {
		delete(d.Passwords, userID)
		return nil
	})
}

func (s *Store) SetResetSecret(ctx context.Context, userID int64, secret string, at time.Time) error {
	return s.withPassword(userID, func(c *acc.PasswordCredential) error {
		c.ResetSecret = secret
		c.ResetRequestedAt = &at
		return nil
	})
}

func (s *Store) ClearResetSecret(ctx context.Context, userID int64) error {
	return s.withPassword(userID, func(c *acc.PasswordCredential) error {
		c.ResetSecret = ""
		c.ResetRequestedAt = nil
		return nil
	})
}

func (s *Store) ConsumeResetSecret(ctx context.Context, userID int64, secret, newHash string) error {
	return s.withPassword(userID, func(c *acc.PasswordCredential) error {
		if secret == "" || c.ResetSecret != secret {
			return acc.ErrInvalidSecret
		}
		c.PasswordHash = newHash
		c.ResetSecret = ""
		c.ResetRequestedAt = nil
		return nil
	})
}

// IdentityStore

func (s *Store) CreateUserWithOAuth2(ctx context.Context, email, provider, uid string) (out *acc.User, err error) {
	err = s.update(func(d *snapshot) error {
		if d.oauth2Index(provider, uid) >= 0 {
			return fmt.Errorf("%w: %s:%s", acc.ErrDuplicateIdentity, provider, uid)
		}
		u, err := d.newUser(email)
		if err != nil {
			return err
		}
		out = copyUser(u)
		return d.addOAuth2(u.ID, provider, uid)
	})
	return
}

func (s *Store) CreateUserWithOpenID(ctx context.Context, email, identity string) (out *acc.User, err error) {
	err = s.update(func(d *snapshot) error {
		if d.openIDIndex(identity) >= 0 {
			return fmt.Errorf("%w: openid:%s", acc.ErrDuplicateIdentity, identity)
		}
		u, err := d.newUser(email)
		if err != nil {
			return err
		}
		out = copyUser(u)
		return d.addOpenID(u.ID, identity)
	})
	return
}

func (s *Store) LinkOAuth2(ctx context.Context, userID int64, provider, uid string) error {
	return s.update(func(d *snapshot) error {
		if _, err := d.requireUser(userID); err != nil {
			return err
		}
		return d.addOAuth2(userID, provider, uid)
	})
}

func (s *Store) LinkOpenID(ctx context.Context, userID int64, identity string) error {
	return s.update(func(d *snapshot) error {
		if _, err := d.requireUser(userID); err != nil {
			return err
		}
		return d.addOpenID(userID, identity)
	})
}

func (s *Store) UnlinkOpenID(ctx context.Context, userID int64, identity string) error {
	return s.update(func(d *snapshot) error {
		i := d.openIDIndex(identity)
		if i < 0 || d.OpenID[i].UserID != userID {
			return fmt.Errorf("%w: openid:%s for user %d", acc.ErrNotFound, identity, userID)
		}
		d.OpenID = append(d.OpenID[:i], d.OpenID[i+1:]...)
		return nil
	})
}

func (s *Store) ListOAuth2Identities(ctx context.Context, userID int64) (out []*acc.OAuth2Identity, err error) {
	err = s.view(func(d *snapshot) error {
		for _, id := range d.OAuth2 {
			if id.UserID == userID {
				cp := *id
				out = append(out, &cp)
			}
		}
		return nil
	})
	return
}

func (s *Store) ListOpenIDIdentities(ctx context.Context, userID int64) (out []*acc.OpenIDIdentity, err error) {
	err = s.view(func(d *snapshot) error {
		for _, id := range d.OpenID {
			if id.UserID == userID {
				cp := *id
				out = append(out, &cp)
			}
		}
		return nil
	})
	return
}

// SessionKeyStore

func (s *Store) InsertSessionKey(ctx context.Context, userID int64, at time.Time) (key string, err error) {
	if key, err = acc.NewSessionKey(); err != nil {
		return "", err
	}
	err = s.update(func(d *snapshot) error {
		if _, err := d.requireUser(userID); err != nil {
			return err
		}
		d.Keys = append(d.Keys, &acc.SessionKey{UserID: userID, Key: key, CreatedAt: at})
		return nil
	})
	return
}

func (s *Store) FindSessionKey(ctx context.Context, userID int64, key string) (found bool, err error) {
	err = s.view(func(d *snapshot) error {
		for _, k := range d.Keys {
			if k.UserID == userID && acc.SecretsEqual(k.Key, key) {
				found = true
				break
			}
		}
		return nil
	})
	return
}

func (s *Store) DeleteSessionKey(ctx context.Context, userID int64, key string) error {
	return s.update(func(d *snapshot) error {
		d.Keys = filterKeys(d.Keys, func(k *acc.SessionKey) bool {
			return k.UserID == userID && k.Key == key
		})
		return nil
	})
}

func (s *Store) PruneSessionKeys(ctx context.Context, userID int64, olderThan time.Time) (n int, err error) {
	err = s.update(func(d *snapshot) error {
		before := len(d.Keys)
		d.Keys = filterKeys(d.Keys, func(k *acc.SessionKey) bool {
			return k.UserID == userID && k.CreatedAt.Before(olderThan)
		})
		n = before - len(d.Keys)
		return nil
	})
	return
}

// filterKeys returns keys without the ones matching drop.
func filterKeys(keys []*acc.SessionKey, drop func(*acc.SessionKey) bool) []*acc.SessionKey {
	out := keys[:0]
	for _, k := range keys {
		if !drop(k) {
			out = append(out, k)
		}
	}
	return out
}
