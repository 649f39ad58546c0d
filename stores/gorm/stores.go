//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	acc "github.com/panyam/accounts"
)

// AutoMigrate runs database migrations for all account tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&UserModel{},
		&PasswordModel{},
		&OAuth2IdentityModel{},
		&OpenIDIdentityModel{},
		&SessionKeyModel{},
	)
}

// Store implements acc.AccountStore using GORM
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// isUniqueViolation recognizes unique constraint failures across drivers,
// whether or not the gorm.Config has TranslateError enabled.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry")
}

// mapError converts gorm errors into the account error taxonomy. conflict is
// returned for unique violations.
func mapError(err error, conflict error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %s", acc.ErrNotFound, what)
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %s", conflict, what)
	}
	return err
}

// =============================================================================
// UserStore
// =============================================================================

func createUser(tx *gorm.DB, email string) (*UserModel, error) {
	m := &UserModel{Email: nullableString(email)}
	if err := tx.Create(m).Error; err != nil {
		return nil, mapError(err, acc.ErrAlreadyExists, "email "+email)
	}
	return m, nil
}

func (s *Store) CreateUser(ctx context.Context, email string) (*acc.User, error) {
	m, err := createUser(s.db.WithContext(ctx), email)
	if err != nil {
		return nil, err
	}
	return m.ToUser(), nil
}

func (s *Store) FindUserByID(ctx context.Context, userID int64) (*acc.User, error) {
	var m UserModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", userID).Error; err != nil {
		return nil, mapError(err, acc.ErrAlreadyExists, fmt.Sprintf("user %d", userID))
	}
	return m.ToUser(), nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*acc.User, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: empty email", acc.ErrNotFound)
	}
	var m UserModel
	if err := s.db.WithContext(ctx).First(&m, "email = ?", email).Error; err != nil {
		return nil, mapError(err, acc.ErrAlreadyExists, "email "+email)
	}
	return m.ToUser(), nil
}

func (s *Store) FindUserByOAuth2(ctx context.Context, provider, uid string) (*acc.User, error) {
	var m UserModel
	err := s.db.WithContext(ctx).
		Joins("JOIN user_oauth2_identities ON user_oauth2_identities.user_id = users.id").
		Where("user_oauth2_identities.provider = ? AND user_oauth2_identities.uid = ?", provider, uid).
		First(&m).Error
	if err != nil {
		return nil, mapError(err, acc.ErrAlreadyExists, provider+":"+uid)
	}
	return m.ToUser(), nil
}

func (s *Store) FindUserByOpenID(ctx context.Context, identity string) (*acc.User, error) {
	var m UserModel
	err := s.db.WithContext(ctx).
		Joins("JOIN user_openid_identities ON user_openid_identities.user_id = users.id").
		Where("user_openid_identities.identity = ?", identity).
		First(&m).Error
	if err != nil {
		return nil, mapError(err, acc.ErrAlreadyExists, "openid:"+identity)
	}
	return m.ToUser(), nil
}

func (s *Store) SetUserEmail(ctx context.Context, userID int64, email string) error {
	res := s.db.WithContext(ctx).Model(&UserModel{}).
		Where("id = ?", userID).
		Update("email", nullableString(email))
	if res.Error != nil {
		return mapError(res.Error, acc.ErrAlreadyExists, "email "+email)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: user %d", acc.ErrNotFound, userID)
	}
	return nil
}

func (s *Store) TouchLastLogin(ctx context.Context, userID int64, at time.Time) error {
	return s.db.WithContext(ctx).Model(&UserModel{}).
		Where("id = ?", userID).
		Update("last_login", at).Error
}

// =============================================================================
// CredentialStore
// =============================================================================

func (s *Store) CreateUserWithPassword(ctx context.Context, email, passwordHash string) (out *acc.User, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := createUser(tx, email)
		if err != nil {
			return err
		}
		if err := tx.Create(&PasswordModel{UserID: m.ID, PasswordHash: passwordHash}).Error; err != nil {
			return mapError(err, acc.ErrAlreadyExists, fmt.Sprintf("password of user %d", m.ID))
		}
		out = m.ToUser()
		return nil
	})
	return
}

func (s *Store) SetPassword(ctx context.Context, userID int64, passwordHash string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&UserModel{}, "id = ?", userID).Error; err != nil {
			return mapError(err, acc.ErrAlreadyExists, fmt.Sprintf("user %d", userID))
		}
		err := tx.Create(&PasswordModel{UserID: userID, PasswordHash: passwordHash}).Error
		return mapError(err, acc.ErrAlreadyExists, fmt.Sprintf("password of user %d", userID))
	})
}

func (s *Store) UpdatePassword(ctx context.Context, userID int64, passwordHash string) error {
	return s.updatePassword(ctx, userID, map[string]any{"password_hash": passwordHash})
}

func (s *Store) GetPassword(ctx context.Context, userID int64) (*acc.PasswordCredential, error) {
	var m PasswordModel
	if err := s.db.WithContext(ctx).First(&m, "user_id = ?", userID).Error; err != nil {
		return nil, mapError(err, acc.ErrAlreadyExists, fmt.Sprintf("password of user %d", userID))
	}
	return m.ToCredential(), nil
}

func (s *Store) ClearPassword(ctx context.Context, userID int64) error {
	return s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&PasswordModel{}).Error
}

func (s *Store) SetResetSecret(ctx context.Context, userID int64, secret string, at time.Time) error {
	return s.updatePassword(ctx, userID, map[string]any{
		"reset_password_secret":    secret,
		"reset_password_requested": at,
	})
}

func (s *Store) ClearResetSecret(ctx context.Context, userID int64) error {
	return s.updatePassword(ctx, userID, map[string]any{
		"reset_password_secret":    nil,
		"reset_password_requested": nil,
	})
}

// ConsumeResetSecret is a single conditional update so two concurrent
// redemptions of the same secret cannot both succeed.
func (s *Store) ConsumeResetSecret(ctx context.Context, userID int64, secret, newHash string) error {
	if secret == "" {
		return acc.ErrInvalidSecret
	}
	res := s.db.WithContext(ctx).Model(&PasswordModel{}).
		Where("user_id = ? AND reset_password_secret = ?", userID, secret).
		Updates(map[string]any{
			"password_hash":            newHash,
			"reset_password_secret":    nil,
			"reset_password_requested": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return acc.ErrInvalidSecret
	}
	return nil
}

func (s *Store) updatePassword(ctx context.Context, userID int64, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&PasswordModel{}).Where("user_id = ?", userID).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: password of user %d", acc.ErrNotFound, userID)
	}
	return nil
}

// =============================================================================
// IdentityStore
// =============================================================================

func (s *Store) CreateUserWithOAuth2(ctx context.Context, email, provider, uid string) (out *acc.User, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := createUser(tx, email)
		if err != nil {
			return err
		}
		if err := linkOAuth2(tx, m.ID, provider, uid); err != nil {
			return err
		}
		out = m.ToUser()
		return nil
	})
	return
}

func (s *Store) CreateUserWithOpenID(ctx context.Context, email, identity string) (out *acc.User, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := createUser(tx, email)
		if err != nil {
			return err
		}
		if err := linkOpenID(tx, m.ID, identity); err != nil {
			return err
		}
		out = m.ToUser()
		return nil
	})
	return
}

func linkOAuth2(tx *gorm.DB, userID int64, provider, uid string) error {
	err := tx.Create(&OAuth2IdentityModel{UserID: userID, Provider: provider, UID: uid}).Error
	return mapError(err, acc.ErrDuplicateIdentity, provider+":"+uid)
}

func linkOpenID(tx *gorm.DB, userID int64, identity string) error {
	err := tx.Create(&OpenIDIdentityModel{UserID: userID, Identity: identity}).Error
	return mapError(err, acc.ErrDuplicateIdentity, "openid:"+identity)
}

func (s *Store) LinkOAuth2(ctx context.Context, userID int64, provider, uid string) error {
	return linkOAuth2(s.db.WithContext(ctx), userID, provider, uid)
}

func (s *Store) LinkOpenID(ctx context.Context, userID int64, identity string) error {
	return linkOpenID(s.db.WithContext(ctx), userID, identity)
}

func (s *Store) UnlinkOpenID(ctx context.Context, userID int64, identity string) error {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND identity = ?", userID, identity).
		Delete(&OpenIDIdentityModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: openid:%s for user %d", acc.ErrNotFound, identity, userID)
	}
	return nil
}

func (s *Store) ListOAuth2Identities(ctx context.Context, userID int64) ([]*acc.OAuth2Identity, error) {
	var models []OAuth2IdentityModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*acc.OAuth2Identity, len(models))
	for i := range models {
		out[i] = models[i].ToIdentity()
	}
	return out, nil
}

func (s *Store) ListOpenIDIdentities(ctx context.Context, userID int64) ([]*acc.OpenIDIdentity, error) {
	var models []OpenIDIdentityModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*acc.OpenIDIdentity, len(models))
	for i := range models {
		out[i] = models[i].ToIdentity()
	}
	return out, nil
}

// =============================================================================
// SessionKeyStore
// =============================================================================

func (s *Store) InsertSessionKey(ctx context.Context, userID int64, at time.Time) (string, error) {
	key, err := acc.NewSessionKey()
	if err != nil {
		return "", err
	}
	if err := s.db.WithContext(ctx).Create(&SessionKeyModel{UserID: userID, UserKey: key, CreatedAt: at}).Error; err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) FindSessionKey(ctx context.Context, userID int64, key string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&SessionKeyModel{}).
		Where("user_id = ? AND user_key = ?", userID, key).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) DeleteSessionKey(ctx context.Context, userID int64, key string) error {
	return s.db.WithContext(ctx).
		Where("user_id = ? AND user_key = ?", userID, key).
		Delete(&SessionKeyModel{}).Error
}

func (s *Store) PruneSessionKeys(ctx context.Context, userID int64, olderThan time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID, olderThan).
		Delete(&SessionKeyModel{})
	return int(res.RowsAffected), res.Error
}
