// Package sessions adapts concrete session transports to the accounts
// SessionStore and AutoLoginCarrier interfaces.
package sessions

import (
	"context"

	"github.com/alexedwards/scs/v2"

	acc "github.com/panyam/accounts"
)

// SCSStore exposes an scs session manager as an accounts.SessionStore. The
// request must pass through the manager's LoadAndSave middleware, otherwise
// the store reports itself as not active.
type SCSStore struct {
	Manager *scs.SessionManager
}

var (
	_ acc.SessionStore   = (*SCSStore)(nil)
	_ acc.SessionRenewer = (*SCSStore)(nil)
)

func NewSCSStore(manager *scs.SessionManager) *SCSStore {
	return &SCSStore{Manager: manager}
}

// Active reports whether ctx carries loaded session data. scs panics when it
// does not, so the check recovers.
func (s *SCSStore) Active(ctx context.Context) (active bool) {
	if s == nil || s.Manager == nil || ctx == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			active = false
		}
	}()
	s.Manager.Status(ctx)
	return true
}

func (s *SCSStore) Get(ctx context.Context, key string) string {
	return s.Manager.GetString(ctx, key)
}

func (s *SCSStore) Put(ctx context.Context, key, value string) {
	s.Manager.Put(ctx, key, value)
}

func (s *SCSStore) Remove(ctx context.Context, key string) {
	s.Manager.Remove(ctx, key)
}

// Renew rotates the session token, keeping the session data.
func (s *SCSStore) Renew(ctx context.Context) error {
	return s.Manager.RenewToken(ctx)
}
