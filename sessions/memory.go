package sessions

import (
	"context"
	"sync"
	"time"

	acc "github.com/panyam/accounts"
)

// MemoryStore is an in-process SessionStore. The zero value is a session
// that has not been started.
type MemoryStore struct {
	mu      sync.Mutex
	started bool
	values  map[string]string
	renewed int
}

var (
	_ acc.SessionStore   = (*MemoryStore)(nil)
	_ acc.SessionRenewer = (*MemoryStore)(nil)
)

// NewMemoryStore returns a started, empty session.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.Start()
	return s
}

func (s *MemoryStore) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	if s.values == nil {
		s.values = map[string]string{}
	}
}

func (s *MemoryStore) Active(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *MemoryStore) Get(ctx context.Context, key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

func (s *MemoryStore) Put(ctx context.Context, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = map[string]string{}
	}
	s.values[key] = value
}

func (s *MemoryStore) Remove(ctx context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

func (s *MemoryStore) Renew(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewed++
	return nil
}

// Renewals returns how many times Renew was called.
func (s *MemoryStore) Renewals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renewed
}

// MemoryCarrier is an AutoLoginCarrier held in memory. It stands in for the
// browser's cookie jar across simulated sessions.
type MemoryCarrier struct {
	mu      sync.Mutex
	cred    *acc.AutoLoginCredential
	expires time.Time

	// Now is used to expire the credential. Defaults to time.Now.
	Now func() time.Time
}

var _ acc.AutoLoginCarrier = (*MemoryCarrier)(nil)

func (c *MemoryCarrier) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *MemoryCarrier) Load(ctx context.Context) (acc.AutoLoginCredential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cred == nil || !c.now().Before(c.expires) {
		return acc.AutoLoginCredential{}, false
	}
	return *c.cred, true
}

func (c *MemoryCarrier) Save(ctx context.Context, cred acc.AutoLoginCredential, expires time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred = &cred
	c.expires = expires
	return nil
}

func (c *MemoryCarrier) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred = nil
	c.expires = time.Time{}
	return nil
}
