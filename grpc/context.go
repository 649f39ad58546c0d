// Package grpc carries account sessions over gRPC metadata. Clients send the
// session identifiers issued by SessionManager.Persist; the server
// interceptors validate them and place the resolved user in the context.
package grpc

import (
	"context"
	"strconv"
	"sync"

	"google.golang.org/grpc/metadata"

	acc "github.com/panyam/accounts"
)

// Default metadata keys for the session identifiers.
const (
	DefaultMetadataKeyUserID     = "x-user-id"
	DefaultMetadataKeySessionKey = "x-session-key"
)

// Config holds the metadata key configuration.
type Config struct {
	// MetadataKeyUserID defaults to "x-user-id".
	MetadataKeyUserID string

	// MetadataKeySessionKey defaults to "x-session-key".
	MetadataKeySessionKey string
}

func DefaultConfig() *Config {
	return &Config{
		MetadataKeyUserID:     DefaultMetadataKeyUserID,
		MetadataKeySessionKey: DefaultMetadataKeySessionKey,
	}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyUserID == "" {
		c.MetadataKeyUserID = DefaultMetadataKeyUserID
	}
	if c.MetadataKeySessionKey == "" {
		c.MetadataKeySessionKey = DefaultMetadataKeySessionKey
	}
}

// MetadataSession is a read-mostly SessionStore over incoming metadata.
// Writes only live for the duration of the call. Calls are not a browser
// session, so auto-login is always disabled.
type MetadataSession struct {
	mu     sync.Mutex
	active bool
	values map[string]string
}

var _ acc.SessionStore = (*MetadataSession)(nil)

// NewMetadataSession reads the session identifiers from ctx. The session is
// inactive when ctx has no incoming metadata.
func NewMetadataSession(ctx context.Context, config *Config) *MetadataSession {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	s := &MetadataSession{values: map[string]string{acc.SessionNoAutoLogin: "1"}}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return s
	}
	s.active = true
	if v := md.Get(config.MetadataKeyUserID); len(v) > 0 {
		s.values[acc.SessionUserID] = v[0]
	}
	if v := md.Get(config.MetadataKeySessionKey); len(v) > 0 {
		s.values[acc.SessionUserKey] = v[0]
	}
	return s
}

func (s *MetadataSession) Active(ctx context.Context) bool { return s.active }

func (s *MetadataSession) Get(ctx context.Context, key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

func (s *MetadataSession) Put(ctx context.Context, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *MetadataSession) Remove(ctx context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

type userContextKey struct{}

// ContextWithUser returns a context carrying user.
func ContextWithUser(ctx context.Context, user *acc.User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the user placed by the interceptors, or nil.
func UserFromContext(ctx context.Context) *acc.User {
	user, _ := ctx.Value(userContextKey{}).(*acc.User)
	return user
}

// IsAuthenticated returns true if there is an authenticated user in the context.
func IsAuthenticated(ctx context.Context) bool {
	return UserFromContext(ctx) != nil
}

// SessionToOutgoingContext adds session identifiers to outgoing metadata.
func SessionToOutgoingContext(ctx context.Context, userID int64, sessionKey string) context.Context {
	return SessionToOutgoingContextWithConfig(ctx, userID, sessionKey, nil)
}

// SessionToOutgoingContextWithConfig is SessionToOutgoingContext with custom keys.
func SessionToOutgoingContextWithConfig(ctx context.Context, userID int64, sessionKey string, config *Config) context.Context {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()
	return metadata.AppendToOutgoingContext(ctx,
		config.MetadataKeyUserID, strconv.FormatInt(userID, 10),
		config.MetadataKeySessionKey, sessionKey)
}
