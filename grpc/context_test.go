package grpc

import (
	"context"
	"testing"

	"google.golang.org/grpc/metadata"

	acc "github.com/panyam/accounts"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.MetadataKeyUserID != DefaultMetadataKeyUserID {
		t.Errorf("expected MetadataKeyUserID %q, got %q", DefaultMetadataKeyUserID, config.MetadataKeyUserID)
	}
	if config.MetadataKeySessionKey != DefaultMetadataKeySessionKey {
		t.Errorf("expected MetadataKeySessionKey %q, got %q", DefaultMetadataKeySessionKey, config.MetadataKeySessionKey)
	}
}

func TestEnsureDefaults(t *testing.T) {
	config := &Config{MetadataKeyUserID: "x-uid"}
	config.EnsureDefaults()
	if config.MetadataKeyUserID != "x-uid" {
		t.Errorf("expected custom key to be kept, got %q", config.MetadataKeyUserID)
	}
	if config.MetadataKeySessionKey != DefaultMetadataKeySessionKey {
		t.Errorf("expected MetadataKeySessionKey %q, got %q", DefaultMetadataKeySessionKey, config.MetadataKeySessionKey)
	}
}

func TestMetadataSession_NoMetadata(t *testing.T) {
	ctx := context.Background()
	s := NewMetadataSession(ctx, nil)
	if s.Active(ctx) {
		t.Error("expected session without metadata to be inactive")
	}
}

func TestMetadataSession_WithIdentifiers(t *testing.T) {
	md := metadata.Pairs(DefaultMetadataKeyUserID, "12", DefaultMetadataKeySessionKey, "abc")
	ctx := metadata.NewIncomingContext(context.Background(), md)

	s := NewMetadataSession(ctx, nil)
	if !s.Active(ctx) {
		t.Fatal("expected session to be active")
	}
	if got := s.Get(ctx, acc.SessionUserID); got != "12" {
		t.Errorf("expected user id 12, got %q", got)
	}
	if got := s.Get(ctx, acc.SessionUserKey); got != "abc" {
		t.Errorf("expected key abc, got %q", got)
	}
	if s.Get(ctx, acc.SessionNoAutoLogin) == "" {
		t.Error("expected auto-login to be disabled for grpc sessions")
	}

	s.Put(ctx, acc.SessionIdentity, "password")
	if got := s.Get(ctx, acc.SessionIdentity); got != "password" {
		t.Errorf("expected identity to be stored, got %q", got)
	}
	s.Remove(ctx, acc.SessionIdentity)
	if got := s.Get(ctx, acc.SessionIdentity); got != "" {
		t.Errorf("expected identity to be removed, got %q", got)
	}
}

func TestMetadataSession_CustomKeys(t *testing.T) {
	md := metadata.Pairs("uid", "5", "skey", "k")
	ctx := metadata.NewIncomingContext(context.Background(), md)

	s := NewMetadataSession(ctx, &Config{MetadataKeyUserID: "uid", MetadataKeySessionKey: "skey"})
	if s.Get(ctx, acc.SessionUserID) != "5" || s.Get(ctx, acc.SessionUserKey) != "k" {
		t.Error("expected custom metadata keys to be read")
	}
}

func TestSessionToOutgoingContext(t *testing.T) {
	ctx := SessionToOutgoingContext(context.Background(), 42, "secret-key")

	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		t.Fatal("expected outgoing metadata")
	}
	if values := md.Get(DefaultMetadataKeyUserID); len(values) != 1 || values[0] != "42" {
		t.Errorf("expected user id 42, got %v", values)
	}
	if values := md.Get(DefaultMetadataKeySessionKey); len(values) != 1 || values[0] != "secret-key" {
		t.Errorf("expected session key, got %v", values)
	}
}

func TestUserFromContext(t *testing.T) {
	if UserFromContext(context.Background()) != nil {
		t.Error("expected no user in empty context")
	}
	if IsAuthenticated(context.Background()) {
		t.Error("expected empty context to be unauthenticated")
	}

	user := &acc.User{ID: 3}
	ctx := ContextWithUser(context.Background(), user)
	if UserFromContext(ctx) != user {
		t.Error("expected user to round trip through context")
	}
	if !IsAuthenticated(ctx) {
		t.Error("expected context with user to be authenticated")
	}
}
