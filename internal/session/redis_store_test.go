package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"surat/api/internal/store"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	sessions, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return sessions, s
}

func testUser(id string) store.User {
	unitID := "unit-dpc-bdg"
	return store.User{
		ID:          id,
		DisplayName: "Dewi",
		UnitID:      &unitID,
	}
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	sessions, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer sessions.Close()

	ctx := context.Background()
	if err := sessions.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	sessions, s := setupTestRedis(t)
	defer sessions.Close()
	defer s.Close()

	ctx := context.Background()
	tokenHash := "test-token-hash"
	expiresAt := time.Now().Add(24 * time.Hour)

	err := sessions.SaveRefreshSession(ctx, tokenHash, testUser("user-123"), expiresAt)
	if err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	user, err := sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}

	if user.ID != "user-123" {
		t.Errorf("expected user ID user-123, got %s", user.ID)
	}
	if user.UnitID == nil || *user.UnitID != "unit-dpc-bdg" {
		t.Errorf("expected unit unit-dpc-bdg, got %v", user.UnitID)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	sessions, s := setupTestRedis(t)
	defer sessions.Close()
	defer s.Close()

	ctx := context.Background()
	tokenHash := "expired-token"

	expiresAt := time.Now().Add(1 * time.Millisecond)
	err := sessions.SaveRefreshSession(ctx, tokenHash, testUser("user-456"), expiresAt)
	if err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	s.FastForward(2 * time.Millisecond)

	_, err = sessions.LookupRefreshSession(ctx, tokenHash)
	if err == nil {
		t.Error("expected error for expired token, got nil")
	}
}

func TestLookupNonExistentSession(t *testing.T) {
	sessions, s := setupTestRedis(t)
	defer sessions.Close()
	defer s.Close()

	ctx := context.Background()

	_, err := sessions.LookupRefreshSession(ctx, "non-existent-token")
	if err == nil {
		t.Error("expected error for non-existent token, got nil")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	sessions, s := setupTestRedis(t)
	defer sessions.Close()
	defer s.Close()

	ctx := context.Background()
	tokenHash := "token-to-revoke"
	expiresAt := time.Now().Add(24 * time.Hour)

	err := sessions.SaveRefreshSession(ctx, tokenHash, testUser("user-789"), expiresAt)
	if err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	_, err = sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		t.Fatalf("Lookup before revoke failed: %v", err)
	}

	err = sessions.RevokeRefreshSession(ctx, tokenHash)
	if err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}

	_, err = sessions.LookupRefreshSession(ctx, tokenHash)
	if err == nil {
		t.Error("expected error for revoked token, got nil")
	}
}

func TestSessionIsolation(t *testing.T) {
	sessions, s := setupTestRedis(t)
	defer sessions.Close()
	defer s.Close()

	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	err := sessions.SaveRefreshSession(ctx, "token-1", testUser("user-1"), expiresAt)
	if err != nil {
		t.Fatalf("SaveRefreshSession 1 failed: %v", err)
	}

	err = sessions.SaveRefreshSession(ctx, "token-2", testUser("user-2"), expiresAt)
	if err != nil {
		t.Fatalf("SaveRefreshSession 2 failed: %v", err)
	}

	user1, err := sessions.LookupRefreshSession(ctx, "token-1")
	if err != nil {
		t.Fatalf("Lookup token-1 failed: %v", err)
	}
	if user1.ID != "user-1" {
		t.Errorf("expected user-1, got %s", user1.ID)
	}

	if err := sessions.RevokeRefreshSession(ctx, "token-1"); err != nil {
		t.Fatalf("Revoke token-1 failed: %v", err)
	}

	if _, err := sessions.LookupRefreshSession(ctx, "token-1"); err == nil {
		t.Error("expected error for revoked token-1, got nil")
	}

	user2, err := sessions.LookupRefreshSession(ctx, "token-2")
	if err != nil {
		t.Fatalf("Lookup token-2 after revoke failed: %v", err)
	}
	if user2.ID != "user-2" {
		t.Errorf("expected user-2 after revoke, got %s", user2.ID)
	}
}
