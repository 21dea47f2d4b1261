package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func sampleData(userID string) Data {
	return Data{
		UserID:    userID,
		Username:  "avery",
		Role:      "editor",
		Issuer:    "https://idp.example",
		IDToken:   "header.payload.sig",
		CreatedAt: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url://"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveAndLookup(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Save(ctx, "ses_1", sampleData("user-123"), time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := store.Lookup(ctx, "ses_1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got.UserID != "user-123" || got.IDToken != "header.payload.sig" || !got.CreatedAt.Equal(sampleData("").CreatedAt) {
		t.Errorf("unexpected session %+v", got)
	}
}

func TestSessionKeyIsHashed(t *testing.T) {
	store, s := setupTestRedis(t)
	if err := store.Save(context.Background(), "ses_secret", sampleData("u"), time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if s.Exists("session:ses_secret") {
		t.Fatal("expected raw session id not to be used as key")
	}
	if len(s.Keys()) != 1 {
		t.Fatalf("expected one key, got %v", s.Keys())
	}
}

func TestLookupExpiredSession(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Save(ctx, "ses_short", sampleData("user-456"), time.Second); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.FastForward(2 * time.Second)

	if _, err := store.Lookup(ctx, "ses_short"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for expired session, got %v", err)
	}
}

func TestLookupDefaultsRole(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	data := sampleData("user-1")
	data.Role = ""
	if err := store.Save(ctx, "ses_1", data, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := store.Lookup(ctx, "ses_1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got.Role != "viewer" {
		t.Fatalf("expected viewer, got %q", got.Role)
	}
}

func TestRevoke(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Save(ctx, "ses_1", sampleData("user-1"), time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save(ctx, "ses_2", sampleData("user-2"), time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Revoke(ctx, "ses_1"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := store.Lookup(ctx, "ses_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after revoke, got %v", err)
	}
	if got, err := store.Lookup(ctx, "ses_2"); err != nil || got.UserID != "user-2" {
		t.Errorf("expected ses_2 to survive, got %+v, %v", got, err)
	}
	if err := store.Revoke(ctx, "missing"); err != nil {
		t.Errorf("Revoke for unknown id failed: %v", err)
	}
}

func TestSaveRejectsNonPositiveTTL(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Save(context.Background(), "ses_1", sampleData("u"), 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}
