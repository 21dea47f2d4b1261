package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	if err := store.Save(ctx, "ses_1", sampleData("user-1"), time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if got, err := store.Lookup(ctx, "ses_1"); err != nil || got.UserID != "user-1" {
		t.Fatalf("expected session, got %+v, %v", got, err)
	}

	now = now.Add(time.Minute)
	if _, err := store.Lookup(ctx, "ses_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound at expiry, got %v", err)
	}

	if err := store.Save(ctx, "ses_2", sampleData("user-2"), time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Revoke(ctx, "ses_2"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := store.Lookup(ctx, "ses_2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after revoke, got %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}
