package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is the single-process fallback used when REDIS_URL is unset.
type MemoryStore struct {
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]memoryEntry
}

type memoryEntry struct {
	data      Data
	expiresAt time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, sessions: map[string]memoryEntry{}}
}

func (s *MemoryStore) Save(_ context.Context, id string, data Data, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("save session: ttl must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, entry := range s.sessions {
		if !now.Before(entry.expiresAt) {
			delete(s.sessions, key)
		}
	}
	s.sessions[id] = memoryEntry{data: data, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryStore) Lookup(_ context.Context, id string) (Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		return Data{}, ErrNotFound
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.sessions, id)
		return Data{}, ErrNotFound
	}
	data := entry.data
	if data.Role == "" {
		data.Role = "viewer"
	}
	return data, nil
}

func (s *MemoryStore) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
