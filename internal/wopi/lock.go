// Package wopi arbitrates edit locks for files opened in an office editor.
package wopi

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"sync"
	"time"
)

// DefaultLockTTL is how long a lock lives without a refresh.
const DefaultLockTTL = 30 * time.Minute

// Status tags the outcome of a lock operation.
type Status int

const (
	StatusOK Status = iota
	// StatusConflict means another lock id owns the file.
	StatusConflict
	// StatusNotFound means a refresh found nothing to refresh.
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusConflict:
		return "conflict"
	case StatusNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Result is returned by every mutating operation. CurrentLockID is the id of
// the live lock that caused a conflict and is empty for StatusOK and
// StatusNotFound.
type Result struct {
	Status        Status
	CurrentLockID string
}

func (r Result) OK() bool {
	return r.Status == StatusOK
}

type lock struct {
	id        string
	expiresAt time.Time
}

func (l lock) liveAt(now time.Time) bool {
	return now.Before(l.expiresAt)
}

// Registry holds at most one live lock per file id. Expired entries are only
// removed when an operation touches the same file id.
type Registry struct {
	mu         sync.Mutex
	locks      map[string]lock
	defaultTTL time.Duration
}

// NewRegistry creates an empty registry. A non-positive ttl selects DefaultLockTTL.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Registry{
		locks:      make(map[string]lock),
		defaultTTL: ttl,
	}
}

// DefaultTTL reports the ttl applied when callers pass zero.
func (r *Registry) DefaultTTL() time.Duration {
	return r.defaultTTL
}

// live returns the lock for fileID if it has not expired, purging it otherwise.
// Callers must hold r.mu.
func (r *Registry) live(fileID string, now time.Time) (lock, bool) {
	existing, ok := r.locks[fileID]
	if !ok {
		return lock{}, false
	}
	if !existing.liveAt(now) {
		delete(r.locks, fileID)
		return lock{}, false
	}
	return existing, true
}

func (r *Registry) install(fileID, lockID string, now time.Time, ttl time.Duration) {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	r.locks[fileID] = lock{id: lockID, expiresAt: now.Add(ttl)}
}

// GetLock returns the live lock id for fileID.
func (r *Registry) GetLock(fileID string, now time.Time) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.live(fileID, now)
	if !ok {
		return "", false
	}
	return existing.id, true
}

// TryLock installs lockID on an unlocked file. Locking again with the id that
// already owns the file refreshes its expiry.
func (r *Registry) TryLock(fileID, lockID string, now time.Time, ttl time.Duration) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.live(fileID, now); ok && existing.id != lockID {
		return Result{Status: StatusConflict, CurrentLockID: existing.id}
	}
	r.install(fileID, lockID, now, ttl)
	return Result{Status: StatusOK}
}

// TryUnlock removes the lock owned by lockID. Unlocking a file that has no
// live lock succeeds.
func (r *Registry) TryUnlock(fileID, lockID string, now time.Time) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.live(fileID, now)
	if !ok {
		return Result{Status: StatusOK}
	}
	if existing.id != lockID {
		return Result{Status: StatusConflict, CurrentLockID: existing.id}
	}
	delete(r.locks, fileID)
	return Result{Status: StatusOK}
}

// TryRefreshLock extends the expiry of the lock owned by lockID.
func (r *Registry) TryRefreshLock(fileID, lockID string, now time.Time, ttl time.Duration) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.live(fileID, now)
	if !ok {
		return Result{Status: StatusNotFound}
	}
	if existing.id != lockID {
		return Result{Status: StatusConflict, CurrentLockID: existing.id}
	}
	r.install(fileID, lockID, now, ttl)
	return Result{Status: StatusOK}
}

// TryUnlockAndRelock swaps the lock id from oldLockID to newLockID in one step.
// It also succeeds when the file has no live lock.
func (r *Registry) TryUnlockAndRelock(fileID, oldLockID, newLockID string, now time.Time, ttl time.Duration) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.live(fileID, now); ok && existing.id != oldLockID {
		return Result{Status: StatusConflict, CurrentLockID: existing.id}
	}
	r.install(fileID, newLockID, now, ttl)
	return Result{Status: StatusOK}
}

// ResetAllLocks drops every lock, live or expired.
func (r *Registry) ResetAllLocks() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks = make(map[string]lock)
}

// Len counts stored entries, including expired ones nobody has touched yet.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// FileID derives the stable lock key for a storage path.
func FileID(filePath string) string {
	cleaned := path.Clean("/" + filePath)
	sum := sha256.Sum256([]byte(cleaned))
	return hex.EncodeToString(sum[:])
}
