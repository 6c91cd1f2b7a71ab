// Package throttle rate-limits judge-mode runs per caller, challenge and set.
package throttle

import (
	"sync"
	"time"
)

// DefaultWindow is the minimum spacing between two allowed judge runs for the
// same key.
const DefaultWindow = 30 * time.Second

// pruneFactor controls how long an idle key is remembered, in windows.
const pruneFactor = 5

// Key identifies who is evaluating what.
type Key struct {
	Caller    string
	Challenge string
	Set       string
}

// Decision is the outcome of CheckAndRecord. When Allowed is false,
// RetryAfter says how long the caller must wait.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Store is the throttle registry. Implementations must be safe for
// concurrent use.
type Store interface {
	CheckAndRecord(key Key, now time.Time) Decision
}

// MemoryStore keeps the last allowed call per key in memory. Losing it on
// restart is acceptable.
type MemoryStore struct {
	window time.Duration

	mu        sync.Mutex
	last      map[Key]time.Time
	lastPrune time.Time
}

// NewMemoryStore creates a store enforcing window between calls. A
// non-positive window uses DefaultWindow.
func NewMemoryStore(window time.Duration) *MemoryStore {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryStore{window: window, last: make(map[Key]time.Time)}
}

// Window returns the enforced spacing.
func (s *MemoryStore) Window() time.Duration { return s.window }

// CheckAndRecord allows the call when no call for key was allowed within the
// window, and records now in that case. Rejected calls are not recorded, so
// retrying does not extend the wait.
func (s *MemoryStore) CheckAndRecord(key Key, now time.Time) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(now)

	if prev, ok := s.last[key]; ok {
		if elapsed := now.Sub(prev); elapsed < s.window {
			return Decision{RetryAfter: s.window - elapsed}
		}
	}
	s.last[key] = now
	return Decision{Allowed: true}
}

// Len returns the number of remembered keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.last)
}

// pruneLocked drops keys idle for more than pruneFactor windows. It runs at
// most once per window.
func (s *MemoryStore) pruneLocked(now time.Time) {
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < s.window {
		return
	}
	s.lastPrune = now
	cutoff := now.Add(-pruneFactor * s.window)
	for k, t := range s.last {
		if t.Before(cutoff) {
			delete(s.last, k)
		}
	}
}
