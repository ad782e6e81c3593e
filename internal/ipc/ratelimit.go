package ipc

import (
	"sync"
	"time"
)

// RateLimiter bounds connection attempts per peer identity over a sliding
// window. Identities are UID strings on Unix and SIDs on Windows.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string][]time.Time // oldest first
}

// NewRateLimiter allows limit attempts per identity in any window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		seen:   make(map[string][]time.Time),
	}
}

// Allow records an attempt for identity. When the identity is over its
// limit the attempt is not recorded and Allow returns false together with
// how long until the oldest attempt leaves the window.
func (r *RateLimiter) Allow(identity string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	live := r.trim(identity, now)
	if len(live) >= r.limit {
		return false, live[0].Add(r.window).Sub(now)
	}
	r.seen[identity] = append(live, now)
	return true, 0
}

// Prune forgets identities with no attempt left in the window.
func (r *RateLimiter) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for identity := range r.seen {
		if len(r.trim(identity, now)) == 0 {
			delete(r.seen, identity)
			removed++
		}
	}
	return removed
}

// Tracked returns how many identities currently have state.
func (r *RateLimiter) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

// Reset clears all state.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = make(map[string][]time.Time)
}

// trim drops expired attempts for identity. Callers hold mu.
func (r *RateLimiter) trim(identity string, now time.Time) []time.Time {
	attempts := r.seen[identity]
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(attempts) && !attempts[i].After(cutoff) {
		i++
	}
	live := attempts[i:]
	r.seen[identity] = live
	return live
}
