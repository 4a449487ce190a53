package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type authEntry struct {
	failures  int
	resetAt   time.Time
	firstSeen time.Time
}

// AuthLimiter counts failed login attempts per key. Reaching maxAttempts
// within the window extends the entry's reset time to now+blockDuration, so
// the key stays blocked well past the counting window. A successful login
// clears the key outright.
type AuthLimiter struct {
	mu      sync.Mutex
	entries map[string]*authEntry

	maxAttempts   int
	window        time.Duration
	blockDuration time.Duration
	clock         clockwork.Clock
}

// NewAuthLimiter builds the failed-login limiter. blockDuration is normally
// longer than window.
func NewAuthLimiter(maxAttempts int, window, blockDuration time.Duration, opts ...Option) *AuthLimiter {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	return &AuthLimiter{
		entries:       make(map[string]*authEntry),
		maxAttempts:   maxAttempts,
		window:        window,
		blockDuration: blockDuration,
		clock:         o.clock,
	}
}

// Check reports whether key is currently blocked. Call before verifying
// credentials; a *RateLimitedError means the attempt must be rejected
// without even looking at the password.
func (a *AuthLimiter) Check(key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	e, ok := a.entries[key]
	if !ok {
		return nil
	}
	if !now.Before(e.resetAt) {
		delete(a.entries, key)
		return nil
	}
	if e.failures >= a.maxAttempts {
		return &RateLimitedError{RetryAfter: e.resetAt.Sub(now)}
	}
	return nil
}

// RecordFailure counts one failed attempt for key and reports whether that
// attempt crossed the threshold and escalated into a block.
func (a *AuthLimiter) RecordFailure(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	e, ok := a.entries[key]
	if !ok || !now.Before(e.resetAt) {
		e = &authEntry{resetAt: now.Add(a.window), firstSeen: now}
		a.entries[key] = e
	}

	e.failures++
	if e.failures >= a.maxAttempts {
		// Punitive extension: the key stays blocked past the counting window.
		e.resetAt = now.Add(a.blockDuration)
		return true
	}
	return false
}

// Clear wipes the failure count for key. Called on successful login.
func (a *AuthLimiter) Clear(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, key)
}

// EntryCount reports how many keys currently hold a failure count.
func (a *AuthLimiter) EntryCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// RunCleanup purges expired entries every interval until ctx is done.
func (a *AuthLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			a.sweep()
		}
	}
}

func (a *AuthLimiter) sweep() {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.Now()
	for key, e := range a.entries {
		if !now.Before(e.resetAt) {
			delete(a.entries, key)
		}
	}
}
