// Package ratelimit implements the request limiters that guard the public
// HTTP surface and the login path. Windows are reset-on-expiry counters,
// not rolling averages: once a key's window elapses the next request starts
// a fresh count. All state is process-local and mutex-guarded; a
// multi-process deployment must swap these maps for a shared atomic store.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateLimitedError is returned when a key has exhausted its window.
// RetryAfter is how long the caller should wait before trying again.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (e *RateLimitedError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Info reports the state of a key's window after an Allow call.
type Info struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

type entry struct {
	count     int
	resetAt   time.Time
	firstSeen time.Time
}

// Limiter counts requests per key within a fixed reset window.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	limit  int
	window time.Duration
	clock  clockwork.Clock
}

// Option tweaks a limiter at construction.
type Option func(*options)

type options struct {
	clock clockwork.Clock
}

// WithClock injects a clock; tests use clockwork fake clocks.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// NewLimiter builds a limiter allowing limit requests per window per key.
func NewLimiter(limit int, window time.Duration, opts ...Option) *Limiter {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Limiter{
		entries: make(map[string]*entry),
		limit:   limit,
		window:  window,
		clock:   o.clock,
	}
}

// Allow records one request for key. When the key is over its limit the
// count is left untouched and a *RateLimitedError is returned alongside the
// window metadata; otherwise the count is incremented and err is nil.
func (l *Limiter) Allow(key string) (Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	e, ok := l.entries[key]
	if !ok || !now.Before(e.resetAt) {
		e = &entry{resetAt: now.Add(l.window), firstSeen: now}
		l.entries[key] = e
	}

	if e.count >= l.limit {
		return Info{Limit: l.limit, Remaining: 0, Reset: e.resetAt},
			&RateLimitedError{RetryAfter: e.resetAt.Sub(now)}
	}

	e.count++
	return Info{Limit: l.limit, Remaining: l.limit - e.count, Reset: e.resetAt}, nil
}

// EntryCount reports how many keys currently hold a window.
func (l *Limiter) EntryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// RunCleanup purges expired windows every interval until ctx is done.
// Run it in its own goroutine; expired keys are also replaced lazily on
// Allow, so cleanup only bounds memory for keys that go quiet.
func (l *Limiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	for key, e := range l.entries {
		if !now.Before(e.resetAt) {
			delete(l.entries, key)
		}
	}
}
