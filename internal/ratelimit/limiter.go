// Package ratelimit implements a per-client sliding window log.
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxClients bounds the number of client windows kept in memory
const DefaultMaxClients = 10000

// Limiter tracks recent admissions per client key. Each boundary should own
// its own Limiter so that budgets do not consume each other.
type Limiter struct {
	mu      sync.Mutex
	windows *lru.Cache[string, []time.Time]
	now     func() time.Time
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter that remembers at most maxClients client keys.
// The least recently seen key is forgotten first.
func New(maxClients int, opts ...Option) *Limiter {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	// lru.New only fails for a non-positive size
	windows, _ := lru.New[string, []time.Time](maxClients)

	l := &Limiter{
		windows: windows,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit records a request for clientKey and reports whether it fits in
// maxRequests over the trailing window. Rejected requests are not recorded.
func (l *Limiter) Admit(clientKey string, maxRequests int, window time.Duration) bool {
	if clientKey == "" {
		clientKey = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-window)

	stamps, _ := l.windows.Get(clientKey)
	kept := prune(stamps, windowStart)

	if len(kept) >= maxRequests {
		l.windows.Add(clientKey, kept)
		return false
	}

	l.windows.Add(clientKey, append(kept, now))
	return true
}

// prune drops timestamps at or before windowStart. Stamps are appended in
// clock order so the survivors are a suffix.
func prune(stamps []time.Time, windowStart time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(windowStart) {
		i++
	}
	if i == 0 {
		return stamps
	}
	kept := make([]time.Time, len(stamps)-i, len(stamps)-i+1)
	copy(kept, stamps[i:])
	return kept
}

// count returns the number of admissions for clientKey still inside window
func (l *Limiter) count(clientKey string, window time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	stamps, ok := l.windows.Peek(clientKey)
	if !ok {
		return 0
	}
	return len(prune(stamps, l.now().Add(-window)))
}

// clients returns the number of client keys currently tracked
func (l *Limiter) clients() int {
	return l.windows.Len()
}
