// Package guard holds the instance-local request limiter used in front of
// claim redemption.
//
// Counts live in process memory only: two instances behind a load balancer
// each see part of the traffic. The durable, shared protection is the
// persisted lockout counter in storage; this limiter only sheds bursts.
package guard

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultWindow is the fixed counting window
	DefaultWindow = time.Minute

	// DefaultMaxKeys bounds how many distinct keys are tracked at once
	DefaultMaxKeys = 100_000
)

type window struct {
	count   int
	resetAt time.Time
}

// Limiter counts hits per key inside a fixed window that starts on the first
// hit and rolls over once it has elapsed.
type Limiter struct {
	mu      sync.Mutex
	windows *lru.Cache[string, *window]
	span    time.Duration
	now     func() time.Time
}

// Option configures a Limiter
type Option func(*Limiter)

// WithWindow overrides the counting window
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) { l.span = d }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter tracking at most maxKeys keys; the least recently
// used key is forgotten when full.
func New(maxKeys int, opts ...Option) (*Limiter, error) {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	cache, err := lru.New[string, *window](maxKeys)
	if err != nil {
		return nil, err
	}

	l := &Limiter{
		windows: cache,
		span:    DefaultWindow,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Allow records a hit for key and reports whether it stays within limit.
// A limit <= 0 disables the check.
func (l *Limiter) Allow(key string, limit int) bool {
	if limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows.Get(key)
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(l.span)}
		l.windows.Add(key, w)
	}

	w.count++
	return w.count <= limit
}

// tracked returns the number of keys currently held
func (l *Limiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.windows.Len()
}
