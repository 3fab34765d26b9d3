// Package limiter gates remote calls while the remote service asks us to back off.
package limiter

import (
	"sync"
	"time"
)

// Limiter controls remote calls and temporary lockouts.
type Limiter interface {
	// Allow reports whether a remote call is currently allowed and an optional retry-after.
	Allow() (bool, time.Duration)
	// Success resets the consecutive failure counter.
	Success()
	// Failure records a rate-limit response and returns how long calls are blocked.
	Failure(retryAfter time.Duration) time.Duration
	// Block forbids calls for d without counting a failure (remote Backoff hint).
	Block(d time.Duration)
}

// Backoff is an in-process Limiter with exponential lockout.
type Backoff struct {
	mu           sync.Mutex
	base         time.Duration
	max          time.Duration
	fails        int
	blockedUntil time.Time
	now          func() time.Time
}

// NewBackoff constructs a limiter whose lockout starts at base and doubles up to max.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = 5 * time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, now: time.Now}
}

// Allow reports whether calls are currently allowed and the retry-after duration.
func (b *Backoff) Allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if b.blockedUntil.After(now) {
		return false, b.blockedUntil.Sub(now)
	}
	return true, 0
}

// Success resets the failure counter; an active block stays in place.
func (b *Backoff) Success() {
	b.mu.Lock()
	b.fails = 0
	b.mu.Unlock()
}

// Failure records a rate-limited response. The block lasts for the larger of
// retryAfter and the exponential lockout for the current failure streak.
func (b *Backoff) Failure(retryAfter time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fails++
	d := b.base
	for i := 1; i < b.fails && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	if retryAfter > d {
		d = retryAfter
	}
	b.extend(d)
	return d
}

// Block forbids calls for d.
func (b *Backoff) Block(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	b.extend(d)
	b.mu.Unlock()
}

func (b *Backoff) extend(d time.Duration) {
	until := b.now().Add(d)
	if until.After(b.blockedUntil) {
		b.blockedUntil = until
	}
}
