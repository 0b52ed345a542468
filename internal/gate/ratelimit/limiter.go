// Package ratelimit implements per-identity token-bucket admission control
// for the request gate.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of a single admission check.
type Decision struct {
	// Admitted reports whether the request may proceed.
	Admitted bool
	// RetryAfter is how long the caller should wait before the next attempt.
	// Only set when the request was not admitted.
	RetryAfter time.Duration
	// Remaining is the token balance left in the bucket after this call.
	Remaining float64
}

// Config controls the limiter. Capacity (burst) equals RequestsPerMinute and
// tokens refill continuously at RequestsPerMinute/60 per second.
type Config struct {
	// RequestsPerMinute is the sustained admission rate and burst size.
	RequestsPerMinute int
	// IdleTTL, when positive, enables a background sweep that evicts buckets
	// untouched for at least this long. Zero keeps buckets forever.
	IdleTTL time.Duration
}

// bucket is the per-identity token state. Each bucket has its own mutex so
// different identities never contend on a shared critical section.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// Limiter admits requests per identity using a token bucket. Buckets are
// created lazily on first sight of an identity.
type Limiter struct {
	enabled  bool
	capacity float64
	rate     float64 // tokens per second
	idleTTL  time.Duration

	mu      sync.RWMutex
	buckets map[string]*bucket
}

// New builds an enabled limiter from cfg. RequestsPerMinute values below 1
// are clamped to 1.
func New(cfg Config) *Limiter {
	rpm := cfg.RequestsPerMinute
	if rpm < 1 {
		rpm = 1
	}
	return &Limiter{
		enabled:  true,
		capacity: float64(rpm),
		rate:     float64(rpm) / 60,
		idleTTL:  cfg.IdleTTL,
		buckets:  make(map[string]*bucket),
	}
}

// NewDisabled returns a limiter that admits everything and never creates
// bucket state.
func NewDisabled() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket)}
}

// Admit consumes one token from the identity's bucket if available.
func (l *Limiter) Admit(identity string) Decision {
	return l.admit(identity, time.Now())
}

// admit is the clock-explicit core of Admit. The caller must NOT hold any
// limiter lock.
func (l *Limiter) admit(identity string, now time.Time) Decision {
	if !l.enabled {
		return Decision{Admitted: true}
	}

	b := l.bucket(identity, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = min(l.capacity, b.tokens+elapsed*l.rate)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Admitted: true, Remaining: b.tokens}
	}
	retry := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
	return Decision{RetryAfter: retry, Remaining: b.tokens}
}

// bucket returns the identity's bucket, creating it full on first sight.
func (l *Limiter) bucket(identity string, now time.Time) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[identity]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[identity]; ok {
		return b
	}
	b = &bucket{tokens: l.capacity, lastRefill: now}
	l.buckets[identity] = b
	return b
}

// StartSweep launches a background goroutine that evicts idle buckets until
// ctx is cancelled. It is a no-op when IdleTTL is zero or the limiter is
// disabled.
func (l *Limiter) StartSweep(ctx context.Context) {
	if !l.enabled || l.idleTTL <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(l.idleTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				l.sweep(now)
			}
		}
	}()
}

// sweep removes buckets idle for at least IdleTTL. Lock order is map lock
// then bucket lock; Admit takes only the bucket lock after its map lookup,
// so the two never deadlock. An idle bucket is full by definition, so a
// racing caller that still holds a pointer to an evicted bucket loses at
// most one token of accounting.
func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for identity, b := range l.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastRefill) >= l.idleTTL
		b.mu.Unlock()
		if idle {
			delete(l.buckets, identity)
		}
	}
}

// size reports the current bucket count.
func (l *Limiter) size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
