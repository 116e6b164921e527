// Package ratelimit implements the per-(subject, action) token bucket of
// spec.md §3/§4.2. It wraps golang.org/x/time/rate rather than hand-rolling
// the refill math — the teacher's own internal/shared/ratelimit.Limiter is a
// concurrency+runs-per-hour tracker, not a token bucket, so this is sourced
// from the rest of the retrieval pack (r3e-network-service_layer) per
// SPEC_FULL.md's domain stack section. The lazy-create-then-reap-when-idle
// lifecycle mirrors the mutex-guarded map idiom of the teacher's Limiter.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sosproject/sentinel/internal/soserrors"
)

// Config configures one bucket's capacity and refill rate.
type Config struct {
	Capacity   int
	RefillRate float64 // tokens per second
}

// DefaultConfig is a reasonable per-subject default.
func DefaultConfig() Config {
	return Config{Capacity: 10, RefillRate: 1}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one token bucket per (subject, action) pair, created lazily
// on first use and reaped after an idle timeout.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket

	idleTimeout time.Duration
}

// New constructs a Limiter. idleTimeout of 0 disables reaping.
func New(cfg Config, idleTimeout time.Duration) *Limiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = 1
	}
	return &Limiter{cfg: cfg, buckets: make(map[string]*bucket), idleTimeout: idleTimeout}
}

func key(subject, action string) string { return subject + "\x00" + action }

// Allow decrements one token from the (subject, action) bucket if available,
// returning RateLimited otherwise.
func (l *Limiter) Allow(subject, action string) error {
	l.mu.Lock()
	k := key(subject, action)
	b, ok := l.buckets[k]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RefillRate), l.cfg.Capacity)}
		l.buckets[k] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	if !b.limiter.Allow() {
		return soserrors.New(soserrors.KindRateLimited, "RateLimited")
	}
	return nil
}

// Reap removes buckets idle for longer than the configured idle timeout.
func (l *Limiter) Reap() int {
	if l.idleTimeout <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.idleTimeout)
	removed := 0
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

// BucketCount reports how many (subject, action) buckets are currently
// tracked, used by the maintenance loop and /metrics.
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
