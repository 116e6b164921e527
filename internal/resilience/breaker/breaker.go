// Package breaker implements the named closed/open/half-open circuit
// breaker of spec.md §4.2, wrapping github.com/sony/gobreaker rather than
// hand-rolling the state machine — the teacher has no breaker of its own
// (internal/shared/ratelimit is a concurrency tracker, not a breaker); this
// library is sourced from the rest of the retrieval pack (jordigilh-kubernaut)
// per SPEC_FULL.md's domain stack section.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sosproject/sentinel/internal/soserrors"
)

// State is the spec's three-state vocabulary, independent of gobreaker's own
// enum so callers never import gobreaker directly.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds per-breaker thresholds.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker open (default 5).
	FailureThreshold uint32
	// OpenDuration is how long the breaker stays open before probing
	// (default 60s).
	OpenDuration time.Duration
}

// DefaultConfig matches spec.md §4.2's example ("5 failures / 60 seconds open").
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, OpenDuration: 60 * time.Second}
}

// Breaker wraps one gobreaker.CircuitBreaker, named after the external
// dependency it protects (one per model adapter, per DESIGN.md).
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// New constructs a named breaker.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration == 0 {
		cfg.OpenDuration = 60 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    name,
		Timeout: cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}

	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Name returns the breaker's dependency name.
func (b *Breaker) Name() string { return b.name }

// State translates gobreaker's state into the spec's vocabulary.
func (b *Breaker) State() State {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Allow reports whether a call may currently proceed without recording
// anything — used by callers (the adapter registry) that want to skip an
// open breaker before attempting a call, per spec.md §4.3 step 2.
func (b *Breaker) Allow() bool {
	return b.State() != StateOpen
}

// Execute runs fn through the breaker, translating gobreaker's ErrOpenState
// into the spec's CircuitOpen error kind.
func (b *Breaker) Execute(_ context.Context, fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return soserrors.Wrap(soserrors.KindCircuitOpen, b.name, err)
	}
	return err
}

// Success records a successful call against the breaker without running any
// work, the counterpart callers reach for when the call itself already
// happened outside Execute (the adapter registry tries the adapter first,
// then reports the outcome). A half-open breaker needs this just as much as
// Execute's failure path: per spec.md §4.2 invariant 6, one successful probe
// must close it, and without this call a half-open breaker only ever sees
// failures recorded against it, never the success that should close it.
func (b *Breaker) Success(_ context.Context) {
	_, _ = b.cb.Execute(func() (any, error) {
		return nil, nil
	})
}
