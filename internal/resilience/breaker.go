// Package resilience guards calls to remote media hosts with circuit
// breakers.
//
// The central type is [Breaker], a three-state breaker (closed, open,
// half-open) that stops /play from hammering a host that keeps failing.
// [Hosts] keeps one breaker per host name.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/pkg/voice/clock"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the cool-down elapsed.
	StateOpen

	// StateHalfOpen lets a limited number of probes through. A failed probe
	// re-opens the breaker; enough successful ones close it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the tuning knobs of a [Breaker].
type Config struct {
	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open. Default: 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close
	// the breaker again. Default: 1.
	Probes int

	// IsFailure decides whether an error counts against the breaker. Errors
	// it rejects are passed through like successes. Nil counts every error.
	IsFailure func(error) bool

	// Clock defaults to the real clock.
	Clock  clock.Clock
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 1
	}
	if c.IsFailure == nil {
		c.IsFailure = func(error) bool { return true }
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Breaker implements the circuit breaker pattern for a single target.
type Breaker struct {
	name string
	cfg  Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inflight int
	passed   int
}

// NewBreaker creates a closed [Breaker]. name labels log lines.
func NewBreaker(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults()}
}

// Do runs fn unless the breaker is open. While half-open only Probes calls
// run at a time; the rest get [ErrOpen]. fn's error is returned unchanged.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.inflight--
	}
	if err != nil && b.cfg.IsFailure(err) {
		b.fail(probe)
	} else {
		b.succeed(probe)
	}
	return err
}

// admit reports whether the call is a half-open probe, or ErrOpen.
func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.cfg.Clock.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, ErrOpen
		}
		b.state = StateHalfOpen
		b.passed = 0
		b.cfg.Logger.Info("circuit half-open", "target", b.name)
	}
	if b.state == StateHalfOpen {
		if b.inflight >= b.cfg.Probes {
			return false, ErrOpen
		}
		b.inflight++
		return true, nil
	}
	return false, nil
}

// fail must be called with b.mu held.
func (b *Breaker) fail(probe bool) {
	switch {
	case probe:
		b.trip("probe failed")
	case b.state == StateClosed:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.trip("too many failures")
		}
	}
}

// succeed must be called with b.mu held.
func (b *Breaker) succeed(probe bool) {
	if !probe {
		if b.state == StateClosed {
			b.failures = 0
		}
		return
	}
	b.passed++
	if b.passed >= b.cfg.Probes {
		b.state = StateClosed
		b.failures = 0
		b.cfg.Logger.Info("circuit closed", "target", b.name)
	}
}

func (b *Breaker) trip(why string) {
	b.state = StateOpen
	b.openedAt = b.cfg.Clock.Now()
	b.failures = 0
	b.passed = 0
	b.cfg.Logger.Warn("circuit opened", "target", b.name, "reason", why, "cooldown", b.cfg.Cooldown)
}

// State returns the breaker's state. An open breaker whose cool-down elapsed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Clock.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.passed = 0
}
