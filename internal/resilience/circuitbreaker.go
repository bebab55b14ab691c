// Package resilience provides the circuit breaker and connect-time failover
// used when more than one speech-to-speech backend is configured.
//
// [Breaker] is a three-state breaker (closed → open → half-open) kept per
// backend. [Chain] tries backends in order and skips those whose breaker is
// open. [Failover] puts a Chain behind the [s2s.Provider] interface so that a
// call connects through the first healthy backend.
//
// Failover only covers the handshake. Once a session is open, a failure ends
// the call; nothing here reconnects or retries an established session.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cooldown ends.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. One failed
	// probe re-opens the breaker; enough successful ones close it.
	StateHalfOpen
)

// String returns the lower-case name of the state.
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

// BreakerConfig tunes a [Breaker]. Zero values take the defaults noted.
type BreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// MaxFailures is the number of consecutive failed handshakes that opens
	// the breaker. Default: 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing.
	// Default: 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close
	// the breaker again. Default: 1.
	Probes int
}

func (c *BreakerConfig) applyDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 1
	}
}

// Breaker implements the circuit breaker pattern for one backend.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int // half-open probes not yet finished
	successes int // half-open probes that succeeded
}

// NewBreaker returns a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	cfg.applyDefaults()
	return &Breaker{cfg: cfg, now: time.Now}
}

// Do runs fn unless the breaker is open. An error matching
// [context.Canceled] is neither a failure nor a success: an abandoned
// handshake says nothing about the backend's health.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.inFlight--
	}
	switch {
	case errors.Is(err, context.Canceled):
	case err != nil:
		b.failLocked(probe)
	default:
		b.succeedLocked(probe)
	}
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.inFlight = 0
		b.successes = 0
		slog.Info("resilience: breaker half-open", "name", b.cfg.Name)
	}
	if b.state == StateHalfOpen {
		if b.inFlight+b.successes >= b.cfg.Probes {
			return false, ErrCircuitOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

// failLocked must be called with b.mu held.
func (b *Breaker) failLocked(probe bool) {
	if probe || b.state == StateHalfOpen {
		b.openLocked()
		slog.Warn("resilience: breaker re-opened", "name", b.cfg.Name)
		return
	}
	b.failures++
	if b.failures >= b.cfg.MaxFailures {
		b.openLocked()
		slog.Warn("resilience: breaker opened", "name", b.cfg.Name, "consecutive_failures", b.failures)
	}
}

// succeedLocked must be called with b.mu held.
func (b *Breaker) succeedLocked(probe bool) {
	if !probe {
		b.failures = 0
		return
	}
	if b.state != StateHalfOpen {
		return
	}
	b.successes++
	if b.successes >= b.cfg.Probes {
		b.state = StateClosed
		b.failures = 0
		b.successes = 0
		slog.Info("resilience: breaker closed", "name", b.cfg.Name)
	}
}

func (b *Breaker) openLocked() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.inFlight = 0
	b.successes = 0
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the transition itself happens on the
// next [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
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
	b.inFlight = 0
	b.successes = 0
}
