// Package breaker implements the per-ServerClient circuit breaker: a
// classic three-state breaker (closed → open → half-open) that stops a
// misbehaving tool server from being hammered with connection attempts.
//
// Unlike a request-scoped breaker that wraps a single call, this one tracks
// state that a [server.Client] consults before deciding whether to attempt a
// connect at all, so Execute is not the only entry point — RecordSuccess,
// RecordFailure, and Allow are exposed directly for that caller-driven use.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker is open and the reset timeout has
// not yet elapsed.
var ErrOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// Config holds the breaker's tuning knobs. Defaults match the ones named for
// a ServerClient's breaker: failureThreshold=5, resetTimeout=30s,
// halfOpenMaxCalls=3.
type Config struct {
	// Name labels this breaker's log lines, typically the server id.
	Name string

	// FailureThreshold is the number of consecutive failures in the closed
	// state that trips the breaker open. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before allowing a
	// trial call through in the half-open state. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMaxCalls bounds concurrent trial calls admitted while the
	// breaker is half-open. Default: 3.
	HalfOpenMaxCalls int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	return c
}

// Breaker is a three-state circuit breaker. A single success while
// half-open closes it; any failure while half-open re-opens it
// immediately — there is no probe quorum.
//
// Safe for concurrent use.
type Breaker struct {
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	failureCount  int
	lastFailure   time.Time
	nextRetryTime time.Time
	halfOpenCalls int
}

// New builds a Breaker with cfg, filling in zero-valued fields with
// defaults.
func New(cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{cfg: cfg.withDefaults(), logger: logger, state: StateClosed}
}

// Allow reports whether a new attempt may proceed, and performs the
// OPEN→HALF_OPEN transition as a side effect when the reset timeout has
// elapsed. Callers must call RecordSuccess or RecordFailure to account for
// the outcome of any attempt this permits.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Now().Before(b.nextRetryTime) {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.halfOpenCalls = 0
		b.logger.Info("circuit breaker half-open", "name", b.cfg.Name)
		fallthrough
	case StateHalfOpen:
		if b.state == StateHalfOpen && b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return ErrOpen
		}
		if b.state == StateHalfOpen {
			b.halfOpenCalls++
		}
	}
	return nil
}

// RecordSuccess accounts for a successful attempt. In HALF_OPEN a single
// success closes the breaker; in CLOSED it resets the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.failureCount = 0
		b.nextRetryTime = time.Time{}
		b.halfOpenCalls = 0
		b.logger.Info("circuit breaker closed", "name", b.cfg.Name)
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure accounts for a failed attempt, transitioning CLOSED→OPEN
// once failureCount reaches the threshold, and HALF_OPEN→OPEN
// unconditionally.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case StateHalfOpen:
		b.trip()
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

// trip transitions to OPEN and sets nextRetryTime. Must be called with b.mu
// held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.nextRetryTime = time.Now().Add(b.cfg.ResetTimeout)
	b.logger.Warn("circuit breaker open", "name", b.cfg.Name, "failures", b.failureCount)
}

// Execute is a convenience wrapper combining Allow/RecordSuccess/
// RecordFailure around a single call.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State reports the breaker's current state without mutating it. If open
// and the reset timeout has elapsed, HALF_OPEN is reported even though the
// actual transition happens lazily on the next Allow call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !time.Now().Before(b.nextRetryTime) {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot is the externally visible CircuitBreakerState.
type Snapshot struct {
	State         State
	FailureCount  int
	LastFailure   *time.Time
	NextRetryTime *time.Time
}

// Snapshot returns a copy of the breaker's bookkeeping fields.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{State: b.state, FailureCount: b.failureCount}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailure = &t
	}
	if !b.nextRetryTime.IsZero() {
		t := b.nextRetryTime
		s.NextRetryTime = &t
	}
	return s
}

// Reset forces the breaker back to CLOSED, clearing all failure
// bookkeeping.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.nextRetryTime = time.Time{}
	b.halfOpenCalls = 0
	b.logger.Info("circuit breaker reset", "name", b.cfg.Name)
}
