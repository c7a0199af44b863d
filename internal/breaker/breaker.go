// Package breaker implements the circuit breaker that halts autonomous
// actions after repeated execution failures.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
)

// State is the breaker's position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes the breaker. Zero fields fall back to defaults in New.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the
	// breaker from closed.
	FailureThreshold int
	// RecoveryTimeout is how long an open breaker blocks before admitting
	// a half-open probe.
	RecoveryTimeout time.Duration
	// HalfOpenSuccesses is the consecutive probe successes needed to close
	// again.
	HalfOpenSuccesses int
}

const (
	defaultFailureThreshold  = 3
	defaultRecoveryTimeout   = 30 * time.Minute
	defaultHalfOpenSuccesses = 2
)

// Breaker is a mutex-guarded three-state circuit breaker. Failures feed it
// from the executor; Allow gates the next action attempt.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state             State
	consecutiveFails  int
	halfOpenSuccesses int
	openedAt          time.Time
	opens             int64
	totalFailures     int64
	totalSuccesses    int64
	lastSuccess       time.Time
	lastFailure       time.Time
	lastTransition    time.Time
}

// Snapshot is a point-in-time copy of breaker state for the operator
// surface.
type Snapshot struct {
	State             State      `json:"state"`
	ConsecutiveFails  int        `json:"consecutive_failures"`
	HalfOpenSuccesses int        `json:"half_open_successes"`
	OpenedAt          *time.Time `json:"opened_at,omitempty"`
	Opens             int64      `json:"opens"`
	TotalFailures     int64      `json:"total_failures"`
	TotalSuccesses    int64      `json:"total_successes"`
	LastSuccess       *time.Time `json:"last_success,omitempty"`
	LastFailure       *time.Time `json:"last_failure,omitempty"`
	LastTransition    time.Time  `json:"last_transition"`
}

// New builds a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = defaultRecoveryTimeout
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = defaultHalfOpenSuccesses
	}
	return &Breaker{cfg: cfg, state: StateClosed, lastTransition: time.Now().UTC()}
}

// Allow reports whether an action may execute. An open breaker whose
// recovery timeout has elapsed flips to half-open and admits the caller as
// the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.RecoveryTimeout {
			return false
		}
		b.transition(StateHalfOpen)
		b.halfOpenSuccesses = 0
		return true
	}
	return false
}

// RecordSuccess feeds a successful action back. In half-open it counts
// toward closing; in closed it clears the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.lastSuccess = time.Now().UTC()
	switch b.state {
	case StateClosed:
		b.consecutiveFails = 0
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenSuccesses {
			b.transition(StateClosed)
			b.consecutiveFails = 0
			b.halfOpenSuccesses = 0
		}
	}
}

// RecordFailure feeds a failed or rolled-back action back. A half-open
// failure reopens immediately and restarts the recovery clock.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.lastFailure = time.Now().UTC()
	switch b.state {
	case StateClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		b.open()
	}
}

// Reset forces the breaker closed and clears the failure streak, the
// operator escape hatch for an open breaker that should not wait out the
// recovery timeout. Lifetime totals survive; only the position resets.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	from := b.state
	b.state = StateClosed
	b.consecutiveFails = 0
	b.halfOpenSuccesses = 0
	b.openedAt = time.Time{}
	b.lastTransition = time.Now().UTC()
	slog.Info("breaker: reset by operator", "from", from)
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot copies the breaker's state for reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		State:             b.state,
		ConsecutiveFails:  b.consecutiveFails,
		HalfOpenSuccesses: b.halfOpenSuccesses,
		Opens:             b.opens,
		TotalFailures:     b.totalFailures,
		TotalSuccesses:    b.totalSuccesses,
		LastTransition:    b.lastTransition,
	}
	if !b.openedAt.IsZero() {
		at := b.openedAt
		s.OpenedAt = &at
	}
	if !b.lastSuccess.IsZero() {
		at := b.lastSuccess
		s.LastSuccess = &at
	}
	if !b.lastFailure.IsZero() {
		at := b.lastFailure
		s.LastFailure = &at
	}
	return s
}

// Export captures the breaker's position in its persisted form.
func (b *Breaker) Export() model.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := model.BreakerState{
		State:             string(b.state),
		ConsecutiveFails:  b.consecutiveFails,
		HalfOpenSuccesses: b.halfOpenSuccesses,
		Opens:             b.opens,
		TotalFailures:     b.totalFailures,
		TotalSuccesses:    b.totalSuccesses,
		UpdatedAt:         time.Now().UTC(),
	}
	if !b.openedAt.IsZero() {
		at := b.openedAt
		s.OpenedAt = &at
	}
	if !b.lastSuccess.IsZero() {
		at := b.lastSuccess
		s.LastSuccess = &at
	}
	if !b.lastFailure.IsZero() {
		at := b.lastFailure
		s.LastFailure = &at
	}
	return s
}

// Restore replaces the breaker's position from a persisted row, typically at
// boot. The recovery clock resumes from the persisted open timestamp, so the
// remaining wait survives a restart. Unknown states restore to closed.
func (b *Breaker) Restore(s model.BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch State(s.State) {
	case StateClosed, StateOpen, StateHalfOpen:
		b.state = State(s.State)
	default:
		slog.Warn("breaker: unknown persisted state, restoring closed", "state", s.State)
		b.state = StateClosed
	}
	b.consecutiveFails = s.ConsecutiveFails
	b.halfOpenSuccesses = s.HalfOpenSuccesses
	b.opens = s.Opens
	b.totalFailures = s.TotalFailures
	b.totalSuccesses = s.TotalSuccesses
	b.openedAt = time.Time{}
	if s.OpenedAt != nil {
		b.openedAt = *s.OpenedAt
	}
	b.lastSuccess = time.Time{}
	if s.LastSuccess != nil {
		b.lastSuccess = *s.LastSuccess
	}
	b.lastFailure = time.Time{}
	if s.LastFailure != nil {
		b.lastFailure = *s.LastFailure
	}
	b.lastTransition = s.UpdatedAt
	slog.Info("breaker: state restored", "state", b.state, "consecutive_failures", b.consecutiveFails)
}

// open moves to the open state and restarts the recovery clock.
// Callers hold the mutex.
func (b *Breaker) open() {
	b.transition(StateOpen)
	b.openedAt = time.Now().UTC()
	b.halfOpenSuccesses = 0
	b.opens++
}

// transition records a state change. Callers hold the mutex.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.lastTransition = time.Now().UTC()
	slog.Info("breaker: state change", "from", from, "to", to, "consecutive_failures", b.consecutiveFails)
}
