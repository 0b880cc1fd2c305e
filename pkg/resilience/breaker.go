// Package resilience wraps orchestrator variants with failure isolation: a
// three-state circuit breaker and a periodic health monitor.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Circuit breaker sentinel errors.
var (
	// ErrCircuitOpen is returned when a call is rejected because the
	// circuit is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrCircuitSaturated is returned when the half-open probe budget is
	// exhausted.
	ErrCircuitSaturated = errors.New("circuit breaker half-open call limit reached")
)

// CircuitState is the breaker state machine position.
type CircuitState string

// Circuit states. Legal transitions: closed->open, open->half-open,
// half-open->closed, half-open->open.
const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half_open"
)

// transitionLogSize bounds the ring of recorded state transitions.
const transitionLogSize = 5

// BreakerConfig tunes a CircuitBreaker.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	HalfOpenMaxCalls int
}

// DefaultBreakerConfig returns the standard tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
		HalfOpenMaxCalls: 3,
	}
}

// Transition is one recorded state change.
type Transition struct {
	From CircuitState `json:"from"`
	To   CircuitState `json:"to"`
	At   time.Time    `json:"at"`
}

// BreakerStatus is a consistent snapshot of breaker state and counters.
type BreakerStatus struct {
	State                CircuitState `json:"state"`
	TotalCalls           int          `json:"total_calls"`
	FailedCalls          int          `json:"failed_calls"`
	SuccessfulCalls      int          `json:"successful_calls"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	LastFailure          time.Time    `json:"last_failure"`
	LastSuccess          time.Time    `json:"last_success"`
	StateChangedAt       time.Time    `json:"state_changed_at"`
	Transitions          []Transition `json:"transitions"`
}

// CircuitBreaker guards one orchestrator variant. All state is behind a
// single mutex; Call holds the lock only around state inspection and
// bookkeeping, never across the wrapped invocation.
type CircuitBreaker struct {
	name   string
	config BreakerConfig
	clock  func() time.Time

	mu                   sync.Mutex
	state                CircuitState
	totalCalls           int
	failedCalls          int
	successfulCalls      int
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailure          time.Time
	lastSuccess          time.Time
	stateChangedAt       time.Time
	halfOpenCalls        int
	transitions          []Transition
}

// NewCircuitBreaker creates a closed breaker with the given tuning. Zero
// config fields fall back to defaults.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = def.RecoveryTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	return &CircuitBreaker{
		name:           name,
		config:         config,
		clock:          time.Now,
		state:          StateClosed,
		stateChangedAt: time.Now(),
	}
}

// Call invokes fn under the breaker's admission policy. Open circuits fail
// fast with ErrCircuitOpen; half-open circuits admit a bounded number of
// probes. fn's error is returned unchanged after bookkeeping.
func (b *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// Allow admits or rejects a call, performing the open->half-open recovery
// transition if the timeout has elapsed. Admission in half-open consumes one
// probe slot, exactly as Call does, so callers pairing Allow with
// RecordSuccess/RecordFailure get the same bounded probing. Slots reset on
// the next open->half-open transition.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRecover()
	switch b.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			return false
		}
		b.halfOpenCalls++
	}
	b.totalCalls++
	return true
}

func (b *CircuitBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeRecover()

	switch b.state {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			return ErrCircuitSaturated
		}
		b.halfOpenCalls++
	}
	b.totalCalls++
	return nil
}

// maybeRecover performs open->half-open when the recovery timeout has
// elapsed. Caller must hold b.mu.
func (b *CircuitBreaker) maybeRecover() {
	if b.state == StateOpen && b.clock().Sub(b.stateChangedAt) >= b.config.RecoveryTimeout {
		b.transition(StateHalfOpen)
		b.halfOpenCalls = 0
	}
}

// RecordFailure counts a failure observed outside Call (the orchestrator
// converts internal errors to Results rather than returning them).
func (b *CircuitBreaker) RecordFailure() { b.recordFailure() }

// RecordSuccess counts a success observed outside Call.
func (b *CircuitBreaker) RecordSuccess() { b.recordSuccess() }

func (b *CircuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successfulCalls++
	b.consecutiveSuccesses++
	b.consecutiveFailures = 0
	b.lastSuccess = b.clock()

	if b.state == StateHalfOpen && b.consecutiveSuccesses >= b.config.SuccessThreshold {
		b.transition(StateClosed)
	}
}

func (b *CircuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failedCalls++
	b.consecutiveFailures++
	b.consecutiveSuccesses = 0
	b.lastFailure = b.clock()

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// Any failure during probing re-opens the circuit.
		b.transition(StateOpen)
	}
}

// transition moves the state machine and records the change. Caller must
// hold b.mu.
func (b *CircuitBreaker) transition(to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.stateChangedAt = b.clock()
	b.consecutiveSuccesses = 0
	if to == StateHalfOpen {
		b.consecutiveFailures = 0
	}

	b.transitions = append(b.transitions, Transition{From: from, To: to, At: b.stateChangedAt})
	if len(b.transitions) > transitionLogSize {
		b.transitions = b.transitions[len(b.transitions)-transitionLogSize:]
	}

	slog.Info("Circuit breaker state changed", "breaker", b.name, "from", from, "to", to)
}

// State returns the current state, applying recovery if due.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRecover()
	return b.state
}

// Status returns a consistent snapshot.
func (b *CircuitBreaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	transitions := make([]Transition, len(b.transitions))
	copy(transitions, b.transitions)

	return BreakerStatus{
		State:                b.state,
		TotalCalls:           b.totalCalls,
		FailedCalls:          b.failedCalls,
		SuccessfulCalls:      b.successfulCalls,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastFailure:          b.lastFailure,
		LastSuccess:          b.lastSuccess,
		StateChangedAt:       b.stateChangedAt,
		Transitions:          transitions,
	}
}
