package dispatch

import (
	"sync"
	"time"

	"github.com/mtoivan/trailwatch-go/internal/errors"
)

// CircuitState represents the state of a channel circuit breaker.
type CircuitState int

const (
	// StateClosed means sends flow normally.
	StateClosed CircuitState = iota
	// StateHalfOpen means one probe send is allowed to test recovery.
	StateHalfOpen
	// StateOpen means sends are short-circuited until the cooldown expires.
	StateOpen
)

// String returns the state name.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a send is short-circuited by an open
// breaker. Short-circuited sends are logged, not retried.
var ErrCircuitOpen = errors.Newf("circuit breaker is open").
	Component("dispatch").
	Category(errors.CategoryLimit).
	Build()

// CircuitBreaker isolates one failing channel so it never blocks the others.
// After MaxFailures consecutive failures the circuit opens for the cooldown,
// then allows a single probe in half-open state.
type CircuitBreaker struct {
	maxFailures int
	cooldown    time.Duration

	mu              sync.Mutex
	state           CircuitState
	failures        int
	lastFailure     time.Time
	halfOpenInUse   bool
	lastStateChange time.Time
	now             func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		maxFailures:     maxFailures,
		cooldown:        cooldown,
		state:           StateClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Allow reports whether a send may proceed. In half-open state only one
// probe is admitted at a time.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.cooldown {
			cb.transition(StateHalfOpen)
			cb.halfOpenInUse = true
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenInUse {
			return ErrCircuitOpen
		}
		cb.halfOpenInUse = true
		return nil
	}
	return nil
}

// RecordSuccess closes the circuit and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.halfOpenInUse = false
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
}

// RecordFailure counts a failed send. A half-open probe failure reopens the
// circuit immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()
	cb.halfOpenInUse = false

	if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
		if cb.state != StateOpen {
			cb.transition(StateOpen)
		}
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition records a state change. Caller holds cb.mu.
func (cb *CircuitBreaker) transition(target CircuitState) {
	cb.state = target
	cb.lastStateChange = cb.now()
}
