package invsync

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreaker suppresses calls to a failing dependency. Used by the poller
// so repeated Marketplace B outages stop producing outbound requests.
//
// States:
//   - Closed: normal operation, calls pass through
//   - Open: dependency failing, calls fail fast with ErrCircuitOpen
//   - Half-Open: reset timeout elapsed, one probe call allowed
type CircuitBreaker struct {
	mu            sync.RWMutex
	maxFailures   int
	resetTimeout  time.Duration
	failures      int
	lastFailTime  time.Time
	state         BreakerState
	onStateChange func(from, to BreakerState)
}

// NewCircuitBreaker creates a breaker that opens after maxFailures consecutive
// failures and transitions to half-open after resetTimeout.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        BreakerClosed,
	}
}

// WithStateChangeCallback adds a callback for state transitions.
// Useful for metrics and logging.
func (cb *CircuitBreaker) WithStateChangeCallback(fn func(from, to BreakerState)) *CircuitBreaker {
	cb.onStateChange = fn
	return cb
}

// Allow reports whether a call may proceed, transitioning open → half-open
// once the reset timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if time.Since(cb.lastFailTime) > cb.resetTimeout {
			cb.setState(BreakerHalfOpen)
			return true
		}
		return false
	default: // half-open or closed
		return true
	}
}

// RecordSuccess closes the circuit and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen {
		cb.setState(BreakerClosed)
	}
	cb.failures = 0
}

// RecordFailure increments the consecutive failure count and opens the
// circuit once maxFailures is reached. A failed half-open probe reopens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailTime = time.Now()

	if cb.state == BreakerHalfOpen || (cb.failures >= cb.maxFailures && cb.state != BreakerOpen) {
		cb.setState(BreakerOpen)
	}
}

// setState transitions to a new state and triggers the callback. Caller holds mu.
func (cb *CircuitBreaker) setState(newState BreakerState) {
	oldState := cb.state
	cb.state = newState
	if cb.onStateChange != nil && oldState != newState {
		cb.onStateChange(oldState, newState)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Reset manually closes the breaker and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setState(BreakerClosed)
}
