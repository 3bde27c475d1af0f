package rpcguard

import (
	"sync"
	"time"
)

// CircuitState is the breaker state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker tracks consecutive exhausted requests process-wide.
//
//	CLOSED --(threshold failures)--> OPEN --(reset timeout)--> HALF-OPEN
//	HALF-OPEN --(probe success)--> CLOSED, --(probe failure)--> OPEN
//
// While half-open exactly one probe is allowed; concurrent requests are
// treated as if the circuit were still open.
type CircuitBreaker struct {
	mu           sync.Mutex
	threshold    int
	resetTimeout time.Duration
	state        CircuitState
	failures     int
	openedAt     time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
	}
}

// Allow reports whether a request may contact upstream, and whether that
// request holds the half-open probe slot. When the reset window has elapsed
// it admits a single probe; the holder must resolve it through RecordSuccess,
// RecordFailure, or CancelProbe, or the circuit stays half-open forever.
func (cb *CircuitBreaker) Allow() (allowed, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true, false
	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.resetTimeout {
			cb.state = CircuitHalfOpen
			return true, true
		}
		return false, false
	case CircuitHalfOpen:
		// A probe is already in flight.
		return false, false
	default:
		return false, false
	}
}

// CancelProbe returns an unresolved probe slot without recording an outcome.
// The open timestamp is unchanged, so the next request is admitted as a new
// probe immediately.
func (cb *CircuitBreaker) CancelProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = CircuitClosed
}

// RecordFailure counts one exhausted request. It opens the circuit when the
// threshold is crossed or when a half-open probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
