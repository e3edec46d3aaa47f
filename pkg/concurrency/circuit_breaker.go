package concurrency

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitBreakerState is the position of a CircuitBreaker
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

// halfOpenSuccesses is how many successes close a half-open breaker
const halfOpenSuccesses = 5

// CircuitBreaker stops feeding batches to a runtime that keeps failing.
// After resetTimeout without failures it lets work through again half-open;
// a failure while half-open reopens it.
type CircuitBreaker struct {
	threshold    int64
	resetTimeout time.Duration

	mu          sync.Mutex // serialises state changes
	state       atomic.Int32
	failures    atomic.Int64
	successes   atomic.Int64
	lastFailure atomic.Int64 // unix nanos
}

// NewCircuitBreaker opens after failureThreshold consecutive failures.
// Non-positive arguments select 10 failures and 30s.
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{threshold: failureThreshold, resetTimeout: resetTimeout}
}

// IsOpen reports whether work is currently rejected. An open breaker whose
// reset timeout has passed moves to half-open and admits work.
func (cb *CircuitBreaker) IsOpen() bool {
	if cb.State() != StateOpen {
		return false
	}
	last := cb.lastFailure.Load()
	if last > 0 && time.Since(time.Unix(0, last)) > cb.resetTimeout {
		cb.moveTo(StateHalfOpen)
		return false
	}
	return true
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	if cb.State() == StateHalfOpen && cb.successes.Add(1) >= halfOpenSuccesses {
		cb.moveTo(StateClosed)
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	state := cb.State()
	cb.successes.Store(0)
	cb.lastFailure.Store(time.Now().UnixNano())
	n := cb.failures.Add(1)

	if state == StateHalfOpen || (state == StateClosed && n >= cb.threshold) {
		cb.moveTo(StateOpen)
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// ConsecutiveFailures returns the current run of failures
func (cb *CircuitBreaker) ConsecutiveFailures() int64 {
	return cb.failures.Load()
}

func (cb *CircuitBreaker) moveTo(next CircuitBreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.State() == next {
		return
	}
	cb.state.Store(int32(next))
	switch next {
	case StateClosed:
		cb.failures.Store(0)
		cb.successes.Store(0)
	case StateHalfOpen:
		cb.successes.Store(0)
	}
}

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}
