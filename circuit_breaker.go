package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by CircuitBreaker.Execute while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the current state of the circuit breaker.
type CircuitState int32

const (
	// CircuitClosed lets every call through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the cool-down elapses.
	CircuitOpen
	// CircuitHalfOpen lets calls through to probe for recovery.
	CircuitHalfOpen
)

// String returns a string representation of the CircuitState.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker stops hammering a failing collaborator (the recognition
// engine, the video source) after consecutive errors, and probes it again
// once a cool-down has passed.
type CircuitBreaker struct {
	// name identifies the guarded collaborator in logs.
	name string

	state           atomic.Int32
	failureCount    atomic.Int64
	successCount    atomic.Int64
	lastFailureTime atomic.Int64

	// maxFailures is the consecutive failure count that opens the circuit.
	maxFailures int64
	// cooldown is how long the circuit stays open before half-opening.
	cooldown time.Duration
	// recoveryThreshold is the half-open success count that closes the circuit.
	recoveryThreshold int64

	logger *slog.Logger
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, maxFailures int64, cooldown time.Duration, recoveryThreshold int64, logger *slog.Logger) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	if recoveryThreshold < 1 {
		recoveryThreshold = 1
	}
	cb := &CircuitBreaker{
		name:              name,
		maxFailures:       maxFailures,
		cooldown:          cooldown,
		recoveryThreshold: recoveryThreshold,
		logger:            logger,
	}
	cb.state.Store(int32(CircuitClosed))
	return cb
}

// Execute runs fn unless the circuit is open. Rejected calls return an
// error wrapping ErrCircuitOpen and do not count as failures, nor do
// calls ending in context.Canceled.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if CircuitState(cb.state.Load()) == CircuitOpen {
		lastFailure := time.Unix(0, cb.lastFailureTime.Load())
		if time.Since(lastFailure) <= cb.cooldown {
			return fmt.Errorf("%s: %w (last failure %v ago)", cb.name, ErrCircuitOpen, time.Since(lastFailure).Round(time.Millisecond))
		}
		if cb.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen)) {
			cb.successCount.Store(0)
			cb.logger.Info("Circuit breaker state transition",
				"breaker", cb.name,
				"from", CircuitOpen,
				"to", CircuitHalfOpen)
		}
	}

	err := fn()
	switch {
	case err == nil:
		cb.recordSuccess()
	case errors.Is(err, context.Canceled):
		// Shutdown, not a collaborator failure.
	default:
		cb.recordFailure()
	}
	return err
}

func (cb *CircuitBreaker) recordFailure() {
	cb.lastFailureTime.Store(time.Now().UnixNano())
	failures := cb.failureCount.Add(1)
	current := CircuitState(cb.state.Load())

	if current == CircuitHalfOpen {
		cb.state.Store(int32(CircuitOpen))
		cb.successCount.Store(0)
		cb.logger.Warn("Circuit breaker state transition",
			"breaker", cb.name,
			"from", CircuitHalfOpen,
			"to", CircuitOpen,
			"reason", "failure_during_recovery")
		return
	}

	if failures >= cb.maxFailures && current == CircuitClosed {
		cb.state.Store(int32(CircuitOpen))
		cb.logger.Warn("Circuit breaker state transition",
			"breaker", cb.name,
			"from", CircuitClosed,
			"to", CircuitOpen,
			"failure_count", failures,
			"max_failures", cb.maxFailures)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.failureCount.Store(0)

	if CircuitState(cb.state.Load()) != CircuitHalfOpen {
		return
	}
	successes := cb.successCount.Add(1)
	if successes >= cb.recoveryThreshold &&
		cb.state.CompareAndSwap(int32(CircuitHalfOpen), int32(CircuitClosed)) {
		cb.logger.Info("Circuit breaker state transition",
			"breaker", cb.name,
			"from", CircuitHalfOpen,
			"to", CircuitClosed,
			"success_count", successes)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int64 {
	return cb.failureCount.Load()
}

// Reset forces the breaker closed, e.g. after a successful reconnect.
func (cb *CircuitBreaker) Reset() {
	old := CircuitState(cb.state.Swap(int32(CircuitClosed)))
	cb.failureCount.Store(0)
	cb.successCount.Store(0)
	if old != CircuitClosed {
		cb.logger.Info("Circuit breaker reset to CLOSED",
			"breaker", cb.name,
			"previous_state", old)
	}
}
