package errors

import (
	"context"
	"sync"
	"time"

	"github.com/TWN-Systems/strix/internal/logging"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // open duration before a half-open probe
	HalfOpenMaxCalls int           // concurrent probes admitted while half-open

	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the standard thresholds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker is a fail-fast guard in front of the thinker transport.
//
// closed -> open after FailureThreshold consecutive failures; open ->
// half-open once RecoveryTimeout elapses; half-open -> closed on the first
// probe success, back to open on the first probe failure.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger logging.Logger

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenCalls       int
	totalSuccesses      uint64
	totalFailures       uint64
	rejectedCalls       uint64
}

// CircuitBreakerStats is a point-in-time snapshot for events and monitors.
type CircuitBreakerStats struct {
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalSuccesses      uint64        `json:"total_successes"`
	TotalFailures       uint64        `json:"total_failures"`
	RejectedCalls       uint64        `json:"rejected_calls"`
	TimeUntilRecovery   time.Duration `json:"time_until_recovery"`
}

// NewCircuitBreaker creates a breaker with the given name and thresholds.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
		logger: logging.NewComponentLogger("breaker:" + name),
	}
}

// Allow reports whether a call may proceed. When the breaker is open it
// returns *CircuitOpenError carrying the remaining recovery time. A
// half-open breaker admits at most HalfOpenMaxCalls probes.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()

	switch cb.state {
	case StateOpen:
		cb.rejectedCalls++
		return &CircuitOpenError{Service: cb.name, RetryAfter: cb.timeUntilRecoveryLocked()}
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			cb.rejectedCalls++
			return &CircuitOpenError{Service: cb.name, RetryAfter: cb.timeUntilRecoveryLocked()}
		}
		cb.halfOpenCalls++
	}
	return nil
}

// RecordSuccess notes a successful call and closes a half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.totalSuccesses++
	cb.consecutiveFailures = 0
	if cb.state == StateHalfOpen {
		cb.transitionLocked(StateClosed)
		cb.halfOpenCalls = 0
	}
}

// RecordFailure notes a failed call; reopens a half-open breaker and opens
// a closed one at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.totalFailures++
	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.transitionLocked(StateOpen)
		cb.halfOpenCalls = 0
	case StateClosed:
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	}
}

// State returns the current state, applying the lazy open->half-open
// transition when the recovery timeout has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()
	return cb.state
}

// TimeUntilRecovery returns how long until an open breaker admits a probe.
func (cb *CircuitBreaker) TimeUntilRecovery() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()
	return cb.timeUntilRecoveryLocked()
}

// Stats returns a snapshot of counters and state.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()
	return CircuitBreakerStats{
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		TotalSuccesses:      cb.totalSuccesses,
		TotalFailures:       cb.totalFailures,
		RejectedCalls:       cb.rejectedCalls,
		TimeUntilRecovery:   cb.timeUntilRecoveryLocked(),
	}
}

// Reset returns the breaker to closed with zeroed failure counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateClosed {
		cb.transitionLocked(StateClosed)
	}
	cb.consecutiveFailures = 0
	cb.halfOpenCalls = 0
}

func (cb *CircuitBreaker) refreshLocked() {
	if cb.state == StateOpen && time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
		cb.transitionLocked(StateHalfOpen)
		cb.halfOpenCalls = 0
	}
}

func (cb *CircuitBreaker) timeUntilRecoveryLocked() time.Duration {
	if cb.state != StateOpen {
		return 0
	}
	remaining := cb.config.RecoveryTimeout - time.Since(cb.lastFailureTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.logger.Info("circuit %s: %s -> %s (consecutive failures: %d)",
		cb.name, from, to, cb.consecutiveFailures)
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

// ExecuteFunc runs fn through the breaker: rejected when open, recorded as
// success or failure otherwise. Context cancellation is not counted as a
// service failure.
func ExecuteFunc[T any](cb *CircuitBreaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.Allow(); err != nil {
		return zero, err
	}
	result, err := fn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return zero, err
		}
		cb.RecordFailure()
		return zero, err
	}
	cb.RecordSuccess()
	return result, nil
}
