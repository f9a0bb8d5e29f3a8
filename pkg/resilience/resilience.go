// Package resilience guards calls to a flaky dependency with a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"callsession-backend/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without calling the dependency while the circuit is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// StateRecorder receives state changes; *metrics.Metrics implements it
type StateRecorder interface {
	SetCircuitState(name string, state float64)
}

// Settings tunes a breaker
type Settings struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int
	// OpenTimeout is how long the circuit stays open before a trial call is let through
	OpenTimeout time.Duration
	// CallTimeout bounds a single guarded call; zero means the caller's deadline only
	CallTimeout time.Duration
}

// DefaultSettings opens after 3 failures and probes again after 10s
var DefaultSettings = Settings{
	FailureThreshold: 3,
	OpenTimeout:      10 * time.Second,
	CallTimeout:      5 * time.Second,
}

// CircuitBreaker fails fast while a dependency keeps failing. In half-open
// state a single trial call is admitted; its result closes or re-opens the circuit.
type CircuitBreaker struct {
	name     string
	settings Settings
	recorder StateRecorder
	now      func() time.Time

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, settings Settings, recorder StateRecorder) *CircuitBreaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultSettings.FailureThreshold
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = DefaultSettings.OpenTimeout
	}
	cb := &CircuitBreaker{
		name:     name,
		settings: settings,
		recorder: recorder,
		now:      time.Now,
		state:    CircuitBreakerClosed,
	}
	cb.record(CircuitBreakerClosed)
	return cb
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}

	callCtx := ctx
	if cb.settings.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cb.settings.CallTimeout)
		defer cancel()
	}

	err = fn(callCtx)
	cb.complete(operation, trial, err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.settings.OpenTimeout {
			return false, ErrCircuitOpen
		}
		cb.setState(CircuitBreakerHalfOpen)
		logger.Warn("Circuit breaker HALF-OPEN - allowing trial request", zap.String("breaker", cb.name))
		fallthrough
	case CircuitBreakerHalfOpen:
		if cb.trialInFlight {
			return false, ErrCircuitOpen
		}
		cb.trialInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) complete(operation string, trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trialInFlight = false
	}

	if err == nil {
		cb.consecutiveFailures = 0
		if cb.state != CircuitBreakerClosed {
			cb.setState(CircuitBreakerClosed)
			logger.Info("Circuit breaker CLOSED - dependency recovered",
				zap.String("breaker", cb.name),
				zap.String("operation", operation))
		}
		return
	}

	cb.consecutiveFailures++
	if trial || cb.consecutiveFailures >= cb.settings.FailureThreshold {
		if cb.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker OPEN - too many consecutive failures",
				zap.String("breaker", cb.name),
				zap.String("operation", operation),
				zap.String("error_type", classifyError(err)),
				zap.Int("consecutive_failures", cb.consecutiveFailures),
				zap.Error(err))
		}
		cb.setState(CircuitBreakerOpen)
		cb.openedAt = cb.now()
	}
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(state CircuitBreakerState) {
	cb.state = state
	cb.record(state)
}

func (cb *CircuitBreaker) record(state CircuitBreakerState) {
	if cb.recorder == nil {
		return
	}
	switch state {
	case CircuitBreakerHalfOpen:
		cb.recorder.SetCircuitState(cb.name, 1)
	case CircuitBreakerOpen:
		cb.recorder.SetCircuitState(cb.name, 2)
	default:
		cb.recorder.SetCircuitState(cb.name, 0)
	}
}

// classifyError buckets errors for logs
func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "unavailable") || strings.Contains(errMsg, "no hosts"):
		return "unavailable"
	default:
		return "unknown"
	}
}
