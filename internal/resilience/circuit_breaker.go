package resilience

import (
	"sync"
	"time"

	"github.com/conductorhq/conductor/internal/logging"
)

// CircuitState is the breaker's current mode.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures trip/recovery behavior for one named
// dependency (typically a store or verifier backend).
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	SleepWindow      time.Duration
	HalfOpenRequests int
}

func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 2,
	}
}

// CircuitBreaker guards a dependency prone to transient failures: it opens
// after a run of consecutive errors of any kind, then probes with a small
// number of half-open requests before fully closing again.
type CircuitBreaker struct {
	cfg    CircuitBreakerConfig
	logger logging.Logger

	mu             sync.Mutex
	state          CircuitState
	consecutiveErr int
	openedAt       time.Time
	halfOpenCount  int
	halfOpenOK     int
}

// NewCircuitBreaker builds a breaker starting closed.
func NewCircuitBreaker(cfg CircuitBreakerConfig, logger logging.Logger) *CircuitBreaker {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &CircuitBreaker{cfg: cfg, logger: logger.WithComponent("conductor/resilience"), state: StateClosed}
}

// CanExecute reports whether a call should be attempted right now, advancing
// Open -> HalfOpen once the sleep window has elapsed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.cfg.SleepWindow {
			cb.state = StateHalfOpen
			cb.halfOpenCount = 0
			cb.halfOpenOK = 0
			return true
		}
		return false
	case StateHalfOpen:
		return cb.halfOpenCount < cb.cfg.HalfOpenRequests
	default:
		return true
	}
}

// RecordResult feeds the outcome of a call back into the breaker.
func (cb *CircuitBreaker) RecordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenCount++
		if err == nil {
			cb.halfOpenOK++
			if cb.halfOpenOK >= cb.cfg.HalfOpenRequests {
				cb.state = StateClosed
				cb.consecutiveErr = 0
				cb.logger.Info("circuit closed", map[string]interface{}{"name": cb.cfg.Name})
			}
			return
		}
		cb.trip()
	case StateClosed:
		if err == nil {
			cb.consecutiveErr = 0
			return
		}
		cb.consecutiveErr++
		if cb.consecutiveErr >= cb.cfg.FailureThreshold {
			cb.trip()
		}
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = time.Now()
	cb.logger.Warn("circuit opened", map[string]interface{}{"name": cb.cfg.Name, "consecutive_errors": cb.consecutiveErr})
}

// State returns the current breaker state, for tests and diagnostics.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
