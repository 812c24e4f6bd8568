package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/minirag/minirag/internal/observability"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed means requests flow normally.
	StateClosed CircuitState = iota

	// StateOpen means requests are blocked.
	StateOpen

	// StateHalfOpen means a limited number of trial requests are allowed.
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

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening.
	MaxFailures int

	// ResetTimeout is how long to stay open before trial requests.
	ResetTimeout time.Duration

	// HalfOpenMaxRequests caps in-flight trials in half-open state.
	HalfOpenMaxRequests int
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		ResetTimeout:        60 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker blocks calls to a destination after repeated failures,
// letting it recover before traffic resumes.
type CircuitBreaker struct {
	name     string
	config   CircuitBreakerConfig
	state    CircuitState
	failures int
	trials   int
	openedAt time.Time
	logger   observability.Logger

	mu sync.Mutex
}

// NewCircuitBreaker creates a breaker for one named destination.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger observability.Logger) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.MaxFailures <= 0 {
		config.MaxFailures = defaults.MaxFailures
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaults.ResetTimeout
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = defaults.HalfOpenMaxRequests
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
		logger: logger.WithPrefix("circuit-breaker"),
	}
}

// Execute runs fn under the breaker. ErrCircuitOpen is returned without
// calling fn when the circuit is open. Context errors from fn do not
// count as destination failures.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && ctx.Err() != nil {
		cb.release()
		return err
	}

	cb.record(err == nil)
	return err
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.ResetTimeout {
			cb.state = StateHalfOpen
			cb.trials = 1
			cb.logger.Info("Circuit breaker half-open", map[string]interface{}{
				"name": cb.name,
			})
			return true
		}
		return false
	case StateHalfOpen:
		if cb.trials < cb.config.HalfOpenMaxRequests {
			cb.trials++
			return true
		}
		return false
	}
	return false
}

// release undoes an admission whose outcome says nothing about the
// destination, such as a caller-side cancellation.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.trials > 0 {
		cb.trials--
	}
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.state = StateClosed
			cb.logger.Info("Circuit breaker closed", map[string]interface{}{
				"name": cb.name,
			})
		}
		return
	}

	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.config.MaxFailures {
		cb.state = StateOpen
		cb.openedAt = time.Now()
		cb.failures = 0
		cb.logger.Warn("Circuit breaker opened", map[string]interface{}{
			"name": cb.name,
		})
	}
}
