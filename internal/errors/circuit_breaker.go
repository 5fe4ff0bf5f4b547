package errors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"schemarun/internal/logging"
)

// CircuitState is the breaker's position. Closed passes requests through,
// open rejects them, half-open admits probes while recovery is unproven.
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

// CircuitBreakerConfig tunes when a breaker trips and how it recovers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the run of consecutive failures that opens the
	// breaker.
	FailureThreshold int
	// SuccessThreshold is the run of half-open successes that closes it
	// again.
	SuccessThreshold int
	// Timeout is how long an open breaker rejects before probing.
	Timeout time.Duration
}

// DefaultCircuitBreakerConfig is the tuning the outbound clients use.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker sheds load from an endpoint that keeps failing, so a run
// stops hammering a dead upstream instead of burning its deadline on it.
// A failure while open restarts the cool-down window.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger logging.Logger

	mu          sync.Mutex
	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
}

// NewCircuitBreaker builds a closed breaker named for its endpoint.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logging.NewComponentLogger("breaker"),
		state:  StateClosed,
	}
}

// Allow reports whether a request may proceed. An open breaker rejects with
// a degraded error naming the remaining cool-down; once the cool-down has
// passed the breaker moves to half-open and lets the request through as a
// probe. Callers pair Allow with Mark.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}

	wait := cb.config.Timeout - time.Since(cb.lastFailure)
	if wait > 0 {
		return NewDegradedError(
			fmt.Errorf("circuit breaker %s is open", cb.name),
			fmt.Sprintf("%s is cooling down after repeated failures; next attempt in %s.",
				cb.name, wait.Round(time.Second)),
			"",
		)
	}

	cb.state = StateHalfOpen
	cb.successes = 0
	cb.logger.Info("breaker %s half-open, probing the endpoint", cb.name)
	return nil
}

// Mark records the outcome of a request Allow admitted. A nil error is a
// success.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.markFailure()
		return
	}
	cb.markSuccess()
}

// Execute wraps fn in an Allow/Mark pair for callers that have no response
// to inspect.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.Mark(err)
	return err
}

func (cb *CircuitBreaker) markSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		cb.logger.Debug("breaker %s probe succeeded (%d/%d)",
			cb.name, cb.successes, cb.config.SuccessThreshold)
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			cb.logger.Info("breaker %s closed, endpoint recovered", cb.name)
		}
	}
}

func (cb *CircuitBreaker) markFailure() {
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		cb.logger.Debug("breaker %s failure %d of %d",
			cb.name, cb.failures, cb.config.FailureThreshold)
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
			cb.logger.Warn("breaker %s opened after %d consecutive failures", cb.name, cb.failures)
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successes = 0
		cb.logger.Warn("breaker %s reopened, probe failed", cb.name)
	}
}

// State returns the breaker's current position.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerMetrics is a point-in-time snapshot for health reporting.
type CircuitBreakerMetrics struct {
	Name         string
	State        CircuitState
	FailureCount int
}

// Metrics snapshots the breaker.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerMetrics{
		Name:         cb.name,
		State:        cb.state,
		FailureCount: cb.failures,
	}
}

// CircuitBreakerManager keeps one breaker per endpoint so one failing
// upstream cannot trip the others.
type CircuitBreakerManager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
}

// NewCircuitBreakerManager builds an empty manager; breakers are created on
// first Get.
func NewCircuitBreakerManager(config CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// Get returns the breaker for name, creating it on first use.
func (m *CircuitBreakerManager) Get(name string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, m.config)
	m.breakers[name] = cb
	return cb
}

// GetMetrics snapshots every breaker the manager has handed out.
func (m *CircuitBreakerManager) GetMetrics() []CircuitBreakerMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]CircuitBreakerMetrics, 0, len(m.breakers))
	for _, cb := range m.breakers {
		out = append(out, cb.Metrics())
	}
	return out
}
