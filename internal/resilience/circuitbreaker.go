// Package resilience provides circuit breaking and retry primitives used
// when dispatching requests to upstream providers.
package resilience

import (
	"log/slog"
	"sync"
	"time"

	"github.com/blueberrycongee/semcache/internal/metrics"
	"github.com/blueberrycongee/semcache/pkg/errors"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a single probe request at a time.
	StateHalfOpen
)

// String returns the string representation of the circuit state.
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

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive probe successes in
	// half-open before closing.
	SuccessThreshold int
	// RecoveryTimeout is how long the breaker stays open before allowing
	// a probe.
	RecoveryTimeout time.Duration
}

// DefaultBreakerConfig returns a sensible default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
	}
}

// CircuitBreaker tracks consecutive failures for a single provider and
// short-circuits requests while the provider is considered unhealthy.
type CircuitBreaker struct {
	mu sync.Mutex

	name   string
	config BreakerConfig
	logger *slog.Logger

	state         CircuitState
	failures      int
	successes     int
	probeInFlight bool
	openedAt      time.Time

	onStateChange func(name string, from, to CircuitState)

	// now is replaceable in tests.
	now func() time.Time
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(name string, config BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	cb := &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger.With("component", "breaker", "provider", name),
		state:  StateClosed,
		now:    time.Now,
	}
	metrics.BreakerState.WithLabelValues(name).Set(0)
	return cb
}

// OnStateChange registers a callback invoked on every state transition.
// The callback runs in its own goroutine and must not call back into the
// breaker synchronously.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Allow reports whether a request may proceed. In the open state it
// returns a CircuitOpen error until the recovery timeout elapses, then
// admits a single probe. In the half-open state only one probe may be in
// flight at a time; concurrent callers are rejected until the probe
// completes.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.RecoveryTimeout {
			return errors.NewCircuitOpen(cb.name)
		}
		cb.transitionTo(StateHalfOpen)
		cb.probeInFlight = true
		return nil
	case StateHalfOpen:
		if cb.probeInFlight {
			return errors.NewCircuitOpen(cb.name)
		}
		cb.probeInFlight = true
		return nil
	default:
		return errors.NewCircuitOpen(cb.name)
	}
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.probeInFlight = false
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.probeInFlight = false
		cb.transitionTo(StateOpen)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CanAttempt reports whether a request would currently be admitted. Unlike
// Allow it does not reserve the probe slot, so it is safe for routing
// decisions that may never dispatch to this provider.
func (cb *CircuitBreaker) CanAttempt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return cb.now().Sub(cb.openedAt) >= cb.config.RecoveryTimeout
	case StateHalfOpen:
		return !cb.probeInFlight
	default:
		return false
	}
}

// Name returns the provider name this breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset forces the breaker back to the closed state and clears all
// counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateClosed {
		cb.transitionTo(StateClosed)
	}
	cb.failures = 0
	cb.successes = 0
	cb.probeInFlight = false
}

// transitionTo moves the breaker to a new state. Caller must hold the lock.
func (cb *CircuitBreaker) transitionTo(state CircuitState) {
	if cb.state == state {
		return
	}
	from := cb.state
	cb.state = state

	switch state {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
		cb.probeInFlight = false
	case StateOpen:
		cb.successes = 0
		cb.openedAt = cb.now()
	case StateHalfOpen:
		cb.successes = 0
	}

	metrics.BreakerState.WithLabelValues(cb.name).Set(breakerStateValue(state))
	cb.logger.Info("circuit breaker state change",
		"from", from.String(),
		"to", state.String(),
	)

	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, from, state)
	}
}

func breakerStateValue(state CircuitState) float64 {
	switch state {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}
