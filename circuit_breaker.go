package stackmob

import (
	"sync"
	"time"
)

// CircuitState is the current state of a circuit breaker.
//
// State transitions:
//   - Closed -> Open: when the failure threshold is reached
//   - Open -> Half-Open: after the timeout period expires
//   - Half-Open -> Closed: when the success threshold is reached
//   - Half-Open -> Open: on any failure
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	// All requests pass through and errors are counted.
	CircuitClosed CircuitState = iota
	// CircuitOpen blocks all requests immediately.
	CircuitOpen
	// CircuitHalfOpen allows limited requests to test if the API has
	// recovered. Successes close the circuit; any failure reopens it.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state
func (cs CircuitState) String() string {
	switch cs {
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

// CircuitBreaker fails fast when the API is persistently erroring,
// giving it time to recover instead of hammering it with doomed
// requests.
//
//	config := stackmob.DefaultConfig().
//	    WithKeys("pub", "").
//	    WithCircuitBreaker(stackmob.DefaultCircuitBreakerConfig())
//
//	client, _ := stackmob.NewClient(config)
//
//	err := client.Get(ctx, "books", id, &book)
//	if errors.Is(err, stackmob.ErrCircuitOpen) {
//	    // circuit is open, API is unavailable
//	}
type CircuitBreaker interface {
	// Execute runs the given function if the circuit allows it.
	// Returns ErrCircuitOpen if the circuit is open. The function's
	// error (if any) updates circuit state.
	Execute(fn func() error) error

	// State returns the current state of the circuit breaker.
	State() CircuitState

	// Reset manually resets the circuit to closed state.
	Reset()
}

// CircuitBreakerConfig holds configuration for circuit breaker
// behavior. Zero fields take defaults when the config passes through
// Config.Validate.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before
	// the circuit opens. Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes required
	// in half-open state before the circuit closes. Default: 2
	SuccessThreshold int

	// Timeout is how long the circuit stays open before transitioning
	// to half-open to test recovery. Default: 30s
	Timeout time.Duration

	// HalfOpenRequests is the maximum number of requests allowed in
	// half-open state. Default: 3
	HalfOpenRequests int
}

// DefaultCircuitBreakerConfig returns the default thresholds: open
// after 5 failures, close after 2 successes, test recovery after 30s
// with at most 3 probes.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenRequests: 3,
	}
}

// circuitBreaker is the default implementation
type circuitBreaker struct {
	config CircuitBreakerConfig

	mu               sync.Mutex
	state            CircuitState
	failures         int
	successes        int
	halfOpenRequests int
	lastFailureTime  time.Time
	lastStateChange  time.Time
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) CircuitBreaker {
	return &circuitBreaker{
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs the given function if the circuit allows it
func (cb *circuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()

	cb.checkStateTransition()
	state := cb.state

	if state == CircuitOpen {
		cb.mu.Unlock()
		return NewError(ErrorTypeCircuitOpen, "circuit breaker is open", ErrCircuitOpen)
	}

	if state == CircuitHalfOpen {
		if cb.halfOpenRequests >= cb.config.HalfOpenRequests {
			cb.mu.Unlock()
			return NewError(ErrorTypeCircuitOpen, "circuit breaker half-open limit reached", ErrCircuitOpen)
		}
		cb.halfOpenRequests++
	}

	cb.mu.Unlock()

	err := fn()
	cb.recordResult(err)
	return err
}

// State returns the current state of the circuit
func (cb *circuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.checkStateTransition()
	return cb.state
}

// Reset manually resets the circuit to closed state
func (cb *circuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenRequests = 0
	cb.lastStateChange = time.Now()
}

// checkStateTransition moves Open to HalfOpen once the timeout elapses.
// Callers must hold cb.mu.
func (cb *circuitBreaker) checkStateTransition() {
	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Timeout {
		cb.transitionTo(CircuitHalfOpen)
	}
}

// recordResult records the result of a function execution
func (cb *circuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

func (cb *circuitBreaker) onSuccess() {
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0

	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	}
}

func (cb *circuitBreaker) onFailure() {
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}

	case CircuitHalfOpen:
		// Any failure in half-open goes back to open.
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *circuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	cb.state = newState
	cb.lastStateChange = time.Now()
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenRequests = 0
}

// perEndpointCircuitBreaker manages an individual circuit breaker per
// endpoint, so a failing schema endpoint does not block requests to the
// token endpoints or other schemas.
type perEndpointCircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]CircuitBreaker
	config   CircuitBreakerConfig
	observer Observer
}

// NewPerEndpointCircuitBreaker creates a manager for per-endpoint
// circuit breakers. Each endpoint gets its own breaker with the same
// configuration. When observer is non-nil, state changes are reported
// through it.
func NewPerEndpointCircuitBreaker(config CircuitBreakerConfig, observer Observer) *perEndpointCircuitBreaker {
	return &perEndpointCircuitBreaker{
		breakers: make(map[string]CircuitBreaker),
		config:   config,
		observer: observer,
	}
}

// Execute runs a function under the endpoint's circuit breaker,
// creating one on first use.
func (pecb *perEndpointCircuitBreaker) Execute(endpoint string, fn func() error) error {
	return pecb.getOrCreate(endpoint).Execute(fn)
}

// State returns the endpoint's circuit state, CircuitClosed when no
// breaker exists yet.
func (pecb *perEndpointCircuitBreaker) State(endpoint string) CircuitState {
	pecb.mu.RLock()
	cb, exists := pecb.breakers[endpoint]
	pecb.mu.RUnlock()

	if !exists {
		return CircuitClosed
	}
	return cb.State()
}

// Reset resets the endpoint's circuit breaker to closed state.
func (pecb *perEndpointCircuitBreaker) Reset(endpoint string) {
	pecb.mu.RLock()
	cb, exists := pecb.breakers[endpoint]
	pecb.mu.RUnlock()

	if exists {
		cb.Reset()
	}
}

// ResetAll resets every circuit breaker to closed state.
func (pecb *perEndpointCircuitBreaker) ResetAll() {
	pecb.mu.RLock()
	defer pecb.mu.RUnlock()

	for _, cb := range pecb.breakers {
		cb.Reset()
	}
}

func (pecb *perEndpointCircuitBreaker) getOrCreate(endpoint string) CircuitBreaker {
	pecb.mu.RLock()
	cb, exists := pecb.breakers[endpoint]
	pecb.mu.RUnlock()

	if exists {
		return cb
	}

	pecb.mu.Lock()
	defer pecb.mu.Unlock()

	if cb, exists := pecb.breakers[endpoint]; exists {
		return cb
	}

	cb = NewCircuitBreaker(pecb.config)
	if pecb.observer != nil {
		cb = newObservedCircuitBreaker(cb, endpoint, pecb.observer)
	}
	pecb.breakers[endpoint] = cb
	return cb
}

// noopCircuitBreaker is a circuit breaker that does nothing. Used when
// circuit breaking is not configured.
type noopCircuitBreaker struct{}

// Execute always executes the function
func (ncb *noopCircuitBreaker) Execute(fn func() error) error { return fn() }

// State always returns closed
func (ncb *noopCircuitBreaker) State() CircuitState { return CircuitClosed }

// Reset does nothing
func (ncb *noopCircuitBreaker) Reset() {}

// NewNoopCircuitBreaker creates a circuit breaker that never blocks.
// Useful in tests that exercise failure paths without breaker
// interference.
func NewNoopCircuitBreaker() CircuitBreaker {
	return &noopCircuitBreaker{}
}
