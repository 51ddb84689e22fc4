package stackmob

import (
	"context"
	"sync"
	"time"
)

// Observer provides hooks for monitoring client operations. Implement
// this interface to track performance metrics, debug issues, or
// integrate with an observability stack.
//
// Observer methods should be fast and non-blocking. OnRequestStart
// returns a context so implementations can attach per-request state
// (such as a trace span) that OnRequestEnd retrieves.
//
// Example implementation:
//
//	type LogObserver struct {
//	    logger *log.Logger
//	}
//
//	func (o *LogObserver) OnRequestStart(ctx context.Context, method, path string) context.Context {
//	    o.logger.Printf("[START] %s %s", method, path)
//	    return ctx
//	}
//
//	func (o *LogObserver) OnRequestEnd(ctx context.Context, method, path string, statusCode int, duration time.Duration, err error) {
//	    if err != nil {
//	        o.logger.Printf("[ERROR] %s %s - %v (took %v)", method, path, err, duration)
//	    } else {
//	        o.logger.Printf("[%d] %s %s (took %v)", statusCode, method, path, duration)
//	    }
//	}
//
// Ready-made observers: LoggingObserver (logrus), PrometheusObserver,
// TracingObserver (OpenTelemetry), MetricsCollector (in-memory).
type Observer interface {
	// OnRequestStart is called when an HTTP request starts, before
	// signing. The returned context is threaded through the request and
	// handed back to OnRequestEnd.
	OnRequestStart(ctx context.Context, method, path string) context.Context

	// OnRequestEnd is called when an HTTP request completes, after all
	// retries. statusCode is 0 when no response was received.
	OnRequestEnd(ctx context.Context, method, path string, statusCode int, duration time.Duration, err error)

	// OnRetryAttempt is called before each retry sleep.
	// attempt counts from 1; err is the error that triggered the retry.
	OnRetryAttempt(method, path string, attempt int, delay time.Duration, err error)

	// OnCircuitBreakerStateChange is called when a circuit breaker
	// changes state. endpoint is "global" for the shared breaker.
	OnCircuitBreakerStateChange(endpoint string, oldState, newState CircuitState)

	// OnSessionRefresh is called after a token refresh attempt,
	// successful or not.
	OnSessionRefresh(username string, err error)

	// OnRedirect is called when the client follows a cluster redirect.
	OnRedirect(method, location string, hop int)
}

// NoopObserver is the default Observer. It does nothing and has zero
// overhead.
type NoopObserver struct{}

// OnRequestStart returns the context unchanged
func (n *NoopObserver) OnRequestStart(ctx context.Context, method, path string) context.Context {
	return ctx
}

// OnRequestEnd does nothing
func (n *NoopObserver) OnRequestEnd(ctx context.Context, method, path string, statusCode int, duration time.Duration, err error) {
}

// OnRetryAttempt does nothing
func (n *NoopObserver) OnRetryAttempt(method, path string, attempt int, delay time.Duration, err error) {
}

// OnCircuitBreakerStateChange does nothing
func (n *NoopObserver) OnCircuitBreakerStateChange(endpoint string, oldState, newState CircuitState) {
}

// OnSessionRefresh does nothing
func (n *NoopObserver) OnSessionRefresh(username string, err error) {}

// OnRedirect does nothing
func (n *NoopObserver) OnRedirect(method, location string, hop int) {}

// MetricsCollector is a simple in-memory Observer. It counts requests,
// errors, retries, latencies, circuit state changes, session refreshes,
// and redirects, keyed by "METHOD path".
//
// All data lives in process memory, so this is mainly for debugging and
// tests. For production monitoring use PrometheusObserver.
//
//	metrics := stackmob.NewMetricsCollector()
//	config := stackmob.DefaultConfig().
//	    WithKeys("pub", "").
//	    WithObserver(metrics)
//
//	// later
//	snapshot := metrics.GetMetrics()
//	fmt.Printf("requests: %v\n", snapshot["requests"])
type MetricsCollector struct {
	mu                  sync.RWMutex
	requestCount        map[string]int64
	latencies           map[string][]time.Duration
	errorCount          map[string]int64
	retryCount          map[string]int64
	circuitStateChanges map[string]int64
	refreshCount        int64
	refreshErrors       int64
	redirectCount       int64
}

// NewMetricsCollector creates an empty in-memory metrics collector.
// It is safe for concurrent use.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		requestCount:        make(map[string]int64),
		latencies:           make(map[string][]time.Duration),
		errorCount:          make(map[string]int64),
		retryCount:          make(map[string]int64),
		circuitStateChanges: make(map[string]int64),
	}
}

// OnRequestStart increments the request count
func (m *MetricsCollector) OnRequestStart(ctx context.Context, method, path string) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount[method+" "+path]++
	return ctx
}

// OnRequestEnd records duration and errors
func (m *MetricsCollector) OnRequestEnd(ctx context.Context, method, path string, statusCode int, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := method + " " + path
	m.latencies[key] = append(m.latencies[key], duration)
	if err != nil {
		m.errorCount[key]++
	}
}

// OnRetryAttempt increments the retry count
func (m *MetricsCollector) OnRetryAttempt(method, path string, attempt int, delay time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryCount[method+" "+path]++
}

// OnCircuitBreakerStateChange counts state changes per endpoint
func (m *MetricsCollector) OnCircuitBreakerStateChange(endpoint string, oldState, newState CircuitState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuitStateChanges[endpoint]++
}

// OnSessionRefresh counts refresh attempts and failures
func (m *MetricsCollector) OnSessionRefresh(username string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshCount++
	if err != nil {
		m.refreshErrors++
	}
}

// OnRedirect counts followed redirects
func (m *MetricsCollector) OnRedirect(method, location string, hop int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redirectCount++
}

// GetMetrics returns a snapshot of current metrics. The returned map is
// a copy and safe to read without locks.
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	requestsCopy := make(map[string]int64, len(m.requestCount))
	for k, v := range m.requestCount {
		requestsCopy[k] = v
	}

	latenciesCopy := make(map[string][]time.Duration, len(m.latencies))
	for k, v := range m.latencies {
		latenciesCopy[k] = append([]time.Duration(nil), v...)
	}

	errorsCopy := make(map[string]int64, len(m.errorCount))
	for k, v := range m.errorCount {
		errorsCopy[k] = v
	}

	retriesCopy := make(map[string]int64, len(m.retryCount))
	for k, v := range m.retryCount {
		retriesCopy[k] = v
	}

	circuitChangesCopy := make(map[string]int64, len(m.circuitStateChanges))
	for k, v := range m.circuitStateChanges {
		circuitChangesCopy[k] = v
	}

	return map[string]interface{}{
		"requests":                      requestsCopy,
		"latencies":                     latenciesCopy,
		"errors":                        errorsCopy,
		"retries":                       retriesCopy,
		"circuit_breaker_state_changes": circuitChangesCopy,
		"session_refreshes":             m.refreshCount,
		"session_refresh_errors":        m.refreshErrors,
		"redirects":                     m.redirectCount,
	}
}

// CompositeObserver fans out to multiple observers in order. A panic in
// one observer is caught so it cannot affect the others. Contexts
// returned by OnRequestStart are chained, so each observer sees the
// previous one's additions.
//
//	observer := stackmob.NewCompositeObserver(
//	    stackmob.NewLoggingObserver(logger),
//	    stackmob.NewPrometheusObserver(nil),
//	)
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an observer that delegates to the given
// observers.
func NewCompositeObserver(observers ...Observer) Observer {
	return &CompositeObserver{observers: observers}
}

// OnRequestStart notifies all observers, chaining contexts
func (c *CompositeObserver) OnRequestStart(ctx context.Context, method, path string) context.Context {
	for _, obs := range c.observers {
		func() {
			defer func() { recover() }()
			ctx = obs.OnRequestStart(ctx, method, path)
		}()
	}
	return ctx
}

// OnRequestEnd notifies all observers
func (c *CompositeObserver) OnRequestEnd(ctx context.Context, method, path string, statusCode int, duration time.Duration, err error) {
	for _, obs := range c.observers {
		func() {
			defer func() { recover() }()
			obs.OnRequestEnd(ctx, method, path, statusCode, duration, err)
		}()
	}
}

// OnRetryAttempt notifies all observers
func (c *CompositeObserver) OnRetryAttempt(method, path string, attempt int, delay time.Duration, err error) {
	for _, obs := range c.observers {
		func() {
			defer func() { recover() }()
			obs.OnRetryAttempt(method, path, attempt, delay, err)
		}()
	}
}

// OnCircuitBreakerStateChange notifies all observers
func (c *CompositeObserver) OnCircuitBreakerStateChange(endpoint string, oldState, newState CircuitState) {
	for _, obs := range c.observers {
		func() {
			defer func() { recover() }()
			obs.OnCircuitBreakerStateChange(endpoint, oldState, newState)
		}()
	}
}

// OnSessionRefresh notifies all observers
func (c *CompositeObserver) OnSessionRefresh(username string, err error) {
	for _, obs := range c.observers {
		func() {
			defer func() { recover() }()
			obs.OnSessionRefresh(username, err)
		}()
	}
}

// OnRedirect notifies all observers
func (c *CompositeObserver) OnRedirect(method, location string, hop int) {
	for _, obs := range c.observers {
		func() {
			defer func() { recover() }()
			obs.OnRedirect(method, location, hop)
		}()
	}
}

// observedCircuitBreaker wraps a circuit breaker to notify the observer
// of state changes.
type observedCircuitBreaker struct {
	cb        CircuitBreaker
	endpoint  string
	observer  Observer
	mu        sync.Mutex
	lastState CircuitState
}

func newObservedCircuitBreaker(cb CircuitBreaker, endpoint string, observer Observer) CircuitBreaker {
	return &observedCircuitBreaker{
		cb:        cb,
		endpoint:  endpoint,
		observer:  observer,
		lastState: cb.State(),
	}
}

// Execute runs the function and notifies state changes
func (o *observedCircuitBreaker) Execute(fn func() error) error {
	err := o.cb.Execute(fn)
	o.notifyIfChanged()
	return err
}

// State returns the current state
func (o *observedCircuitBreaker) State() CircuitState {
	return o.cb.State()
}

// Reset resets the circuit and notifies of state change
func (o *observedCircuitBreaker) Reset() {
	o.cb.Reset()
	o.notifyIfChanged()
}

func (o *observedCircuitBreaker) notifyIfChanged() {
	current := o.cb.State()

	o.mu.Lock()
	changed := current != o.lastState
	old := o.lastState
	if changed {
		o.lastState = current
	}
	o.mu.Unlock()

	if changed {
		o.observer.OnCircuitBreakerStateChange(o.endpoint, old, current)
	}
}
