package stackmob

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver exports client metrics to a Prometheus registry:
// request counts and latencies, retries, circuit breaker transitions,
// session refreshes, and redirects.
//
//	observer := stackmob.NewPrometheusObserver(nil) // default registry
//	config := stackmob.DefaultConfig().
//	    WithKeys("pub", "").
//	    WithObserver(observer)
//
// Register a custom registry to avoid the default one:
//
//	reg := prometheus.NewRegistry()
//	observer := stackmob.NewPrometheusObserver(reg)
type PrometheusObserver struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	retriesTotal     *prometheus.CounterVec
	circuitState     *prometheus.GaugeVec
	circuitChanges   *prometheus.CounterVec
	sessionRefreshes *prometheus.CounterVec
	redirectsTotal   prometheus.Counter
}

// NewPrometheusObserver creates an observer registered with the given
// registerer. A nil registerer uses prometheus.DefaultRegisterer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusObserver{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stackmob_requests_total",
			Help: "Total number of API requests",
		}, []string{"method", "path", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stackmob_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),

		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stackmob_retries_total",
			Help: "Total number of request retries",
		}, []string{"method", "path"}),

		circuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stackmob_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"endpoint"}),

		circuitChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stackmob_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		}, []string{"endpoint", "to_state"}),

		sessionRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stackmob_session_refreshes_total",
			Help: "Total number of token refresh attempts",
		}, []string{"result"}),

		redirectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackmob_redirects_total",
			Help: "Total number of followed cluster redirects",
		}),
	}
}

// OnRequestStart returns the context unchanged; counting happens on
// completion when the status is known
func (o *PrometheusObserver) OnRequestStart(ctx context.Context, method, path string) context.Context {
	return ctx
}

// OnRequestEnd records the request count and latency
func (o *PrometheusObserver) OnRequestEnd(ctx context.Context, method, path string, statusCode int, duration time.Duration, err error) {
	status := strconv.Itoa(statusCode)
	if statusCode == 0 {
		status = "error"
	}
	o.requestsTotal.WithLabelValues(method, path, status).Inc()
	o.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// OnRetryAttempt counts retries
func (o *PrometheusObserver) OnRetryAttempt(method, path string, attempt int, delay time.Duration, err error) {
	o.retriesTotal.WithLabelValues(method, path).Inc()
}

// OnCircuitBreakerStateChange tracks the circuit state gauge and
// transition counter
func (o *PrometheusObserver) OnCircuitBreakerStateChange(endpoint string, oldState, newState CircuitState) {
	o.circuitState.WithLabelValues(endpoint).Set(float64(newState))
	o.circuitChanges.WithLabelValues(endpoint, newState.String()).Inc()
}

// OnSessionRefresh counts refresh attempts by outcome
func (o *PrometheusObserver) OnSessionRefresh(username string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	o.sessionRefreshes.WithLabelValues(result).Inc()
}

// OnRedirect counts followed redirects
func (o *PrometheusObserver) OnRedirect(method, location string, hop int) {
	o.redirectsTotal.Inc()
}
