package stackmob

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingObserver logs client operations through logrus. Requests log
// at debug on success and warn on failure; retries, circuit state
// changes, session refreshes, and redirects log at info or warn.
//
//	logger := logrus.New()
//	logger.SetFormatter(&logrus.JSONFormatter{})
//
//	config := stackmob.DefaultConfig().
//	    WithKeys("pub", "").
//	    WithObserver(stackmob.NewLoggingObserver(logger))
type LoggingObserver struct {
	logger logrus.FieldLogger
}

// NewLoggingObserver creates an observer that logs through the given
// logger. A nil logger falls back to the logrus standard logger.
func NewLoggingObserver(logger logrus.FieldLogger) *LoggingObserver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LoggingObserver{logger: logger}
}

// OnRequestStart logs the outgoing request at debug level
func (o *LoggingObserver) OnRequestStart(ctx context.Context, method, path string) context.Context {
	o.logger.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
	}).Debug("api request started")
	return ctx
}

// OnRequestEnd logs the completed request with its latency
func (o *LoggingObserver) OnRequestEnd(ctx context.Context, method, path string, statusCode int, duration time.Duration, err error) {
	fields := logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      statusCode,
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		o.logger.WithFields(fields).WithError(err).Warn("api request failed")
		return
	}
	o.logger.WithFields(fields).Debug("api request completed")
}

// OnRetryAttempt logs each retry with the triggering error
func (o *LoggingObserver) OnRetryAttempt(method, path string, attempt int, delay time.Duration, err error) {
	o.logger.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
	}).WithError(err).Info("retrying api request")
}

// OnCircuitBreakerStateChange logs circuit transitions, warning when a
// circuit opens
func (o *LoggingObserver) OnCircuitBreakerStateChange(endpoint string, oldState, newState CircuitState) {
	entry := o.logger.WithFields(logrus.Fields{
		"endpoint":  endpoint,
		"old_state": oldState.String(),
		"new_state": newState.String(),
	})
	if newState == CircuitOpen {
		entry.Warn("circuit breaker opened")
		return
	}
	entry.Info("circuit breaker state changed")
}

// OnSessionRefresh logs token refresh outcomes
func (o *LoggingObserver) OnSessionRefresh(username string, err error) {
	entry := o.logger.WithField("username", username)
	if err != nil {
		entry.WithError(err).Warn("session refresh failed")
		return
	}
	entry.Info("session refreshed")
}

// OnRedirect logs followed cluster redirects
func (o *LoggingObserver) OnRedirect(method, location string, hop int) {
	o.logger.WithFields(logrus.Fields{
		"method":   method,
		"location": location,
		"hop":      hop,
	}).Debug("following redirect")
}
