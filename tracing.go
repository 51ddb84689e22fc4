package stackmob

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this library to the tracer provider.
const tracerName = "github.com/stackmob/stackmob-go"

// TracingObserver opens an OpenTelemetry span per API request. The span
// is carried on the request context between OnRequestStart and
// OnRequestEnd, so concurrent requests trace independently.
//
// Only the OpenTelemetry API is used here; the embedding application
// owns the tracer provider and exporter setup.
//
//	config := stackmob.DefaultConfig().
//	    WithKeys("pub", "").
//	    WithObserver(stackmob.NewTracingObserver(nil))
type TracingObserver struct {
	tracer trace.Tracer
}

// spanKey carries the request span through the context.
type spanKey struct{}

// NewTracingObserver creates a tracing observer. A nil provider uses
// the global otel.GetTracerProvider.
func NewTracingObserver(provider trace.TracerProvider) *TracingObserver {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &TracingObserver{tracer: provider.Tracer(tracerName)}
}

// OnRequestStart opens a client span and stashes it in the context
func (o *TracingObserver) OnRequestStart(ctx context.Context, method, path string) context.Context {
	ctx, span := o.tracer.Start(ctx, method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", path),
		),
	)
	return context.WithValue(ctx, spanKey{}, span)
}

// OnRequestEnd finishes the request span with status and latency
func (o *TracingObserver) OnRequestEnd(ctx context.Context, method, path string, statusCode int, duration time.Duration, err error) {
	span, ok := ctx.Value(spanKey{}).(trace.Span)
	if !ok {
		return
	}

	span.SetAttributes(attribute.Int("http.status_code", statusCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// OnRetryAttempt is not traced; retries land inside the request span
func (o *TracingObserver) OnRetryAttempt(method, path string, attempt int, delay time.Duration, err error) {
}

// OnCircuitBreakerStateChange is not traced
func (o *TracingObserver) OnCircuitBreakerStateChange(endpoint string, oldState, newState CircuitState) {
}

// OnSessionRefresh is not traced
func (o *TracingObserver) OnSessionRefresh(username string, err error) {}

// OnRedirect is not traced
func (o *TracingObserver) OnRedirect(method, location string, hop int) {}
