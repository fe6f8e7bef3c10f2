// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// Tracing wraps handlers in otelhttp instrumentation. Spans are named
// "METHOD /path" so a payout release shows up as "POST /payouts/release"
// rather than the bare operation name. W3C trace context headers are
// propagated both ways. Place it after RequestID so the request ID is on
// the context when the span opens.
func Tracing(serviceName string) func(http.Handler) http.Handler {
	nameFormatter := func(_ string, r *http.Request) string {
		return r.Method + " " + r.URL.Path
	}
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName, otelhttp.WithSpanNameFormatter(nameFormatter))
	}
}

// GetTraceID returns the active trace ID for the request, or "" when
// tracing is disabled.
func GetTraceID(r *http.Request) string {
	if spanCtx := trace.SpanContextFromContext(r.Context()); spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// GetSpanID returns the active span ID for the request, or "" when
// tracing is disabled.
func GetSpanID(r *http.Request) string {
	if spanCtx := trace.SpanContextFromContext(r.Context()); spanCtx.IsValid() {
		return spanCtx.SpanID().String()
	}
	return ""
}
