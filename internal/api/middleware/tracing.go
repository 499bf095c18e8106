// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// untracedPaths are probe and scrape endpoints. Kubelet and Prometheus hit
// them every few seconds, which would drown real API traffic in the trace
// backend.
var untracedPaths = map[string]struct{}{
	"/health":       {},
	"/health/ready": {},
	"/metrics":      {},
}

// OTelHTTP instruments the handler chain with otelhttp: each request becomes
// a span under the configured tracer provider, and inbound trace context is
// continued. Probe endpoints are filtered before a span is ever started.
func OTelHTTP(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(
			next,
			serviceName,
			otelhttp.WithTracerProvider(otel.GetTracerProvider()),
			otelhttp.WithFilter(shouldTrace),
			otelhttp.WithSpanNameFormatter(spanName),
			otelhttp.WithSpanOptions(
				trace.WithAttributes(semconv.ServiceName(serviceName)),
			),
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		)
	}
}

func shouldTrace(r *http.Request) bool {
	_, skip := untracedPaths[r.URL.Path]
	return !skip
}

// spanName renders "HTTP {METHOD} {PATH}". A query string is collapsed to a
// bare "?" so auth tokens and chat ids never reach the trace backend.
func spanName(operation string, r *http.Request) string {
	name := operation + " " + r.URL.Path
	if r.URL.RawQuery != "" {
		name += "?"
	}
	return name
}
