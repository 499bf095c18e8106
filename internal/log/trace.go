// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// WithTraceContext returns the base logger enriched with trace_id and
// span_id from the active span. Without a valid span the base logger is
// returned unchanged, so call sites never need to guard on tracing being
// enabled.
func WithTraceContext(ctx context.Context) zerolog.Logger {
	l := logger()
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return l
	}
	return l.With().
		Str("trace_id", spanCtx.TraceID().String()).
		Str("span_id", spanCtx.SpanID().String()).
		Logger()
}
