// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

import (
	"net/http"
	"time"
)

// Middleware returns an HTTP middleware that emits one structured access log
// line per request, correlated with the request ID when present.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lw := &logWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(lw, r)

			logger := WithComponentFromContext(r.Context(), "http")
			evt := logger.Info()
			if lw.status >= http.StatusInternalServerError {
				evt = logger.Error()
			}
			evt.
				Str(FieldEvent, "http.request").
				Str("method", r.Method).
				Str(FieldPath, r.URL.Path).
				Int("status", lw.status).
				Int("bytes", lw.bytes).
				Int64(FieldDurationMS, time.Since(start).Milliseconds()).
				Str("remote_addr", r.RemoteAddr).
				Msg("request handled")
		})
	}
}

// logWriter records the status code and byte count for access logging.
type logWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (lw *logWriter) WriteHeader(status int) {
	if !lw.written {
		lw.status = status
		lw.written = true
	}
	lw.ResponseWriter.WriteHeader(status)
}

func (lw *logWriter) Write(b []byte) (int, error) {
	if !lw.written {
		lw.WriteHeader(http.StatusOK)
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.bytes += n
	return n, err
}
