// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strings"
	"unicode/utf8"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
	"github.com/michaelasham/wa-hub-sub000/internal/log"
)

// Recoverer keeps a panicking handler from tearing down the supervisor and
// every session it carries. The request dies with a 500, the panic lands in
// the log with its stack, and the daemon keeps serving.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			// net/http aborts a response on purpose with this sentinel.
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logPanic(r, rec)
			writePanicResponse(w, r)
		}()

		next.ServeHTTP(w, r)
	})
}

func logPanic(r *http.Request, rec any) {
	path := r.URL.Path
	if !utf8.ValidString(path) {
		path = strings.ToValidUTF8(path, "")
	}
	logger := log.WithComponentFromContext(r.Context(), "panic-recovery")
	logger.Error().
		Str(log.FieldEvent, "http.panic").
		Str("method", r.Method).
		Str(log.FieldPath, path).
		Str("remote_addr", r.RemoteAddr).
		Interface("panic_value", rec).
		Str("stack_trace", string(debug.Stack())).
		Msg("panic recovered in HTTP handler")
}

// writePanicResponse answers with the same envelope the API error path uses,
// so clients see one reason grammar regardless of how a request failed.
func writePanicResponse(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":     "internal error",
		"reason":    string(model.RInternal),
		"requestId": log.RequestIDFromContext(r.Context()),
	})
}
