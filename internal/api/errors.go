// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/lifecycle"
	"github.com/michaelasham/wa-hub-sub000/internal/log"
)

// errorResponse is the uniform error envelope. Enqueue endpoints add the
// instance state and queue depth so callers can reason about deferral.
type errorResponse struct {
	Error      string `json:"error"`
	Reason     string `json:"reason,omitempty"`
	DetailCode string `json:"detailCode,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	State      string `json:"state,omitempty"`
	QueueDepth *int   `json:"queueDepth,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeUnauthorized writes a 401 Unauthorized response
func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
}

// writeBadRequest writes a 400 response with the given message
func writeBadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error:     msg,
		RequestID: log.RequestIDFromContext(r.Context()),
	})
}

// respondError maps a domain error onto the wire: status code from the
// sentinel class, reason/detail codes from the attached reason error.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	respondErrorEnvelope(w, r, err, buildErrorResponse(r, err))
}

func respondErrorEnvelope(w http.ResponseWriter, r *http.Request, err error, resp errorResponse) {
	code := statusForError(err)
	if code >= http.StatusInternalServerError {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().
			Err(err).
			Str("event", "api.internal_error").
			Str("method", r.Method).
			Str(log.FieldPath, r.URL.Path).
			Msg("request failed")
	}
	writeJSON(w, code, resp)
}

func buildErrorResponse(r *http.Request, err error) errorResponse {
	resp := errorResponse{
		Error:     err.Error(),
		RequestID: log.RequestIDFromContext(r.Context()),
	}
	if reason, detail, _, ok := lifecycle.ReasonFromError(err); ok {
		resp.Reason = string(reason)
		resp.DetailCode = string(detail)
	}
	// Internal detail stays in the logs.
	if statusForError(err) >= http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	return resp
}

// statusForError resolves the HTTP status for a domain error. Specific
// sentinels are checked before their umbrella classes: an "instance exists"
// conflict is also a bad request by class, but the caller needs the 409.
func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, lifecycle.ErrInstanceNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInstanceExists),
		errors.Is(err, lifecycle.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrQueueFull),
		errors.Is(err, lifecycle.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, lifecycle.ErrBadRequest),
		errors.Is(err, lifecycle.ErrTerminalState),
		errors.Is(err, lifecycle.ErrUserInput):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrDriverTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
