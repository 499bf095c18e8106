// SPDX-License-Identifier: MIT

// Package middleware provides the HTTP ingress middleware for the hub API.
package middleware

import (
	"github.com/go-chi/chi/v5"

	wahublog "github.com/michaelasham/wa-hub-sub000/internal/log"
)

// StackConfig selects which ingress middlewares a router gets. The supervisor
// API enables everything; tests usually want a subset.
type StackConfig struct {
	EnableSecurityHeaders bool
	CSP                   string

	EnableMetrics  bool
	TracingService string // empty disables tracing
	EnableLogging  bool

	EnableRateLimit bool
}

// NewRouter returns a chi router with the ingress stack already applied.
func NewRouter(cfg StackConfig) *chi.Mux {
	r := chi.NewRouter()
	ApplyStack(r, cfg)
	return r
}

// ApplyStack wires the ingress middlewares in their required order.
// RequestID runs before Recoverer so panic logs carry the correlation id;
// the rate limiter sits innermost so a rejected request still shows up in
// metrics and the access log.
func ApplyStack(r chi.Router, cfg StackConfig) {
	r.Use(RequestID)
	r.Use(Recoverer)
	if cfg.EnableSecurityHeaders {
		r.Use(SecurityHeaders(cfg.CSP))
	}
	if cfg.EnableMetrics {
		r.Use(Metrics())
	}
	if cfg.TracingService != "" {
		r.Use(OTelHTTP(cfg.TracingService))
	}
	if cfg.EnableLogging {
		r.Use(wahublog.Middleware())
	}
	if cfg.EnableRateLimit {
		r.Use(APIRateLimit())
	}
}
