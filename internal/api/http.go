// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package api exposes the tenant-facing HTTP surface of the hub: instance
// CRUD, session operations and enqueue endpoints, plus the public probes.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/michaelasham/wa-hub-sub000/internal/api/middleware"
	"github.com/michaelasham/wa-hub-sub000/internal/config"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/manager"
	"github.com/michaelasham/wa-hub-sub000/internal/health"
)

// maxBodyBytes caps JSON request bodies (1 MiB).
const maxBodyBytes = 1 << 20

// Server holds the handlers' collaborators. The daemon owns the http.Server
// lifecycle; this type only builds the handler tree.
type Server struct {
	cfg     config.Config
	manager *manager.Manager
	health  *health.Manager
}

// NewServer wires the API against a running instance manager.
func NewServer(cfg config.Config, mgr *manager.Manager, healthMgr *health.Manager) *Server {
	return &Server{
		cfg:     cfg,
		manager: mgr,
		health:  healthMgr,
	}
}

func (s *Server) apiToken() string {
	return s.cfg.APIToken
}

// Router assembles the middleware stack and all routes.
func (s *Server) Router() http.Handler {
	tracingService := ""
	if s.cfg.Telemetry.Enabled {
		tracingService = s.cfg.Telemetry.ServiceName
	}

	r := middleware.NewRouter(middleware.StackConfig{
		EnableSecurityHeaders: true,
		CSP:                   middleware.DefaultCSP,
		EnableMetrics:         true,
		TracingService:        tracingService,
		EnableLogging:         true,
		EnableRateLimit:       true,
	})

	// Public probes, no auth.
	r.Get("/health", s.health.ServeHealth)
	r.Get("/health/ready", s.health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Tenant API.
	r.Group(func(gr chi.Router) {
		gr.Use(s.authMiddleware)
		gr.Route("/instances", func(ir chi.Router) {
			ir.Get("/", s.handleListInstances)
			ir.Post("/", s.handleCreateInstance)
			ir.Route("/{id}", func(rr chi.Router) {
				rr.Use(instanceLogContext)
				rr.Put("/", s.handleUpdateInstance)
				rr.Delete("/", s.handleDeleteInstance)
				rr.Get("/diagnostics", s.handleDiagnostics)
				rr.Route("/client", func(cr chi.Router) {
					cr.Get("/qr", s.handleQR)
					cr.Get("/status", s.handleClientStatus)
					cr.Post("/action/send-message", s.handleSendMessage)
					cr.Post("/action/create-poll", s.handleCreatePoll)
					cr.Post("/action/logout", s.handleLogout)
				})
			})
		})
	})

	return r
}
