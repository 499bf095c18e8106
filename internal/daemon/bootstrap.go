// SPDX-License-Identifier: MIT

// Package daemon assembles the hub process and owns its runtime lifecycle:
// dependency wiring, background loops and graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelasham/wa-hub-sub000/internal/api"
	"github.com/michaelasham/wa-hub-sub000/internal/config"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/manager"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/ports"
	"github.com/michaelasham/wa-hub-sub000/internal/health"
	"github.com/michaelasham/wa-hub-sub000/internal/idempotency"
	"github.com/michaelasham/wa-hub-sub000/internal/infra/driver/stub"
	"github.com/michaelasham/wa-hub-sub000/internal/log"
	"github.com/michaelasham/wa-hub-sub000/internal/sysmode"
	"github.com/michaelasham/wa-hub-sub000/internal/telemetry"
	"github.com/michaelasham/wa-hub-sub000/internal/webhook"
)

// Options carries build metadata and HTTP server tunables. Zero values fall
// back to the defaults below.
type Options struct {
	// Version is the build version stamped into health responses and spans.
	Version string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration
}

const (
	defaultReadTimeout    = 15 * time.Second
	defaultWriteTimeout   = 30 * time.Second
	defaultIdleTimeout    = 60 * time.Second
	defaultMaxHeaderBytes = 1 << 20

	// defaultShutdownTimeout bounds the whole teardown: HTTP drain plus the
	// manager's driver destroys. It must exceed Lifecycle.DestroyTimeout or
	// slow browser teardowns get cut off mid-destroy.
	defaultShutdownTimeout = 25 * time.Second
)

func (o *Options) applyDefaults() {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.MaxHeaderBytes <= 0 {
		o.MaxHeaderBytes = defaultMaxHeaderBytes
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = defaultShutdownTimeout
	}
}

// App owns every long-lived collaborator of the hub process. Build one with
// New, run it with Run; Run tears everything down before returning.
type App struct {
	cfg    config.Config
	holder *config.Holder
	opts   Options
	logger zerolog.Logger

	store   idempotency.Store
	hooks   *webhook.Dispatcher
	mode    *sysmode.Controller
	manager *manager.Manager
	tracing *telemetry.Provider
	server  *http.Server

	// reloadSignal triggers a manual config reload; tests swap it out.
	reloadSignal os.Signal
}

// New builds the full dependency graph from a validated Config. The holder
// is optional; without one, hot reload and SIGHUP handling are disabled.
// The returned App is idle until Run.
func New(cfg config.Config, holder *config.Holder, opts Options) (*App, error) {
	if cfg.Listen == "" {
		return nil, ErrMissingConfig
	}
	opts.applyDefaults()

	factory, err := buildDriverFactory(cfg.Driver)
	if err != nil {
		return nil, err
	}

	store, err := idempotency.Open(cfg.Idempotency)
	if err != nil {
		return nil, fmt.Errorf("open idempotency store: %w", err)
	}

	hooks := webhook.NewDispatcher(cfg.Webhook)
	mode := sysmode.NewController(cfg.SystemMode)
	outbox := sysmode.NewOutboundQueue(cfg.SystemMode)
	inbox := sysmode.NewInboundBuffer(cfg.SystemMode)

	mgr, err := manager.New(cfg, manager.Deps{
		Factory:  factory,
		Store:    store,
		Webhooks: hooks,
		Mode:     mode,
		Outbox:   outbox,
		Inbox:    inbox,
	})
	if err != nil {
		hooks.Close()
		mode.Close()
		_ = store.Close()
		return nil, fmt.Errorf("build manager: %w", err)
	}

	healthMgr := health.NewManager(opts.Version)
	healthMgr.SetDetails(health.SystemDetails(mgr.Count))
	healthMgr.RegisterChecker(health.NewDirWritableChecker("data_dir", cfg.DataDir))
	healthMgr.RegisterChecker(health.NewMemoryChecker(cfg.Restore.MinFreeMemMB))
	healthMgr.RegisterChecker(health.NewModeChecker(func() string { return string(mode.Mode()) }))

	return &App{
		cfg:     cfg,
		holder:  holder,
		opts:    opts,
		logger:  log.WithComponent("daemon"),
		store:   store,
		hooks:   hooks,
		mode:    mode,
		manager: mgr,
		server: &http.Server{
			Addr:           cfg.Listen,
			Handler:        api.NewServer(cfg, mgr, healthMgr).Router(),
			ReadTimeout:    opts.ReadTimeout,
			WriteTimeout:   opts.WriteTimeout,
			IdleTimeout:    opts.IdleTimeout,
			MaxHeaderBytes: opts.MaxHeaderBytes,
		},
		reloadSignal: syscall.SIGHUP,
	}, nil
}

// Manager exposes the instance supervisor, mainly for tests.
func (a *App) Manager() *manager.Manager { return a.manager }

// buildDriverFactory maps Driver.Kind to an in-process factory. The browser
// driver lives in the external session runner, so only the stub is available
// here; pointing Kind at "browser" is a deployment error this binary reports
// instead of silently downgrading.
func buildDriverFactory(cfg config.DriverConfig) (ports.Factory, error) {
	switch cfg.Kind {
	case "", "stub":
		return stub.NewFactory(stub.Options{
			ScriptFor: func(int) []stub.Step { return stub.HappyPath("stub-session") },
			Info:      ports.ClientInfo{DisplayName: "Stub Session", Platform: "stub"},
			InfoOK:    true,
		}), nil
	default:
		return nil, fmt.Errorf("driver kind %q: %w", cfg.Kind, ErrDriverNotBundled)
	}
}

// initTelemetry builds the tracer provider. A disabled config installs the
// noop provider, so spans cost nothing unless the exporter is configured.
func (a *App) initTelemetry(ctx context.Context) error {
	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        a.cfg.Telemetry.Enabled,
		ServiceName:    a.cfg.Telemetry.ServiceName,
		ServiceVersion: a.opts.Version,
		Environment:    config.ParseString("WAHUB_ENVIRONMENT", "production"),
		ExporterType:   a.cfg.Telemetry.Exporter,
		Endpoint:       a.cfg.Telemetry.Endpoint,
		SamplingRate:   a.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	a.tracing = provider

	if a.cfg.Telemetry.Enabled {
		a.logger.Info().
			Str("event", "telemetry.initialized").
			Str("exporter", a.cfg.Telemetry.Exporter).
			Str("endpoint", a.cfg.Telemetry.Endpoint).
			Float64("sample_ratio", a.cfg.Telemetry.SampleRatio).
			Msg("tracing enabled")
	}
	return nil
}
