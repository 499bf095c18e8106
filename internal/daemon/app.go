// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/michaelasham/wa-hub-sub000/internal/config"
	"github.com/michaelasham/wa-hub-sub000/internal/log"
)

// Run starts every owned subsystem and blocks until ctx is cancelled or a
// fatal error occurs. It always tears the process down before returning, so
// callers can treat a returned nil as a completed graceful shutdown.
func (a *App) Run(ctx context.Context) error {
	runErr := a.run(ctx)
	if err := a.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (a *App) run(ctx context.Context) error {
	if err := a.initTelemetry(ctx); err != nil {
		a.logger.Warn().Err(err).Str("event", "telemetry.init_failed").Msg("continuing without tracing")
	}

	if removed, err := a.store.Cleanup(ctx, a.cfg.Idempotency.Retention); err != nil {
		a.logger.Warn().Err(err).Str("event", "idempotency.cleanup_failed").Msg("startup cleanup failed")
	} else if removed > 0 {
		a.logger.Info().Int("removed", removed).Str("event", "idempotency.cleanup").Msg("evicted expired idempotency records")
	}

	restored, err := a.manager.RestoreFromDisk()
	if err != nil {
		return fmt.Errorf("restore instances: %w", err)
	}
	if restored > 0 {
		a.logger.Info().Int("count", restored).Str("event", "restore.scheduled").Msg("queued persisted instances for restoration")
	}

	g, ctx := errgroup.WithContext(ctx)

	// Config watcher is best-effort: a broken watcher must not stop startup.
	if a.holder != nil {
		if err := a.holder.StartWatcher(ctx); err != nil {
			a.logger.Warn().Err(err).Str("event", "config.watcher_start_failed").Msg("failed to start config watcher")
		}

		applyCh := make(chan config.Config, 1)
		a.holder.RegisterListener(applyCh)
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case next := <-applyCh:
					a.applyReload(next)
				}
			}
		})

		g.Go(func() error { return a.watchReloadSignal(ctx) })
	}

	g.Go(func() error { return a.manager.Sweeper().Run(ctx) })
	g.Go(func() error { return a.manager.Restorer().Run(ctx) })
	g.Go(func() error { return a.cleanupLoop(ctx) })
	g.Go(func() error { return a.serve(ctx) })

	return g.Wait()
}

// serve runs the HTTP server until ctx ends, then drains it within the
// shutdown timeout. A listen failure cancels the whole group.
func (a *App) serve(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		a.logger.Info().Str("event", "http.listening").Str("addr", a.server.Addr).Msg("HTTP server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.opts.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error().Err(err).Str("event", "http.shutdown_failed").Msg("HTTP server shutdown error")
		}
		return nil
	}
}

// watchReloadSignal triggers a config reload on SIGHUP. Reload failures keep
// the previous config and are logged, never fatal.
func (a *App) watchReloadSignal(ctx context.Context) error {
	if a.reloadSignal == nil {
		<-ctx.Done()
		return nil
	}

	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, a.reloadSignal)
	defer signal.Stop(hupChan)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hupChan:
			a.logger.Info().
				Str("event", "config.reload_signal").
				Str("signal", a.reloadSignal.String()).
				Msg("received reload signal, reloading config")
			if err := a.holder.Reload(context.Background()); err != nil {
				a.logger.Warn().Err(err).Str("event", "config.reload_failed").Msg("config reload failed")
			}
		}
	}
}

// applyReload applies the reloadable subset of a fresh config snapshot: log
// level and webhook credentials. Everything else requires a restart.
func (a *App) applyReload(next config.Config) {
	log.SetLevel(next.LogLevel)
	a.hooks.UpdateCredentials(next.Webhook.Secret, next.Webhook.BearerToken, next.Webhook.BypassToken)
	a.logger.Info().
		Str("event", "config.applied").
		Str("log_level", next.LogLevel).
		Msg("applied reloadable config subset")
}

// cleanupLoop evicts idempotency records past retention on a fixed cadence.
// A non-positive interval disables the loop.
func (a *App) cleanupLoop(ctx context.Context) error {
	if a.cfg.Idempotency.CleanupInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(a.cfg.Idempotency.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := a.store.Cleanup(ctx, a.cfg.Idempotency.Retention)
			if err != nil {
				a.logger.Warn().Err(err).Str("event", "idempotency.cleanup_failed").Msg("cleanup pass failed")
				continue
			}
			if removed > 0 {
				a.logger.Info().Int("removed", removed).Str("event", "idempotency.cleanup").Msg("evicted expired idempotency records")
			}
		}
	}
}

// shutdown tears down in reverse start order: supervisor first so drivers
// destroy while the stores and dispatcher are still alive, then the rest.
func (a *App) shutdown() error {
	a.logger.Info().Str("event", "shutdown.start").Msg("shutting down")

	if a.holder != nil {
		a.holder.Stop()
	}

	var errs []error

	closeCtx, cancel := context.WithTimeout(context.Background(), a.opts.ShutdownTimeout)
	defer cancel()
	if err := a.manager.Close(closeCtx); err != nil {
		a.logger.Error().Err(err).Str("event", "shutdown.manager_failed").Msg("manager close error")
		errs = append(errs, fmt.Errorf("close manager: %w", err))
	}

	a.hooks.Close()
	a.mode.Close()

	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Str("event", "shutdown.store_failed").Msg("idempotency store close error")
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	if a.tracing != nil {
		if err := a.tracing.Shutdown(closeCtx); err != nil {
			a.logger.Error().Err(err).Str("event", "shutdown.telemetry_failed").Msg("telemetry shutdown error")
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}

	a.logger.Info().Str("event", "shutdown.complete").Msg("daemon stopped")
	return errors.Join(errs...)
}
