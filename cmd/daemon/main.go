// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/michaelasham/wa-hub-sub000/internal/config"
	"github.com/michaelasham/wa-hub-sub000/internal/daemon"
	"github.com/michaelasham/wa-hub-sub000/internal/health"
	"github.com/michaelasham/wa-hub-sub000/internal/log"
	"github.com/michaelasham/wa-hub-sub000/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Config path: explicit --config wins; otherwise pick up
	// ${WAHUB_DATA_DIR}/config.yaml when it exists, so file-based deployments
	// survive restarts without extra flags.
	effectivePath := strings.TrimSpace(*configPath)
	if effectivePath == "" {
		dataDir := strings.TrimSpace(config.ParseString("WAHUB_DATA_DIR", "./data"))
		autoPath := filepath.Join(dataDir, "config.yaml")
		if _, err := os.Stat(autoPath); err == nil {
			effectivePath = autoPath
		}
	}

	loader := config.NewLoader(effectivePath, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", effectivePath).
			Msg("failed to load configuration")
	}

	log.SetLevel(cfg.LogLevel)

	if effectivePath != "" {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "file").
			Str("path", effectivePath).
			Msg("loaded configuration from file")
	} else {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "env+defaults").
			Msg("loaded configuration from environment and defaults")
	}

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.check_failed").
			Msg("Startup checks failed. Please verify configuration and permissions.")
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Str("addr", cfg.Listen).
		Msg("starting wa-hub")

	if cfg.APIToken != "" {
		logger.Info().Msg("→ API token: configured")
	} else {
		logger.Warn().
			Str("security", "fail_closed").
			Msg("→ API token: NOT configured. All API requests will be rejected until WAHUB_API_TOKEN is set.")
	}
	logger.Info().Msgf("→ Data dir: %s", cfg.DataDir)
	logger.Info().Msgf("→ Driver: %s", cfg.Driver.Kind)
	logger.Info().Msgf("→ Idempotency backend: %s", cfg.Idempotency.Backend)
	if cfg.Webhook.Secret != "" {
		logger.Info().Msg("→ Webhook signing: enabled")
	} else {
		logger.Info().Msg("→ Webhook signing: disabled (no secret)")
	}

	// Hot reload support: watch config file and allow SIGHUP-triggered reload.
	holder := config.NewHolder(cfg, config.NewLoader(effectivePath, version.Version), effectivePath)

	app, err := daemon.New(cfg, holder, daemon.Options{Version: version.Version})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.failed").
			Msg("failed to assemble daemon")
	}

	if err := app.Run(ctx); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.failed").
			Msg("daemon exited with error")
	}

	logger.Info().Str("event", "daemon.stopped").Msg("wa-hub stopped")
}
