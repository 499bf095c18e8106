// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/michaelasham/wa-hub-sub000/internal/config"
	"github.com/michaelasham/wa-hub-sub000/internal/log"
	"github.com/rs/zerolog"
)

// PerformStartupChecks runs the pre-flight gate before the daemon binds its
// listener: the data directory must accept writes, the listen address must
// parse, and the idempotency backend must have somewhere to put its records.
// Missing credentials only warn; a hub without an API token still serves its
// probes, it just denies every authenticated call.
func PerformStartupChecks(ctx context.Context, cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("Running pre-flight startup checks...")

	if err := ensureWritableDataDir(logger, cfg.DataDir); err != nil {
		return fmt.Errorf("data directory check failed: %w", err)
	}
	if err := checkListenAddr(logger, cfg.Listen); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := ensureIdempotencyStorage(cfg.Idempotency); err != nil {
		return fmt.Errorf("idempotency storage check failed: %w", err)
	}
	warnDegradedSetup(logger, cfg)

	logger.Info().Msg("✅ All startup checks passed")
	return nil
}

// ensureWritableDataDir creates the session data directory when missing and
// proves it accepts writes. Session auth state lands here, so a read-only
// volume should fail the boot, not the first pairing.
func ensureWritableDataDir(logger zerolog.Logger, path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("cannot create %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s exists but is not a directory", path)
	}

	probe, err := os.CreateTemp(path, ".write-probe-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", path, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)

	logger.Info().Str("path", path).Msg("✓ Data directory is writable")
	return nil
}

func checkListenAddr(logger zerolog.Logger, listen string) error {
	if listen == "" {
		return nil
	}
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, listen)
	}
	logger.Info().Str("addr", listen).Msg("✓ Listen address is valid")
	return nil
}

// ensureIdempotencyStorage makes sure the configured backend has somewhere
// to keep its records. File-backed stores get their parent directory
// created; redis only needs an address here, reachability is checked when
// the store connects.
func ensureIdempotencyStorage(cfg config.IdempotencyConfig) error {
	switch cfg.Backend {
	case "file":
		return ensureParentDir(cfg.FilePath)
	case "sqlite":
		return ensureParentDir(cfg.SQLitePath)
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return fmt.Errorf("idempotency backend is redis but no address is configured")
		}
	}
	return nil
}

func ensureParentDir(path string) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("cannot create idempotency directory %s: %w", dir, err)
	}
	return nil
}

// warnDegradedSetup flags configurations that boot fine but bite later.
func warnDegradedSetup(logger zerolog.Logger, cfg config.Config) {
	if strings.TrimSpace(cfg.APIToken) == "" {
		logger.Warn().Msg("WAHUB_API_TOKEN not set; all authenticated endpoints will deny access")
	}
	if cfg.Webhook.Secret == "" {
		logger.Warn().Msg("webhook secret not set; deliveries will not carry an HMAC signature")
	}

	tempDir := filepath.Clean(os.TempDir())
	dataDir := filepath.Clean(cfg.DataDir)
	if tempDir != "." && (dataDir == tempDir || strings.HasPrefix(dataDir, tempDir+string(filepath.Separator))) {
		logger.Warn().
			Str("data_dir", cfg.DataDir).
			Msg("data directory is under temp; session auth data may be lost on reboot")
	}
}
