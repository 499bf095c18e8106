// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Loader handles configuration loading with precedence ENV > File > Defaults.
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{} // Mechanical tracking of consumed keys
}

// NewLoader creates a new configuration loader.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Wrapper methods for mechanical connection tracking

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, defaultVal)
}

func (l *Loader) envSlice(key string, defaultVal []string) []string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseStringSlice(key, defaultVal)
}

// Load loads configuration with precedence: ENV > File > Defaults.
// Order: defaults, strict file parse, env overlay, path resolution, validate.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.configPath != "" {
		fileCfg, err := l.loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		if err := l.mergeFileConfig(&cfg, fileCfg); err != nil {
			return cfg, fmt.Errorf("merge config file: %w", err)
		}
	}

	l.mergeEnvConfig(&cfg)

	cfg.Version = l.version

	// DataDir must be absolute before anything derives paths from it.
	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}
	if cfg.Idempotency.SQLitePath == "" {
		cfg.Idempotency.SQLitePath = filepath.Join(cfg.DataDir, "idempotency.db")
	}
	if cfg.Idempotency.FilePath == "" {
		cfg.Idempotency.FilePath = filepath.Join(cfg.DataDir, "idempotency.json")
	}

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// mergeFileConfig applies non-nil file values over cfg. Duration strings are
// parsed here so a bad value fails the load instead of silently defaulting.
func (l *Loader) mergeFileConfig(cfg *Config, f *FileConfig) error {
	var errs []error

	dur := func(dst *time.Duration, src *string, key string) {
		if src == nil {
			return
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	str := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	num := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	boolean := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	float := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}

	str(&cfg.Listen, f.Listen)
	str(&cfg.APIToken, f.APIToken)
	str(&cfg.DataDir, f.DataDir)
	str(&cfg.LogLevel, f.LogLevel)

	if q := f.Queue; q != nil {
		num(&cfg.Queue.MaxSize, q.MaxSize)
		dur(&cfg.Queue.SendDelay, q.SendDelay, "queue.send_delay")
		dur(&cfg.Queue.RetryBaseBackoff, q.RetryBaseBackoff, "queue.retry_base_backoff")
		dur(&cfg.Queue.RetryMaxBackoff, q.RetryMaxBackoff, "queue.retry_max_backoff")
		str(&cfg.Queue.RetryPolicy, q.RetryPolicy)
		num(&cfg.Queue.MaxAttempts, q.MaxAttempts)
	}

	if lim := f.Limits; lim != nil {
		num(&cfg.Limits.SendsPerMinute, lim.SendsPerMinute)
		num(&cfg.Limits.SendsPerHour, lim.SendsPerHour)
	}

	if lc := f.Lifecycle; lc != nil {
		dur(&cfg.Lifecycle.ReadyTimeout, lc.ReadyTimeout, "lifecycle.ready_timeout")
		dur(&cfg.Lifecycle.SoftRestartTimeout, lc.SoftRestartTimeout, "lifecycle.soft_restart_timeout")
		dur(&cfg.Lifecycle.HardRestartTimeout, lc.HardRestartTimeout, "lifecycle.hard_restart_timeout")
		dur(&cfg.Lifecycle.RestartBackoff, lc.RestartBackoff, "lifecycle.restart_backoff")
		num(&cfg.Lifecycle.MaxRestartsPerWindow, lc.MaxRestartsPerWindow)
		dur(&cfg.Lifecycle.RestartWindow, lc.RestartWindow, "lifecycle.restart_window")
		dur(&cfg.Lifecycle.DisconnectCooldown, lc.DisconnectCooldown, "lifecycle.disconnect_cooldown")
		dur(&cfg.Lifecycle.DestroyTimeout, lc.DestroyTimeout, "lifecycle.destroy_timeout")
		boolean(&cfg.Lifecycle.AutoReconnect, lc.AutoReconnect)
		if lc.RestrictedReasonPatterns != nil {
			cfg.Lifecycle.RestrictedReasonPatterns = lc.RestrictedReasonPatterns
		}
	}

	if w := f.Watchdog; w != nil {
		dur(&cfg.Watchdog.ReadyStall, w.ReadyStall, "watchdog.ready_stall")
		dur(&cfg.Watchdog.ConnectingStall, w.ConnectingStall, "watchdog.connecting_stall")
		dur(&cfg.Watchdog.NeedsQRTTL, w.NeedsQRTTL, "watchdog.needs_qr_ttl")
		num(&cfg.Watchdog.MaxRecoveryAttempts, w.MaxRecoveryAttempts)
		dur(&cfg.Watchdog.SweepInterval, w.SweepInterval, "watchdog.sweep_interval")
		dur(&cfg.Watchdog.ReadyPollInterval, w.ReadyPollInterval, "watchdog.ready_poll_interval")
	}

	if ty := f.Typing; ty != nil {
		boolean(&cfg.Typing.EnabledDefault, ty.EnabledDefault)
		dur(&cfg.Typing.Min, ty.Min, "typing.min")
		dur(&cfg.Typing.Max, ty.Max, "typing.max")
		dur(&cfg.Typing.MaxTotal, ty.MaxTotal, "typing.max_total")
	}

	if r := f.Restore; r != nil {
		num(&cfg.Restore.Concurrency, r.Concurrency)
		dur(&cfg.Restore.Cooldown, r.Cooldown, "restore.cooldown")
		if r.MinFreeMemMB != nil {
			cfg.Restore.MinFreeMemMB = *r.MinFreeMemMB
		}
		num(&cfg.Restore.MaxAttempts, r.MaxAttempts)
		dur(&cfg.Restore.Tick, r.Tick, "restore.tick")
		dur(&cfg.Restore.RetryMaxBackoff, r.RetryMaxBackoff, "restore.retry_max_backoff")
	}

	if sm := f.SystemMode; sm != nil {
		dur(&cfg.SystemMode.QRSyncGrace, sm.QRSyncGrace, "system_mode.qr_sync_grace")
		dur(&cfg.SystemMode.SyncingMax, sm.SyncingMax, "system_mode.syncing_max")
		dur(&cfg.SystemMode.ForcedNormalCooldown, sm.ForcedNormalCooldown, "system_mode.forced_normal_cooldown")
		num(&cfg.SystemMode.OutboundCap, sm.OutboundCap)
		dur(&cfg.SystemMode.OutboundTTL, sm.OutboundTTL, "system_mode.outbound_ttl")
		dur(&cfg.SystemMode.OutboundDrainDelay, sm.OutboundDrainDelay, "system_mode.outbound_drain_delay")
		num(&cfg.SystemMode.InboundCap, sm.InboundCap)
		dur(&cfg.SystemMode.InboundTTL, sm.InboundTTL, "system_mode.inbound_ttl")
		num(&cfg.SystemMode.InboundBatchSize, sm.InboundBatchSize)
		dur(&cfg.SystemMode.InboundBatchDelay, sm.InboundBatchDelay, "system_mode.inbound_batch_delay")
	}

	if wh := f.Webhook; wh != nil {
		dur(&cfg.Webhook.Timeout, wh.Timeout, "webhook.timeout")
		str(&cfg.Webhook.Secret, wh.Secret)
		str(&cfg.Webhook.BearerToken, wh.BearerToken)
		str(&cfg.Webhook.BypassToken, wh.BypassToken)
		boolean(&cfg.Webhook.AllowPrivateHosts, wh.AllowPrivateHosts)
		num(&cfg.Webhook.BreakerThreshold, wh.BreakerThreshold)
		dur(&cfg.Webhook.BreakerCooldown, wh.BreakerCooldown, "webhook.breaker_cooldown")
		float(&cfg.Webhook.RatePerSecond, wh.RatePerSecond)
		num(&cfg.Webhook.Burst, wh.Burst)
		num(&cfg.Webhook.QueueCap, wh.QueueCap)
	}

	if id := f.Idempotency; id != nil {
		str(&cfg.Idempotency.Backend, id.Backend)
		dur(&cfg.Idempotency.Retention, id.Retention, "idempotency.retention")
		dur(&cfg.Idempotency.CleanupInterval, id.CleanupInterval, "idempotency.cleanup_interval")
		dur(&cfg.Idempotency.FlushDebounce, id.FlushDebounce, "idempotency.flush_debounce")
		str(&cfg.Idempotency.FilePath, id.FilePath)
		str(&cfg.Idempotency.SQLitePath, id.SQLitePath)
		str(&cfg.Idempotency.RedisAddr, id.RedisAddr)
		str(&cfg.Idempotency.RedisPassword, id.RedisPassword)
		num(&cfg.Idempotency.RedisDB, id.RedisDB)
	}

	if d := f.Driver; d != nil {
		str(&cfg.Driver.Kind, d.Kind)
	}

	if t := f.Telemetry; t != nil {
		boolean(&cfg.Telemetry.Enabled, t.Enabled)
		str(&cfg.Telemetry.Exporter, t.Exporter)
		str(&cfg.Telemetry.Endpoint, t.Endpoint)
		float(&cfg.Telemetry.SampleRatio, t.SampleRatio)
		str(&cfg.Telemetry.ServiceName, t.ServiceName)
	}

	return errors.Join(errs...)
}

// mergeEnvConfig applies WAHUB_* environment variables over cfg.
func (l *Loader) mergeEnvConfig(cfg *Config) {
	cfg.Listen = l.envString("WAHUB_LISTEN", cfg.Listen)
	cfg.APIToken = l.envString("WAHUB_API_TOKEN", cfg.APIToken)
	cfg.DataDir = l.envString("WAHUB_DATA_DIR", cfg.DataDir)
	cfg.LogLevel = l.envString("WAHUB_LOG_LEVEL", cfg.LogLevel)

	cfg.Queue.MaxSize = l.envInt("WAHUB_MAX_QUEUE_SIZE", cfg.Queue.MaxSize)
	cfg.Queue.SendDelay = l.envDuration("WAHUB_SEND_DELAY", cfg.Queue.SendDelay)
	cfg.Queue.RetryBaseBackoff = l.envDuration("WAHUB_RETRY_BASE_BACKOFF", cfg.Queue.RetryBaseBackoff)
	cfg.Queue.RetryMaxBackoff = l.envDuration("WAHUB_RETRY_MAX_BACKOFF", cfg.Queue.RetryMaxBackoff)
	cfg.Queue.RetryPolicy = l.envString("WAHUB_SEND_RETRY_POLICY", cfg.Queue.RetryPolicy)
	cfg.Queue.MaxAttempts = l.envInt("WAHUB_SEND_MAX_ATTEMPTS", cfg.Queue.MaxAttempts)

	cfg.Limits.SendsPerMinute = l.envInt("WAHUB_MAX_SENDS_PER_MINUTE", cfg.Limits.SendsPerMinute)
	cfg.Limits.SendsPerHour = l.envInt("WAHUB_MAX_SENDS_PER_HOUR", cfg.Limits.SendsPerHour)

	cfg.Lifecycle.ReadyTimeout = l.envDuration("WAHUB_READY_TIMEOUT", cfg.Lifecycle.ReadyTimeout)
	cfg.Lifecycle.SoftRestartTimeout = l.envDuration("WAHUB_SOFT_RESTART_TIMEOUT", cfg.Lifecycle.SoftRestartTimeout)
	cfg.Lifecycle.HardRestartTimeout = l.envDuration("WAHUB_HARD_RESTART_TIMEOUT", cfg.Lifecycle.HardRestartTimeout)
	cfg.Lifecycle.RestartBackoff = l.envDuration("WAHUB_RESTART_BACKOFF", cfg.Lifecycle.RestartBackoff)
	cfg.Lifecycle.MaxRestartsPerWindow = l.envInt("WAHUB_MAX_RESTARTS_PER_WINDOW", cfg.Lifecycle.MaxRestartsPerWindow)
	cfg.Lifecycle.RestartWindow = l.envDuration("WAHUB_RESTART_WINDOW", cfg.Lifecycle.RestartWindow)
	cfg.Lifecycle.DisconnectCooldown = l.envDuration("WAHUB_DISCONNECT_COOLDOWN", cfg.Lifecycle.DisconnectCooldown)
	cfg.Lifecycle.DestroyTimeout = l.envDuration("WAHUB_DESTROY_TIMEOUT", cfg.Lifecycle.DestroyTimeout)
	cfg.Lifecycle.AutoReconnect = l.envBool("WAHUB_AUTO_RECONNECT", cfg.Lifecycle.AutoReconnect)
	cfg.Lifecycle.RestrictedReasonPatterns = l.envSlice("WAHUB_RESTRICTED_PATTERNS", cfg.Lifecycle.RestrictedReasonPatterns)

	cfg.Watchdog.ReadyStall = l.envDuration("WAHUB_READY_STALL_TIMEOUT", cfg.Watchdog.ReadyStall)
	cfg.Watchdog.ConnectingStall = l.envDuration("WAHUB_CONNECTING_STALL_TIMEOUT", cfg.Watchdog.ConnectingStall)
	cfg.Watchdog.NeedsQRTTL = l.envDuration("WAHUB_NEEDS_QR_TTL", cfg.Watchdog.NeedsQRTTL)
	cfg.Watchdog.MaxRecoveryAttempts = l.envInt("WAHUB_MAX_RECOVERY_ATTEMPTS", cfg.Watchdog.MaxRecoveryAttempts)
	cfg.Watchdog.SweepInterval = l.envDuration("WAHUB_WATCHDOG_SWEEP_INTERVAL", cfg.Watchdog.SweepInterval)
	cfg.Watchdog.ReadyPollInterval = l.envDuration("WAHUB_READY_POLL_INTERVAL", cfg.Watchdog.ReadyPollInterval)

	cfg.Typing.EnabledDefault = l.envBool("WAHUB_TYPING_ENABLED", cfg.Typing.EnabledDefault)
	cfg.Typing.Min = l.envDuration("WAHUB_TYPING_MIN", cfg.Typing.Min)
	cfg.Typing.Max = l.envDuration("WAHUB_TYPING_MAX", cfg.Typing.Max)
	cfg.Typing.MaxTotal = l.envDuration("WAHUB_TYPING_MAX_TOTAL", cfg.Typing.MaxTotal)

	cfg.Restore.Concurrency = l.envInt("WAHUB_RESTORE_CONCURRENCY", cfg.Restore.Concurrency)
	cfg.Restore.Cooldown = l.envDuration("WAHUB_RESTORE_COOLDOWN", cfg.Restore.Cooldown)
	if v := l.envInt("WAHUB_RESTORE_MIN_FREE_MEM_MB", int(cfg.Restore.MinFreeMemMB)); v >= 0 {
		cfg.Restore.MinFreeMemMB = uint64(v)
	}
	cfg.Restore.MaxAttempts = l.envInt("WAHUB_RESTORE_MAX_ATTEMPTS", cfg.Restore.MaxAttempts)
	cfg.Restore.Tick = l.envDuration("WAHUB_RESTORE_TICK", cfg.Restore.Tick)
	cfg.Restore.RetryMaxBackoff = l.envDuration("WAHUB_RESTORE_RETRY_MAX_BACKOFF", cfg.Restore.RetryMaxBackoff)

	cfg.SystemMode.QRSyncGrace = l.envDuration("WAHUB_QR_SYNC_GRACE", cfg.SystemMode.QRSyncGrace)
	cfg.SystemMode.SyncingMax = l.envDuration("WAHUB_SYNCING_MAX", cfg.SystemMode.SyncingMax)
	cfg.SystemMode.ForcedNormalCooldown = l.envDuration("WAHUB_FORCED_NORMAL_COOLDOWN", cfg.SystemMode.ForcedNormalCooldown)
	cfg.SystemMode.OutboundCap = l.envInt("WAHUB_OUTBOUND_BUFFER_CAP", cfg.SystemMode.OutboundCap)
	cfg.SystemMode.OutboundTTL = l.envDuration("WAHUB_OUTBOUND_BUFFER_TTL", cfg.SystemMode.OutboundTTL)
	cfg.SystemMode.OutboundDrainDelay = l.envDuration("WAHUB_OUTBOUND_DRAIN_DELAY", cfg.SystemMode.OutboundDrainDelay)
	cfg.SystemMode.InboundCap = l.envInt("WAHUB_INBOUND_BUFFER_CAP", cfg.SystemMode.InboundCap)
	cfg.SystemMode.InboundTTL = l.envDuration("WAHUB_INBOUND_BUFFER_TTL", cfg.SystemMode.InboundTTL)
	cfg.SystemMode.InboundBatchSize = l.envInt("WAHUB_INBOUND_BATCH_SIZE", cfg.SystemMode.InboundBatchSize)
	cfg.SystemMode.InboundBatchDelay = l.envDuration("WAHUB_INBOUND_BATCH_DELAY", cfg.SystemMode.InboundBatchDelay)

	cfg.Webhook.Timeout = l.envDuration("WAHUB_WEBHOOK_TIMEOUT", cfg.Webhook.Timeout)
	cfg.Webhook.Secret = l.envString("WAHUB_WEBHOOK_SECRET", cfg.Webhook.Secret)
	cfg.Webhook.BearerToken = l.envString("WAHUB_WEBHOOK_BEARER_TOKEN", cfg.Webhook.BearerToken)
	cfg.Webhook.BypassToken = l.envString("WAHUB_WEBHOOK_BYPASS_TOKEN", cfg.Webhook.BypassToken)
	cfg.Webhook.AllowPrivateHosts = l.envBool("WAHUB_WEBHOOK_ALLOW_PRIVATE", cfg.Webhook.AllowPrivateHosts)
	cfg.Webhook.BreakerThreshold = l.envInt("WAHUB_WEBHOOK_BREAKER_THRESHOLD", cfg.Webhook.BreakerThreshold)
	cfg.Webhook.BreakerCooldown = l.envDuration("WAHUB_WEBHOOK_BREAKER_COOLDOWN", cfg.Webhook.BreakerCooldown)
	cfg.Webhook.RatePerSecond = l.envFloat("WAHUB_WEBHOOK_RATE", cfg.Webhook.RatePerSecond)
	cfg.Webhook.Burst = l.envInt("WAHUB_WEBHOOK_BURST", cfg.Webhook.Burst)
	cfg.Webhook.QueueCap = l.envInt("WAHUB_WEBHOOK_QUEUE_CAP", cfg.Webhook.QueueCap)

	cfg.Idempotency.Backend = l.envString("WAHUB_IDEMPOTENCY_BACKEND", cfg.Idempotency.Backend)
	cfg.Idempotency.Retention = l.envDuration("WAHUB_IDEMPOTENCY_RETENTION", cfg.Idempotency.Retention)
	cfg.Idempotency.CleanupInterval = l.envDuration("WAHUB_IDEMPOTENCY_CLEANUP_INTERVAL", cfg.Idempotency.CleanupInterval)
	cfg.Idempotency.FlushDebounce = l.envDuration("WAHUB_IDEMPOTENCY_FLUSH_DEBOUNCE", cfg.Idempotency.FlushDebounce)
	cfg.Idempotency.FilePath = l.envString("WAHUB_IDEMPOTENCY_FILE", cfg.Idempotency.FilePath)
	cfg.Idempotency.SQLitePath = l.envString("WAHUB_SQLITE_PATH", cfg.Idempotency.SQLitePath)
	cfg.Idempotency.RedisAddr = l.envString("WAHUB_REDIS_ADDR", cfg.Idempotency.RedisAddr)
	cfg.Idempotency.RedisPassword = l.envString("WAHUB_REDIS_PASSWORD", cfg.Idempotency.RedisPassword)
	cfg.Idempotency.RedisDB = l.envInt("WAHUB_REDIS_DB", cfg.Idempotency.RedisDB)

	cfg.Driver.Kind = l.envString("WAHUB_DRIVER", cfg.Driver.Kind)

	cfg.Telemetry.Enabled = l.envBool("WAHUB_OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = l.envString("WAHUB_OTEL_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = l.envString("WAHUB_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SampleRatio = l.envFloat("WAHUB_OTEL_SAMPLE_RATIO", cfg.Telemetry.SampleRatio)
	cfg.Telemetry.ServiceName = l.envString("WAHUB_OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)
}
