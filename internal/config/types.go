// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import "time"

// Config is the fully resolved runtime configuration. Precedence is
// environment (WAHUB_*) over the optional YAML file over built-in defaults.
type Config struct {
	Version  string
	Listen   string
	APIToken string
	DataDir  string
	LogLevel string

	Queue       QueueConfig
	Limits      LimitsConfig
	Lifecycle   LifecycleConfig
	Watchdog    WatchdogConfig
	Typing      TypingConfig
	Restore     RestoreConfig
	SystemMode  SystemModeConfig
	Webhook     WebhookConfig
	Idempotency IdempotencyConfig
	Driver      DriverConfig
	Telemetry   TelemetryConfig
}

// QueueConfig bounds the per-instance outbound queue and its retry policy.
type QueueConfig struct {
	MaxSize          int
	SendDelay        time.Duration
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration
	RetryPolicy      string // abandon|forever
	MaxAttempts      int
}

// LimitsConfig holds the per-instance rolling-window send limits.
type LimitsConfig struct {
	SendsPerMinute int
	SendsPerHour   int
}

// LifecycleConfig drives initialization, the reconnection ladder and
// disconnect handling.
type LifecycleConfig struct {
	ReadyTimeout             time.Duration
	SoftRestartTimeout       time.Duration
	HardRestartTimeout       time.Duration
	RestartBackoff           time.Duration
	MaxRestartsPerWindow     int
	RestartWindow            time.Duration
	DisconnectCooldown       time.Duration
	DestroyTimeout           time.Duration
	AutoReconnect            bool
	RestrictedReasonPatterns []string
}

// WatchdogConfig holds stall detection timeouts and the sweep cadence.
type WatchdogConfig struct {
	ReadyStall          time.Duration
	ConnectingStall     time.Duration
	NeedsQRTTL          time.Duration
	MaxRecoveryAttempts int
	SweepInterval       time.Duration
	ReadyPollInterval   time.Duration
}

// TypingConfig shapes the human-like typing indicator before sends.
type TypingConfig struct {
	EnabledDefault bool
	Min            time.Duration
	Max            time.Duration
	MaxTotal       time.Duration
}

// RestoreConfig gates sequential startup restoration.
type RestoreConfig struct {
	Concurrency     int
	Cooldown        time.Duration
	MinFreeMemMB    uint64
	MaxAttempts     int
	Tick            time.Duration
	RetryMaxBackoff time.Duration
}

// SystemModeConfig controls the NORMAL/SYNCING mode and its buffers.
type SystemModeConfig struct {
	QRSyncGrace          time.Duration
	SyncingMax           time.Duration
	ForcedNormalCooldown time.Duration
	OutboundCap          int
	OutboundTTL          time.Duration
	OutboundDrainDelay   time.Duration
	InboundCap           int
	InboundTTL           time.Duration
	InboundBatchSize     int
	InboundBatchDelay    time.Duration
}

// WebhookConfig controls signed delivery to tenant endpoints.
type WebhookConfig struct {
	Timeout           time.Duration
	Secret            string
	BearerToken       string
	BypassToken       string
	AllowPrivateHosts bool
	BreakerThreshold  int
	BreakerCooldown   time.Duration
	RatePerSecond     float64
	Burst             int
	QueueCap          int
}

// IdempotencyConfig selects and tunes the idempotency store backend.
type IdempotencyConfig struct {
	Backend         string // file|memory|sqlite|redis
	Retention       time.Duration
	CleanupInterval time.Duration
	FlushDebounce   time.Duration
	FilePath        string
	SQLitePath      string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
}

// DriverConfig selects the session driver implementation.
type DriverConfig struct {
	Kind string // stub|browser
}

// TelemetryConfig controls the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool
	Exporter    string // grpc|http
	Endpoint    string
	SampleRatio float64
	ServiceName string
}

// Default returns the built-in defaults, before file and env are applied.
func Default() Config {
	return Config{
		Listen:   ":8080",
		DataDir:  "./data",
		LogLevel: "info",
		Queue: QueueConfig{
			MaxSize:          200,
			SendDelay:        500 * time.Millisecond,
			RetryBaseBackoff: 5 * time.Second,
			RetryMaxBackoff:  120 * time.Second,
			RetryPolicy:      "abandon",
			MaxAttempts:      5,
		},
		Limits: LimitsConfig{
			SendsPerMinute: 6,
			SendsPerHour:   60,
		},
		Lifecycle: LifecycleConfig{
			ReadyTimeout:         180 * time.Second,
			SoftRestartTimeout:   180 * time.Second,
			HardRestartTimeout:   180 * time.Second,
			RestartBackoff:       2 * time.Second,
			MaxRestartsPerWindow: 4,
			RestartWindow:        10 * time.Minute,
			DisconnectCooldown:   5 * time.Second,
			DestroyTimeout:       15 * time.Second,
			AutoReconnect:        true,
			// nil keeps the built-in restriction patterns.
			RestrictedReasonPatterns: nil,
		},
		Watchdog: WatchdogConfig{
			ReadyStall:          10 * time.Minute,
			ConnectingStall:     3 * time.Minute,
			NeedsQRTTL:          15 * time.Minute,
			MaxRecoveryAttempts: 5,
			SweepInterval:       30 * time.Second,
			ReadyPollInterval:   15 * time.Second,
		},
		Typing: TypingConfig{
			EnabledDefault: true,
			Min:            600 * time.Millisecond,
			Max:            1800 * time.Millisecond,
			MaxTotal:       2500 * time.Millisecond,
		},
		Restore: RestoreConfig{
			Concurrency:     1,
			Cooldown:        30 * time.Second,
			MinFreeMemMB:    800,
			MaxAttempts:     5,
			Tick:            10 * time.Second,
			RetryMaxBackoff: 2 * time.Minute,
		},
		SystemMode: SystemModeConfig{
			QRSyncGrace:          30 * time.Second,
			SyncingMax:           time.Hour,
			ForcedNormalCooldown: 5 * time.Minute,
			OutboundCap:          1000,
			OutboundTTL:          10 * time.Minute,
			OutboundDrainDelay:   200 * time.Millisecond,
			InboundCap:           1000,
			InboundTTL:           10 * time.Minute,
			InboundBatchSize:     20,
			InboundBatchDelay:    time.Second,
		},
		Webhook: WebhookConfig{
			Timeout:           10 * time.Second,
			AllowPrivateHosts: false,
			BreakerThreshold:  5,
			BreakerCooldown:   60 * time.Second,
			RatePerSecond:     5,
			Burst:             10,
			QueueCap:          256,
		},
		Idempotency: IdempotencyConfig{
			Backend:         "file",
			Retention:       168 * time.Hour,
			CleanupInterval: time.Hour,
			FlushDebounce:   500 * time.Millisecond,
		},
		Driver: DriverConfig{
			Kind: "stub",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "grpc",
			SampleRatio: 1.0,
			ServiceName: "wa-hub",
		},
	}
}
