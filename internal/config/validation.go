// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"github.com/michaelasham/wa-hub-sub000/internal/validate"
)

// Validate validates a resolved Config using the centralized validation package.
func Validate(cfg Config) error {
	v := validate.New()

	v.HostPort("Listen", cfg.Listen)
	v.Directory("DataDir", cfg.DataDir, false)

	if _, err := validate.ParseLogLevel(cfg.LogLevel); err != nil {
		v.AddError("LogLevel", err.Error(), cfg.LogLevel)
	}

	v.Positive("Queue.MaxSize", cfg.Queue.MaxSize)
	v.Positive("Queue.MaxAttempts", cfg.Queue.MaxAttempts)
	v.OneOf("Queue.RetryPolicy", cfg.Queue.RetryPolicy, []string{"abandon", "forever"})
	if cfg.Queue.RetryMaxBackoff < cfg.Queue.RetryBaseBackoff {
		v.AddError("Queue.RetryMaxBackoff", "must be >= Queue.RetryBaseBackoff", cfg.Queue.RetryMaxBackoff)
	}

	v.Positive("Limits.SendsPerMinute", cfg.Limits.SendsPerMinute)
	v.Positive("Limits.SendsPerHour", cfg.Limits.SendsPerHour)

	v.Positive("Lifecycle.MaxRestartsPerWindow", cfg.Lifecycle.MaxRestartsPerWindow)

	v.Positive("Watchdog.MaxRecoveryAttempts", cfg.Watchdog.MaxRecoveryAttempts)

	if cfg.Typing.Min > cfg.Typing.Max {
		v.AddError("Typing.Min", "must be <= Typing.Max", cfg.Typing.Min)
	}
	if cfg.Typing.Max > cfg.Typing.MaxTotal {
		v.AddError("Typing.Max", "must be <= Typing.MaxTotal", cfg.Typing.Max)
	}

	v.Positive("Restore.Concurrency", cfg.Restore.Concurrency)
	v.Positive("Restore.MaxAttempts", cfg.Restore.MaxAttempts)

	v.Positive("SystemMode.OutboundCap", cfg.SystemMode.OutboundCap)
	v.Positive("SystemMode.InboundCap", cfg.SystemMode.InboundCap)
	v.Positive("SystemMode.InboundBatchSize", cfg.SystemMode.InboundBatchSize)

	v.Positive("Webhook.BreakerThreshold", cfg.Webhook.BreakerThreshold)
	v.FloatRange("Webhook.RatePerSecond", cfg.Webhook.RatePerSecond, 0.1, 1000)
	v.Positive("Webhook.Burst", cfg.Webhook.Burst)
	v.Positive("Webhook.QueueCap", cfg.Webhook.QueueCap)

	v.OneOf("Idempotency.Backend", cfg.Idempotency.Backend, []string{"file", "memory", "sqlite", "redis"})
	if cfg.Idempotency.Backend == "redis" {
		v.NotEmpty("Idempotency.RedisAddr", cfg.Idempotency.RedisAddr)
	}
	v.NonNegative("Idempotency.RedisDB", cfg.Idempotency.RedisDB)

	v.OneOf("Driver.Kind", cfg.Driver.Kind, []string{"stub", "browser"})

	if cfg.Telemetry.Enabled {
		v.OneOf("Telemetry.Exporter", cfg.Telemetry.Exporter, []string{"grpc", "http"})
		v.NotEmpty("Telemetry.Endpoint", cfg.Telemetry.Endpoint)
		v.FloatRange("Telemetry.SampleRatio", cfg.Telemetry.SampleRatio, 0, 1)
	}

	return v.Err()
}
