// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileConfig mirrors Config for the YAML file layer. Scalars are pointers so
// absent keys are distinguishable from zero values; durations are Go duration
// strings ("5s", "10m").
type FileConfig struct {
	Listen   *string `yaml:"listen"`
	APIToken *string `yaml:"api_token"`
	DataDir  *string `yaml:"data_dir"`
	LogLevel *string `yaml:"log_level"`

	Queue *struct {
		MaxSize          *int    `yaml:"max_size"`
		SendDelay        *string `yaml:"send_delay"`
		RetryBaseBackoff *string `yaml:"retry_base_backoff"`
		RetryMaxBackoff  *string `yaml:"retry_max_backoff"`
		RetryPolicy      *string `yaml:"retry_policy"`
		MaxAttempts      *int    `yaml:"max_attempts"`
	} `yaml:"queue"`

	Limits *struct {
		SendsPerMinute *int `yaml:"sends_per_minute"`
		SendsPerHour   *int `yaml:"sends_per_hour"`
	} `yaml:"limits"`

	Lifecycle *struct {
		ReadyTimeout             *string  `yaml:"ready_timeout"`
		SoftRestartTimeout       *string  `yaml:"soft_restart_timeout"`
		HardRestartTimeout       *string  `yaml:"hard_restart_timeout"`
		RestartBackoff           *string  `yaml:"restart_backoff"`
		MaxRestartsPerWindow     *int     `yaml:"max_restarts_per_window"`
		RestartWindow            *string  `yaml:"restart_window"`
		DisconnectCooldown       *string  `yaml:"disconnect_cooldown"`
		DestroyTimeout           *string  `yaml:"destroy_timeout"`
		AutoReconnect            *bool    `yaml:"auto_reconnect"`
		RestrictedReasonPatterns []string `yaml:"restricted_reason_patterns"`
	} `yaml:"lifecycle"`

	Watchdog *struct {
		ReadyStall          *string `yaml:"ready_stall"`
		ConnectingStall     *string `yaml:"connecting_stall"`
		NeedsQRTTL          *string `yaml:"needs_qr_ttl"`
		MaxRecoveryAttempts *int    `yaml:"max_recovery_attempts"`
		SweepInterval       *string `yaml:"sweep_interval"`
		ReadyPollInterval   *string `yaml:"ready_poll_interval"`
	} `yaml:"watchdog"`

	Typing *struct {
		EnabledDefault *bool   `yaml:"enabled_default"`
		Min            *string `yaml:"min"`
		Max            *string `yaml:"max"`
		MaxTotal       *string `yaml:"max_total"`
	} `yaml:"typing"`

	Restore *struct {
		Concurrency     *int    `yaml:"concurrency"`
		Cooldown        *string `yaml:"cooldown"`
		MinFreeMemMB    *uint64 `yaml:"min_free_mem_mb"`
		MaxAttempts     *int    `yaml:"max_attempts"`
		Tick            *string `yaml:"tick"`
		RetryMaxBackoff *string `yaml:"retry_max_backoff"`
	} `yaml:"restore"`

	SystemMode *struct {
		QRSyncGrace          *string `yaml:"qr_sync_grace"`
		SyncingMax           *string `yaml:"syncing_max"`
		ForcedNormalCooldown *string `yaml:"forced_normal_cooldown"`
		OutboundCap          *int    `yaml:"outbound_cap"`
		OutboundTTL          *string `yaml:"outbound_ttl"`
		OutboundDrainDelay   *string `yaml:"outbound_drain_delay"`
		InboundCap           *int    `yaml:"inbound_cap"`
		InboundTTL           *string `yaml:"inbound_ttl"`
		InboundBatchSize     *int    `yaml:"inbound_batch_size"`
		InboundBatchDelay    *string `yaml:"inbound_batch_delay"`
	} `yaml:"system_mode"`

	Webhook *struct {
		Timeout           *string  `yaml:"timeout"`
		Secret            *string  `yaml:"secret"`
		BearerToken       *string  `yaml:"bearer_token"`
		BypassToken       *string  `yaml:"bypass_token"`
		AllowPrivateHosts *bool    `yaml:"allow_private_hosts"`
		BreakerThreshold  *int     `yaml:"breaker_threshold"`
		BreakerCooldown   *string  `yaml:"breaker_cooldown"`
		RatePerSecond     *float64 `yaml:"rate_per_second"`
		Burst             *int     `yaml:"burst"`
		QueueCap          *int     `yaml:"queue_cap"`
	} `yaml:"webhook"`

	Idempotency *struct {
		Backend         *string `yaml:"backend"`
		Retention       *string `yaml:"retention"`
		CleanupInterval *string `yaml:"cleanup_interval"`
		FlushDebounce   *string `yaml:"flush_debounce"`
		FilePath        *string `yaml:"file_path"`
		SQLitePath      *string `yaml:"sqlite_path"`
		RedisAddr       *string `yaml:"redis_addr"`
		RedisPassword   *string `yaml:"redis_password"`
		RedisDB         *int    `yaml:"redis_db"`
	} `yaml:"idempotency"`

	Driver *struct {
		Kind *string `yaml:"kind"`
	} `yaml:"driver"`

	Telemetry *struct {
		Enabled     *bool    `yaml:"enabled"`
		Exporter    *string  `yaml:"exporter"`
		Endpoint    *string  `yaml:"endpoint"`
		SampleRatio *float64 `yaml:"sample_ratio"`
		ServiceName *string  `yaml:"service_name"`
	} `yaml:"telemetry"`
}

// loadFile loads configuration from a YAML file with STRICT parsing.
// Unknown fields cause an error to prevent misconfiguration.
func (l *Loader) loadFile(path string) (*FileConfig, error) {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // Reject unknown fields

	if err := dec.Decode(&fileCfg); err != nil {
		if err == io.EOF {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}

	// Strict: reject multiple documents or trailing content.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("config file contains multiple documents or trailing content")
	}

	return &fileCfg, nil
}

// LoadFileConfig loads a YAML config file without applying defaults or env
// overrides.
func LoadFileConfig(path string) (*FileConfig, error) {
	loader := NewLoader(path, "")
	return loader.loadFile(path)
}
