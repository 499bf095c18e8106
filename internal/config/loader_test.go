// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wa-hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsOnly(t *testing.T) {
	t.Setenv("WAHUB_DATA_DIR", t.TempDir())

	cfg, err := NewLoader("", "v1.2.0").Load()
	require.NoError(t, err)

	assert.Equal(t, "v1.2.0", cfg.Version)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 200, cfg.Queue.MaxSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.SendDelay)
	assert.Equal(t, "abandon", cfg.Queue.RetryPolicy)
	assert.Equal(t, 6, cfg.Limits.SendsPerMinute)
	assert.Equal(t, 60, cfg.Limits.SendsPerHour)
	assert.Equal(t, 180*time.Second, cfg.Lifecycle.ReadyTimeout)
	assert.Equal(t, 2*time.Second, cfg.Lifecycle.RestartBackoff)
	assert.Equal(t, 4, cfg.Lifecycle.MaxRestartsPerWindow)
	assert.Equal(t, 10*time.Minute, cfg.Lifecycle.RestartWindow)
	assert.True(t, cfg.Lifecycle.AutoReconnect)
	assert.Equal(t, 600*time.Millisecond, cfg.Typing.Min)
	assert.Equal(t, 1800*time.Millisecond, cfg.Typing.Max)
	assert.Equal(t, 2500*time.Millisecond, cfg.Typing.MaxTotal)
	assert.Equal(t, 15*time.Second, cfg.Watchdog.ReadyPollInterval)
	assert.Equal(t, 1, cfg.Restore.Concurrency)
	assert.Equal(t, uint64(800), cfg.Restore.MinFreeMemMB)
	assert.Equal(t, 30*time.Second, cfg.SystemMode.QRSyncGrace)
	assert.Equal(t, time.Hour, cfg.SystemMode.SyncingMax)
	assert.Equal(t, "file", cfg.Idempotency.Backend)
	assert.Equal(t, 168*time.Hour, cfg.Idempotency.Retention)
	assert.True(t, filepath.IsAbs(cfg.DataDir), "DataDir must be resolved to absolute")
	assert.Equal(t, filepath.Join(cfg.DataDir, "idempotency.db"), cfg.Idempotency.SQLitePath)
	assert.Equal(t, filepath.Join(cfg.DataDir, "idempotency.json"), cfg.Idempotency.FilePath)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfigFile(t, `
listen: ":9090"
data_dir: `+dataDir+`
queue:
  max_size: 50
  send_delay: 250ms
  retry_policy: forever
limits:
  sends_per_minute: 12
lifecycle:
  restart_backoff: 4s
  restricted_reason_patterns: [suspended, blocked]
webhook:
  timeout: 5s
idempotency:
  backend: memory
`)

	cfg, err := NewLoader(path, "test").Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, 50, cfg.Queue.MaxSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.SendDelay)
	assert.Equal(t, "forever", cfg.Queue.RetryPolicy)
	assert.Equal(t, 12, cfg.Limits.SendsPerMinute)
	assert.Equal(t, 60, cfg.Limits.SendsPerHour, "untouched key keeps default")
	assert.Equal(t, 4*time.Second, cfg.Lifecycle.RestartBackoff)
	assert.Equal(t, []string{"suspended", "blocked"}, cfg.Lifecycle.RestrictedReasonPatterns)
	assert.Equal(t, 5*time.Second, cfg.Webhook.Timeout)
	assert.Equal(t, "memory", cfg.Idempotency.Backend)
}

func TestLoadEnvBeatsFile(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfigFile(t, `
data_dir: `+dataDir+`
queue:
  max_size: 50
`)
	t.Setenv("WAHUB_MAX_QUEUE_SIZE", "75")
	t.Setenv("WAHUB_SEND_DELAY", "100ms")

	cfg, err := NewLoader(path, "test").Load()
	require.NoError(t, err)

	assert.Equal(t, 75, cfg.Queue.MaxSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Queue.SendDelay)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfigFile(t, `
queue:
  max_size: 50
  max_sizee: 60
`)

	_, err := NewLoader(path, "test").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict config parse error")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfigFile(t, `
queue:
  send_delay: "500"
`)

	_, err := NewLoader(path, "test").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.send_delay")
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeConfigFile(t, "listen: \":8080\"\n---\nlisten: \":9090\"\n")

	_, err := NewLoader(path, "test").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple documents")
}

func TestLoadValidationFailure(t *testing.T) {
	t.Setenv("WAHUB_DATA_DIR", t.TempDir())
	t.Setenv("WAHUB_SEND_RETRY_POLICY", "sometimes")

	_, err := NewLoader("", "test").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Queue.RetryPolicy")
}

func TestLoadRedisBackendRequiresAddr(t *testing.T) {
	t.Setenv("WAHUB_DATA_DIR", t.TempDir())
	t.Setenv("WAHUB_IDEMPOTENCY_BACKEND", "redis")

	_, err := NewLoader("", "test").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RedisAddr")

	t.Setenv("WAHUB_REDIS_ADDR", "localhost:6379")
	cfg, err := NewLoader("", "test").Load()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Idempotency.Backend)
}
