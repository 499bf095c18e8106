// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/lifecycle"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/ports"
	"github.com/michaelasham/wa-hub-sub000/internal/infra/driver/stub"
)

// failingFactory fails the first n New calls, then delegates to a stub
// factory. Models a host that cannot launch a browser for a while.
type failingFactory struct {
	mu    sync.Mutex
	fails int
	calls int
	inner *stub.Factory
}

func (f *failingFactory) New(instanceID, authDir string) (ports.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return nil, errors.New("browser crashed on launch")
	}
	return f.inner.New(instanceID, authDir)
}

func (f *failingFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// pumpRestore ticks the scheduler until its queue drains.
func pumpRestore(env *testEnv) {
	env.t.Helper()
	require.Eventually(env.t, func() bool {
		env.m.restorer.TickOnce(context.Background(), env.m.now())
		return env.m.restorer.Pending() == 0
	}, 5*time.Second, 2*time.Millisecond, "restore queue never drained")
}

func TestRestoreRoundTrip(t *testing.T) {
	cfg := testConfig(t)

	env1 := newTestEnv(t, cfg, happyOpts())
	typing := true
	snap, err := env1.m.Create(context.Background(), CreateParams{
		ID:            "alpha",
		Name:          "Alpha Shop",
		WebhookURL:    "http://127.0.0.1:9/hook",
		WebhookEvents: []string{"message", "ready"},
		TypingEnabled: &typing,
	})
	require.NoError(t, err)
	env1.create("bravo")
	env1.close()

	// A fresh process over the same data dir resumes both sessions from
	// their stored credentials, without QR.
	env2 := newTestEnv(t, cfg, stub.Options{
		ScriptFor: func(int) []stub.Step { return resumeScript() },
	})
	n, err := env2.m.RestoreFromDisk()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	pumpRestore(env2)
	env2.waitState("alpha", model.StateReady)
	env2.waitState("bravo", model.StateReady)

	got, err := env2.m.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "Alpha Shop", got.Name)
	assert.Equal(t, "http://127.0.0.1:9/hook", got.Webhook.URL)
	assert.Equal(t, []model.EventType{"message", "ready"}, got.Webhook.Events)
	assert.True(t, got.TypingEnabled)
	assert.Equal(t, snap.CreatedAt, got.CreatedAt)

	require.Len(t, env2.factory.Handles("alpha"), 1)
	require.Len(t, env2.factory.Handles("bravo"), 1)
}

func TestRestoreFromEmptyDisk(t *testing.T) {
	env := newTestEnv(t, testConfig(t), happyOpts())
	n, err := env.m.RestoreFromDisk()
	require.NoError(t, err)
	assert.Zero(t, n, "a missing registry is an empty fleet")
}

func TestRestoreRejectsTornRegistry(t *testing.T) {
	cfg := testConfig(t)
	env := newTestEnv(t, cfg, happyOpts())
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, "instances.json"), []byte("{oops"), 0o600))

	_, err := env.m.RestoreFromDisk()
	require.Error(t, err)
}

func TestRestoreHonorsMemoryFloor(t *testing.T) {
	cfg := testConfig(t)
	env1 := newTestEnv(t, cfg, happyOpts())
	env1.create("alpha")
	env1.close()

	env2 := newTestEnv(t, cfg, stub.Options{
		ScriptFor: func(int) []stub.Step { return resumeScript() },
	})
	env2.m.restorer.freeMemMB = func() (uint64, error) {
		return cfg.Restore.MinFreeMemMB - 1, nil
	}

	n, err := env2.m.RestoreFromDisk()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		assert.False(t, env2.m.restorer.TickOnce(ctx, env2.m.now()), "no browser launch below the memory floor")
	}
	assert.Equal(t, 1, env2.m.restorer.Pending())
	_, err = env2.m.Get("alpha")
	require.ErrorIs(t, err, lifecycle.ErrInstanceNotFound, "a deferred restore is not visible yet")

	env2.m.restorer.freeMemMB = func() (uint64, error) {
		return cfg.Restore.MinFreeMemMB * 4, nil
	}
	require.True(t, env2.m.restorer.TickOnce(ctx, env2.m.now()))
	env2.waitState("alpha", model.StateReady)
}

func TestRestoreIgnoresBrokenMemoryProbe(t *testing.T) {
	cfg := testConfig(t)
	env1 := newTestEnv(t, cfg, happyOpts())
	env1.create("alpha")
	env1.close()

	env2 := newTestEnv(t, cfg, stub.Options{
		ScriptFor: func(int) []stub.Step { return resumeScript() },
	})
	env2.m.restorer.freeMemMB = func() (uint64, error) {
		return 0, errors.New("sysfs unreadable")
	}

	_, err := env2.m.RestoreFromDisk()
	require.NoError(t, err)
	require.True(t, env2.m.restorer.TickOnce(context.Background(), env2.m.now()), "an unknown memory level never blocks restores")
	env2.waitState("alpha", model.StateReady)
}

func TestRestoreRunsOneSessionAtATime(t *testing.T) {
	cfg := testConfig(t)
	cfg.Restore.Cooldown = 250 * time.Millisecond
	env1 := newTestEnv(t, cfg, happyOpts())
	env1.create("alpha")
	env1.create("bravo")
	env1.close()

	env2 := newTestEnv(t, cfg, stub.Options{
		ScriptFor: func(int) []stub.Step { return resumeScript() },
	})
	ctx := context.Background()

	n, err := env2.m.RestoreFromDisk()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Re-reading the registry does not double the queue.
	_, err = env2.m.RestoreFromDisk()
	require.NoError(t, err)
	assert.Equal(t, 2, env2.m.restorer.Pending())

	require.True(t, env2.m.restorer.TickOnce(ctx, env2.m.now()))
	assert.False(t, env2.m.restorer.TickOnce(ctx, env2.m.now()), "one browser launch at a time")

	env2.waitState("alpha", model.StateReady)

	assert.False(t, env2.m.restorer.TickOnce(ctx, env2.m.now()), "cooldown between launches")
	assert.Equal(t, 1, env2.m.restorer.Pending())

	require.Eventually(t, func() bool {
		return env2.m.restorer.TickOnce(ctx, env2.m.now())
	}, 5*time.Second, 20*time.Millisecond, "window reopens after the cooldown")
	env2.waitState("bravo", model.StateReady)
}

func TestRestoreRetriesCrashLoop(t *testing.T) {
	cfg := testConfig(t)
	env1 := newTestEnv(t, cfg, happyOpts())
	env1.create("alpha")
	env1.close()

	inner := stub.NewFactory(stub.Options{
		ScriptFor: func(int) []stub.Step { return resumeScript() },
	})
	ff := &failingFactory{fails: 2, inner: inner}
	env2 := newTestEnvFactory(t, cfg, ff)

	n, err := env2.m.RestoreFromDisk()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pumpRestore(env2)
	env2.waitState("alpha", model.StateReady)

	assert.Equal(t, 3, ff.callCount(), "two crashes, then a clean launch")
	require.Len(t, inner.Handles("alpha"), 1)
}

func TestRestoreAbandonsAfterMaxAttempts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Restore.MaxAttempts = 2
	env1 := newTestEnv(t, cfg, happyOpts())
	env1.create("alpha")
	env1.close()

	ff := &failingFactory{fails: 99, inner: stub.NewFactory(stub.Options{})}
	env2 := newTestEnvFactory(t, cfg, ff)

	n, err := env2.m.RestoreFromDisk()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pumpRestore(env2)

	assert.Equal(t, 2, ff.callCount())
	_, err = env2.m.Get("alpha")
	require.ErrorIs(t, err, lifecycle.ErrInstanceNotFound, "an abandoned restore leaves no runtime")
}

func TestRestoreRebuildsDeadInstance(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lifecycle.AutoReconnect = false
	env := newTestEnv(t, cfg, stub.Options{
		ScriptFor: func(int) []stub.Step { return resumeScript() },
	})

	env.create("shop")
	env.parkDisconnected("shop")

	old := env.inst("shop")
	_, ok := env.m.applyEvent(old, lifecycle.Event{Kind: lifecycle.EvRestartExhausted})
	require.True(t, ok)
	env.waitState("shop", model.StateError)

	old.mu.Lock()
	rec := old.record
	old.mu.Unlock()
	env.m.restorer.Enqueue(rec)

	pumpRestore(env)
	env.waitState("shop", model.StateReady)

	require.Len(t, env.factory.Handles("shop"), 2, "a dead runtime gets a fresh browser")
	assert.NotSame(t, old, env.inst("shop"))
}

func TestRestoreAdoptsAliveInstance(t *testing.T) {
	env := newTestEnv(t, testConfig(t), happyOpts())

	env.create("shop")
	before := env.inst("shop")

	before.mu.Lock()
	rec := before.record
	before.mu.Unlock()
	env.m.restorer.Enqueue(rec)

	pumpRestore(env)

	assert.Same(t, before, env.inst("shop"), "a live session is adopted as is")
	require.Len(t, env.factory.Handles("shop"), 1, "no second browser for a live session")
	assert.Equal(t, model.StateReady, env.state("shop"))
}
