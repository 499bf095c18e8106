// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/lifecycle"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
	"github.com/michaelasham/wa-hub-sub000/internal/infra/driver/stub"
)

// backdateQR fabricates the watchdog anchors of a NEEDS_QR instance so a
// single sweep sees the age we want without waiting for it.
func backdateQR(env *testEnv, id string, since, lastQR time.Duration) {
	env.t.Helper()
	inst := env.inst(id)
	now := env.m.now()
	inst.mu.Lock()
	inst.status.NeedsQRSince = now.Add(-since)
	if lastQR > 0 {
		inst.status.LastQRAt = now.Add(-lastQR)
	}
	inst.mu.Unlock()
}

// backdateConnecting does the same for a CONNECTING instance.
func backdateConnecting(env *testEnv, id string, age time.Duration, viaRestart bool) {
	env.t.Helper()
	inst := env.inst(id)
	inst.mu.Lock()
	inst.status.ConnectingSince = env.m.now().Add(-age)
	inst.status.ConnectingViaRestart = viaRestart
	inst.mu.Unlock()
}

// driveToConnecting parks a READY instance in DISCONNECTED and resumes it
// into CONNECTING, where it sits until its script or a restart moves it.
func driveToConnecting(env *testEnv, id string) {
	env.t.Helper()
	env.parkDisconnected(id)
	env.driver(id).Emit(model.DriverEvent{Type: model.EventAuthenticated})
	env.waitState(id, model.StateConnecting)
}

func diagKinds(t *testing.T, env *testEnv, id string) map[string]string {
	t.Helper()
	diag, err := env.m.Diagnostics(id)
	require.NoError(t, err)
	kinds := make(map[string]string, len(diag.Events))
	for _, e := range diag.Events {
		kinds[e.Kind] = e.Detail
	}
	return kinds
}

func TestWatchdogFailsUnscannedQR(t *testing.T) {
	cfg := testConfig(t)
	env := newTestEnv(t, cfg, stub.Options{
		ScriptFor: func(int) []stub.Step { return qrOnlyScript() },
	})
	ctx := context.Background()

	snap := env.create("kiosk")
	require.Equal(t, model.StateNeedsQR, snap.State)
	require.True(t, snap.HasQR)

	// Nobody scanned for longer than the TTL.
	backdateQR(env, "kiosk", cfg.Watchdog.NeedsQRTTL+time.Minute, 0)

	require.Equal(t, 1, env.m.sweeper.SweepOnce(ctx, env.m.now()))

	got, err := env.m.Get("kiosk")
	require.NoError(t, err)
	assert.Equal(t, model.StateFailedQRTimeout, got.State)
	assert.Equal(t, model.RDriverPersistent, got.Reason)
	assert.Equal(t, model.DQRTimeout, got.ReasonDetailCode)
	assert.False(t, got.HasQR, "terminal states expose no QR")

	// The browser is released; FAILED_QR_TIMEOUT holds no driver.
	drv := env.driver("kiosk")
	require.Eventually(t, func() bool {
		return drv.DestroyCount() == 1
	}, 5*time.Second, 5*time.Millisecond)

	_, err = env.m.SendMessage(ctx, "kiosk", SendMessageParams{ChatID: "15551234567", Body: "hi"})
	require.ErrorIs(t, err, lifecycle.ErrTerminalState)
	require.ErrorIs(t, env.m.EnsureReady(ctx, "kiosk"), lifecycle.ErrTerminalState)

	// A second sweep finds nothing left to do.
	assert.Zero(t, env.m.sweeper.SweepOnce(ctx, env.m.now()))
}

func TestWatchdogRefreshesStaleQRStream(t *testing.T) {
	cfg := testConfig(t)
	// First init parks on the QR screen; the restart resumes the session.
	env := newTestEnv(t, cfg, stub.Options{
		ScriptFor: func(n int) []stub.Step {
			if n == 1 {
				return qrOnlyScript()
			}
			return resumeScript()
		},
	})

	snap := env.create("kiosk")
	require.Equal(t, model.StateNeedsQR, snap.State)

	// Inside the QR TTL, but the refresh stream went quiet for longer than
	// the ready stall budget.
	backdateQR(env, "kiosk", 11*time.Minute, 11*time.Minute)

	require.Equal(t, 1, env.m.sweeper.SweepOnce(context.Background(), env.m.now()))

	env.waitState("kiosk", model.StateReady)

	// The soft rung recycled the session inside the same browser.
	require.Len(t, env.factory.Handles("kiosk"), 1)
	drv := env.driver("kiosk")
	assert.Equal(t, 2, drv.InitCount())
	assert.Equal(t, 1, drv.DestroyCount())

	got, err := env.m.Get("kiosk")
	require.NoError(t, err)
	assert.Zero(t, got.RecoveryAttempts, "reaching READY resets the attempt counter")

	kinds := diagKinds(t, env, "kiosk")
	assert.Equal(t, "qr_stall", kinds["watchdog_restart"])
	assert.Contains(t, kinds, "restart_recovered")
}

func TestWatchdogEscalatesRestartBornConnecting(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lifecycle.AutoReconnect = false
	env := newTestEnv(t, cfg, stub.Options{
		ScriptFor: func(int) []stub.Step { return resumeScript() },
	})

	env.create("shop")
	driveToConnecting(env, "shop")

	// A restart-born CONNECTING gets the tight stall budget and skips the
	// soft rung; it already failed once.
	backdateConnecting(env, "shop", cfg.Watchdog.ConnectingStall+time.Minute, true)

	require.Equal(t, 1, env.m.sweeper.SweepOnce(context.Background(), env.m.now()))

	env.waitState("shop", model.StateReady)

	handles := env.factory.Handles("shop")
	require.Len(t, handles, 2, "hard restart builds a fresh handle")
	assert.Equal(t, 1, handles[0].DestroyCount())
	assert.Equal(t, 1, handles[1].InitCount())

	kinds := diagKinds(t, env, "shop")
	assert.Equal(t, "connecting_stall", kinds["watchdog_restart"])
	assert.Contains(t, kinds, "restart_recovered")
}

func TestWatchdogGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lifecycle.AutoReconnect = false
	env := newTestEnv(t, cfg, stub.Options{
		ScriptFor: func(int) []stub.Step { return resumeScript() },
	})
	ctx := context.Background()

	env.create("shop")
	driveToConnecting(env, "shop")

	backdateConnecting(env, "shop", cfg.Watchdog.ReadyStall+time.Minute, false)
	inst := env.inst("shop")
	inst.mu.Lock()
	inst.recoveryAttempts = cfg.Watchdog.MaxRecoveryAttempts
	inst.mu.Unlock()

	require.Equal(t, 1, env.m.sweeper.SweepOnce(ctx, env.m.now()))

	got, err := env.m.Get("shop")
	require.NoError(t, err)
	assert.Equal(t, model.StateError, got.State)
	assert.Equal(t, model.RDriverPersistent, got.Reason)
	assert.Equal(t, model.DRestartExhausted, got.ReasonDetailCode)

	drv := env.driver("shop")
	require.Eventually(t, func() bool {
		return drv.DestroyCount() == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.ErrorIs(t, env.m.EnsureReady(ctx, "shop"), lifecycle.ErrTerminalState)
}

func TestWatchdogProbesReadySessions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lifecycle.AutoReconnect = false
	env := newTestEnv(t, cfg, happyOpts())

	env.create("shop")

	// The page wandered off the chat app without the client noticing.
	env.driver("shop").SetConnectionState("NAVIGATING")

	require.Equal(t, 1, env.m.sweeper.SweepOnce(context.Background(), env.m.now()))

	env.waitState("shop", model.StateDisconnected)
	got, err := env.m.Get("shop")
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "connection state NAVIGATING")
	assert.Equal(t, 1, got.DisconnectsLastHour)
}

func TestWatchdogSkipsProbeDuringSync(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lifecycle.AutoReconnect = false
	env := newTestEnv(t, cfg, pairedOpts())
	ctx := context.Background()

	env.create("alpha")
	env.driver("alpha").SetConnectionState("NAVIGATING")

	forceSyncing(env, "bravo")

	// A busy browser times out spuriously; the probe waits for NORMAL.
	assert.Zero(t, env.m.sweeper.SweepOnce(ctx, env.m.now()))
	assert.Equal(t, model.StateReady, env.state("alpha"))

	env.driver("bravo").Emit(model.DriverEvent{Type: model.EventReady})
	env.waitState("bravo", model.StateReady)
	require.Eventually(t, func() bool { return !env.mode.Syncing() }, 5*time.Second, 5*time.Millisecond)

	require.Equal(t, 1, env.m.sweeper.SweepOnce(ctx, env.m.now()))
	env.waitState("alpha", model.StateDisconnected)
}

func TestWatchdogSkipsActiveRestarts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lifecycle.AutoReconnect = false
	env := newTestEnv(t, cfg, stub.Options{
		ScriptFor: func(int) []stub.Step { return resumeScript() },
	})
	ctx := context.Background()

	env.create("shop")
	driveToConnecting(env, "shop")
	backdateConnecting(env, "shop", cfg.Watchdog.ReadyStall+time.Minute, false)

	inst := env.inst("shop")
	inst.mu.Lock()
	inst.restartActive = true
	inst.mu.Unlock()

	assert.Zero(t, env.m.sweeper.SweepOnce(ctx, env.m.now()), "a walk already owns this instance")

	inst.mu.Lock()
	inst.restartActive = false
	inst.mu.Unlock()

	require.Equal(t, 1, env.m.sweeper.SweepOnce(ctx, env.m.now()))
	env.waitState("shop", model.StateReady)
}
