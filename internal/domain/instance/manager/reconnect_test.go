// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/lifecycle"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
	"github.com/michaelasham/wa-hub-sub000/internal/infra/driver/stub"
)

// scriptSequence plays scripts[i] for the i-th Initialize counted across
// every handle the factory builds, then silence. Lets a test script the
// create, the soft rung and the hard rung separately.
func scriptSequence(scripts ...[]stub.Step) stub.Options {
	var n atomic.Int32
	return stub.Options{ScriptFor: func(int) []stub.Step {
		i := int(n.Add(1)) - 1
		if i < len(scripts) {
			return scripts[i]
		}
		return nil
	}}
}

func TestAutoReconnectSoftRestart(t *testing.T) {
	env := newTestEnv(t, testConfig(t), pairedOpts())

	env.create("shop")
	drv := env.driver("shop")
	drv.Emit(model.DriverEvent{Type: model.EventDisconnected, Text: "Connection lost"})

	// PAUSED, cooldown, DISCONNECTED, then the ladder's soft rung resumes
	// the session inside the same browser.
	require.Eventually(t, func() bool {
		return drv.InitCount() == 2 && env.state("shop") == model.StateReady
	}, 5*time.Second, 5*time.Millisecond)

	require.Len(t, env.factory.Handles("shop"), 1, "a soft restart keeps the browser")
	assert.Equal(t, 1, drv.DestroyCount())

	got, err := env.m.Get("shop")
	require.NoError(t, err)
	assert.Equal(t, 1, got.DisconnectsLastHour)
	assert.Equal(t, 1, got.RestartsInWindow)

	kinds := diagKinds(t, env, "shop")
	assert.Contains(t, kinds, "restart_recovered")
}

func TestLadderEscalatesToHardRestart(t *testing.T) {
	// Create resumes, the soft rung stays silent, the hard rung resumes.
	env := newTestEnv(t, testConfig(t), scriptSequence(resumeScript(), nil, resumeScript()))

	env.create("shop")
	first := env.driver("shop")
	first.Emit(model.DriverEvent{Type: model.EventDisconnected, Text: "Connection lost"})

	require.Eventually(t, func() bool {
		return len(env.factory.Handles("shop")) == 2 && env.state("shop") == model.StateReady
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, first.InitCount(), "the soft rung reused the old handle")
	assert.Equal(t, 2, first.DestroyCount(), "destroyed for the soft rung and again before the hard one")
	assert.Equal(t, 1, env.driver("shop").InitCount())

	got, err := env.m.Get("shop")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RestartsInWindow, "one walk covers both rungs")
}

func TestLadderExhaustsIntoError(t *testing.T) {
	env := newTestEnv(t, testConfig(t), scriptSequence(resumeScript()))

	env.create("shop")
	env.driver("shop").Emit(model.DriverEvent{Type: model.EventDisconnected, Text: "Connection lost"})

	env.waitState("shop", model.StateError)
	got, err := env.m.Get("shop")
	require.NoError(t, err)
	assert.Equal(t, model.RDriverPersistent, got.Reason)
	assert.Equal(t, model.DRestartExhausted, got.ReasonDetailCode)

	handles := env.factory.Handles("shop")
	require.Len(t, handles, 2)
	require.Eventually(t, func() bool {
		return handles[1].DestroyCount() == 1
	}, 5*time.Second, 5*time.Millisecond, "ERROR releases the last browser")

	kinds := diagKinds(t, env, "shop")
	assert.Contains(t, kinds, "restart_exhausted")
	require.ErrorIs(t, env.m.EnsureReady(context.Background(), "shop"), lifecycle.ErrTerminalState)
}

func TestLadderLandsOnQRWhenSessionInvalid(t *testing.T) {
	// The hard rung comes up without stored credentials and renders a QR.
	env := newTestEnv(t, testConfig(t), scriptSequence(resumeScript(), nil, qrOnlyScript()))

	env.create("shop")
	env.driver("shop").Emit(model.DriverEvent{Type: model.EventDisconnected, Text: "Connection lost"})

	env.waitState("shop", model.StateNeedsQR)
	qr, snap, err := env.m.QR("shop")
	require.NoError(t, err)
	assert.Equal(t, "qr-park", qr)
	assert.Equal(t, model.StateNeedsQR, snap.State)
	require.Len(t, env.factory.Handles("shop"), 2)

	// A human has to scan now; the machine stops restarting.
	require.ErrorIs(t, env.m.EnsureReady(context.Background(), "shop"), lifecycle.ErrTerminalState)
}

func TestRestartBudgetParksInstance(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lifecycle.RestartWindow = time.Second
	env := newTestEnv(t, cfg, stub.Options{
		ScriptFor: func(int) []stub.Step { return resumeScript() },
	})

	env.create("shop")

	// Burn the whole window budget up front.
	inst := env.inst("shop")
	now := env.m.now()
	for i := 0; i < cfg.Lifecycle.MaxRestartsPerWindow; i++ {
		inst.restarts.Record(now)
	}

	env.driver("shop").Emit(model.DriverEvent{Type: model.EventDisconnected, Text: "Connection lost"})

	// The ladder is refused and the instance parks with its wake armed.
	require.Eventually(t, func() bool {
		got, err := env.m.Get("shop")
		return err == nil && got.State == model.StatePaused && got.Reason == model.RRateLimited
	}, 5*time.Second, 5*time.Millisecond)

	got, err := env.m.Get("shop")
	require.NoError(t, err)
	assert.Equal(t, model.DRestartBudget, got.ReasonDetailCode)
	assert.Equal(t, cfg.Lifecycle.MaxRestartsPerWindow, got.RestartsInWindow)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, model.StatePaused, env.state("shop"), "parked until the window reopens")

	// The wake fires once the budget recovers and the next walk succeeds.
	env.waitState("shop", model.StateReady)
	assert.Equal(t, 2, env.driver("shop").InitCount())

	kinds := diagKinds(t, env, "shop")
	assert.Contains(t, kinds, "restart_rate_limited")
	assert.Contains(t, kinds, "restart_recovered")
}

func TestEnsureReadyShortCircuits(t *testing.T) {
	ctx := context.Background()

	t.Run("ready is a no-op", func(t *testing.T) {
		env := newTestEnv(t, testConfig(t), happyOpts())
		env.create("shop")
		require.NoError(t, env.m.EnsureReady(ctx, "shop"))
		assert.Equal(t, 1, env.driver("shop").InitCount())
	})

	t.Run("unknown instance", func(t *testing.T) {
		env := newTestEnv(t, testConfig(t), happyOpts())
		require.ErrorIs(t, env.m.EnsureReady(ctx, "ghost"), lifecycle.ErrInstanceNotFound)
	})

	t.Run("paused keeps its pending wake", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Lifecycle.DisconnectCooldown = time.Hour
		env := newTestEnv(t, cfg, happyOpts())
		env.create("shop")
		env.driver("shop").Emit(model.DriverEvent{Type: model.EventDisconnected, Text: "Connection lost"})
		env.waitState("shop", model.StatePaused)

		err := env.m.EnsureReady(ctx, "shop")
		require.ErrorIs(t, err, lifecycle.ErrDriverTransient)
		reason, detail, _, ok := lifecycle.ReasonFromError(err)
		require.True(t, ok)
		assert.Equal(t, model.RDriverTransient, reason)
		assert.Equal(t, model.DCooldownActive, detail)
	})

	t.Run("qr screen is not machine recoverable", func(t *testing.T) {
		env := newTestEnv(t, testConfig(t), stub.Options{
			ScriptFor: func(int) []stub.Step { return qrOnlyScript() },
		})
		env.create("kiosk")
		require.ErrorIs(t, env.m.EnsureReady(ctx, "kiosk"), lifecycle.ErrTerminalState)
	})

	t.Run("connecting waits for the settled outcome", func(t *testing.T) {
		env := newTestEnv(t, testConfig(t), stub.Options{
			ScriptFor: func(int) []stub.Step { return authOnlyScript() },
		})
		env.createStalled("silent")
		require.Equal(t, model.StateConnecting, env.state("silent"))

		done := make(chan error, 1)
		go func() { done <- env.m.EnsureReady(ctx, "silent") }()

		time.Sleep(30 * time.Millisecond)
		env.driver("silent").Emit(model.DriverEvent{Type: model.EventReady})

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("EnsureReady never returned")
		}
		assert.Equal(t, 1, env.driver("silent").InitCount(), "no walk for a session already connecting")
	})
}

func TestEnsureReadyCoalesces(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lifecycle.AutoReconnect = false
	env := newTestEnv(t, cfg, pairedOpts())

	env.create("shop")
	env.parkDisconnected("shop")

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.m.EnsureReady(context.Background(), "shop")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got, err := env.m.Get("shop")
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, got.State)
	assert.Equal(t, 1, got.RestartsInWindow, "concurrent callers share one walk")
	assert.Equal(t, 2, env.driver("shop").InitCount())
	require.Len(t, env.factory.Handles("shop"), 1)
}

func TestAuthFailureDropsToQRScreen(t *testing.T) {
	env := newTestEnv(t, testConfig(t), stub.Options{
		ScriptFor: func(int) []stub.Step { return resumeScript() },
	})

	env.create("shop")
	drv := env.driver("shop")

	drv.Emit(model.DriverEvent{Type: model.EventAuthFailure, Text: "401 unauthorized"})

	env.waitState("shop", model.StateNeedsQR)
	got, err := env.m.Get("shop")
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "auth failure: 401 unauthorized")
	assert.False(t, got.HasQR, "no QR until the driver renders one")

	// The live handle renders a fresh code onto the same screen.
	drv.Emit(model.DriverEvent{Type: model.EventQR, Text: "qr-fresh"})
	require.Eventually(t, func() bool {
		qr, _, err := env.m.QR("shop")
		return err == nil && qr == "qr-fresh"
	}, 5*time.Second, 5*time.Millisecond)
}
