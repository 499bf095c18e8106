// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package sysmode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelasham/wa-hub-sub000/internal/config"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
)

func testController(t *testing.T, views *[]Snapshot) (*Controller, *time.Time) {
	t.Helper()
	cfg := config.Default().SystemMode
	c := NewController(cfg)
	t.Cleanup(c.Close)

	now := time.Now()
	c.now = func() time.Time { return now }
	c.SetSource(func() []Snapshot { return *views })
	return c, &now
}

func TestControllerStartsNormal(t *testing.T) {
	views := []Snapshot{}
	c, _ := testController(t, &views)
	assert.Equal(t, ModeNormal, c.Mode())
	assert.False(t, c.Syncing())
}

func TestControllerSyncingWhileConnecting(t *testing.T) {
	views := []Snapshot{}
	c, now := testController(t, &views)

	views = []Snapshot{{State: model.StateConnecting, ConnectingSince: *now}}
	c.Recompute()
	assert.Equal(t, ModeSyncing, c.Mode())

	views = []Snapshot{{State: model.StateReady}}
	c.Recompute()
	assert.Equal(t, ModeNormal, c.Mode())
}

func TestControllerStartingBrowserAlwaysHolds(t *testing.T) {
	views := []Snapshot{{State: model.StateStartingBrowser}}
	c, _ := testController(t, &views)
	c.Recompute()
	assert.Equal(t, ModeSyncing, c.Mode())
}

func TestControllerStuckConnectingReleasesAfterCap(t *testing.T) {
	views := []Snapshot{}
	c, now := testController(t, &views)

	start := *now
	views = []Snapshot{{State: model.StateConnecting, ConnectingSince: start}}
	c.Recompute()
	require.Equal(t, ModeSyncing, c.Mode())

	// Past the cap the stuck session no longer holds the system.
	*now = start.Add(config.Default().SystemMode.SyncingMax + time.Minute)
	c.Recompute()
	assert.Equal(t, ModeNormal, c.Mode())
}

func TestControllerNeedsQRGraceWindow(t *testing.T) {
	views := []Snapshot{}
	c, now := testController(t, &views)

	start := *now
	views = []Snapshot{{State: model.StateNeedsQR, NeedsQRSince: start}}
	c.Recompute()
	assert.Equal(t, ModeSyncing, c.Mode(), "fresh NEEDS_QR holds SYNCING")

	*now = start.Add(config.Default().SystemMode.QRSyncGrace + time.Second)
	c.Recompute()
	assert.Equal(t, ModeNormal, c.Mode(), "grace window elapsed")
}

func TestControllerForceNormalSuppressesSyncing(t *testing.T) {
	views := []Snapshot{}
	c, now := testController(t, &views)

	views = []Snapshot{{State: model.StateConnecting, ConnectingSince: *now}}
	c.Recompute()
	require.Equal(t, ModeSyncing, c.Mode())

	c.ForceNormal()
	assert.Equal(t, ModeNormal, c.Mode())

	// Recompute during the cooldown keeps NORMAL despite the snapshot.
	c.Recompute()
	assert.Equal(t, ModeNormal, c.Mode())

	// After the cooldown the live snapshot wins again.
	*now = now.Add(config.Default().SystemMode.ForcedNormalCooldown + time.Second)
	c.Recompute()
	assert.Equal(t, ModeSyncing, c.Mode())
}

func TestControllerNotifiesListeners(t *testing.T) {
	views := []Snapshot{}
	c, now := testController(t, &views)

	var seen []Mode
	c.OnChange(func(m Mode) { seen = append(seen, m) })

	views = []Snapshot{{State: model.StateConnecting, ConnectingSince: *now}}
	c.Recompute()
	views = []Snapshot{{State: model.StateReady}}
	c.Recompute()
	c.Recompute() // no change, no notification

	require.Equal(t, []Mode{ModeSyncing, ModeNormal}, seen)
}
