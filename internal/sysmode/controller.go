// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package sysmode tracks the global NORMAL/SYNCING mode and parks work
// initiated while instances are still connecting.
package sysmode

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelasham/wa-hub-sub000/internal/config"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
	"github.com/michaelasham/wa-hub-sub000/internal/log"
	"github.com/michaelasham/wa-hub-sub000/internal/metrics"
)

// Mode is the global operating mode.
type Mode string

const (
	ModeNormal  Mode = "NORMAL"
	ModeSyncing Mode = "SYNCING"
)

// Snapshot is one instance's contribution to the mode decision.
type Snapshot struct {
	State           model.InstanceState
	NeedsQRSince    time.Time
	ConnectingSince time.Time
}

// Controller recomputes the global mode from instance snapshots on
// every state transition. SYNCING holds while any instance is starting
// its browser or connecting (until the connecting cap), or freshly in
// NEEDS_QR within the grace window. Operators may force NORMAL; the
// cooldown suppresses re-entering SYNCING.
type Controller struct {
	cfg    config.SystemModeConfig
	logger zerolog.Logger

	mu                sync.Mutex
	now               func() time.Time
	source            func() []Snapshot
	mode              Mode
	forcedNormalUntil time.Time
	wakeTimer         *time.Timer
	listeners         []func(Mode)
	closed            bool
}

func NewController(cfg config.SystemModeConfig) *Controller {
	c := &Controller{
		cfg:    cfg,
		logger: log.WithComponent("sysmode"),
		now:    time.Now,
		mode:   ModeNormal,
	}
	metrics.SetSystemMode(metricLabel(ModeNormal))
	return c
}

// SetSource installs the snapshot provider. Must be set before the
// first Recompute; typically the instance manager's state listing.
func (c *Controller) SetSource(fn func() []Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.source = fn
}

// OnChange registers a listener invoked after every mode transition,
// outside the controller lock.
func (c *Controller) OnChange(fn func(Mode)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Syncing is a convenience for background tasks deciding whether to
// skip a cycle.
func (c *Controller) Syncing() bool {
	return c.Mode() == ModeSyncing
}

// Recompute re-evaluates the mode from the current snapshots. Called
// after every instance state transition and on forced-normal expiry.
func (c *Controller) Recompute() {
	c.mu.Lock()
	source := c.source
	c.mu.Unlock()

	var views []Snapshot
	if source != nil {
		views = source()
	}

	c.mu.Lock()
	next := c.computeLocked(views)
	changed := next != c.mode
	if changed {
		c.mode = next
	}
	listeners := c.listeners
	c.mu.Unlock()

	if !changed {
		return
	}
	metrics.SetSystemMode(metricLabel(next))
	c.logger.Info().Str(log.FieldMode, string(next)).Msg("system mode changed")
	for _, fn := range listeners {
		fn(next)
	}
}

// ForceNormal overrides the computed mode until the cooldown elapses,
// then recomputes once from live snapshots.
func (c *Controller) ForceNormal() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	cooldown := c.cfg.ForcedNormalCooldown
	c.forcedNormalUntil = c.now().Add(cooldown)
	changed := c.mode != ModeNormal
	c.mode = ModeNormal
	if c.wakeTimer != nil {
		c.wakeTimer.Stop()
	}
	c.wakeTimer = time.AfterFunc(cooldown, c.Recompute)
	listeners := c.listeners
	c.mu.Unlock()

	c.logger.Warn().Dur("cooldown", cooldown).Msg("system mode forced to NORMAL")
	if changed {
		metrics.SetSystemMode(metricLabel(ModeNormal))
		for _, fn := range listeners {
			fn(ModeNormal)
		}
	}
}

// Close stops the forced-normal wake timer.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.wakeTimer != nil {
		c.wakeTimer.Stop()
		c.wakeTimer = nil
	}
}

func (c *Controller) computeLocked(views []Snapshot) Mode {
	now := c.now()
	if now.Before(c.forcedNormalUntil) {
		return ModeNormal
	}
	for _, v := range views {
		switch v.State {
		case model.StateStartingBrowser:
			return ModeSyncing
		case model.StateConnecting:
			// A session stuck in CONNECTING past the cap no longer
			// holds the whole system in SYNCING.
			if v.ConnectingSince.IsZero() || now.Sub(v.ConnectingSince) < c.cfg.SyncingMax {
				return ModeSyncing
			}
		case model.StateNeedsQR:
			if !v.NeedsQRSince.IsZero() && now.Sub(v.NeedsQRSince) < c.cfg.QRSyncGrace {
				return ModeSyncing
			}
		}
	}
	return ModeNormal
}

func metricLabel(m Mode) string {
	return strings.ToLower(string(m))
}
