// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"time"

	"github.com/michaelasham/wa-hub-sub000/internal/config"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/lifecycle"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/ports"
	"github.com/michaelasham/wa-hub-sub000/internal/metrics"
)

// probeTimeout bounds one READY health probe.
const probeTimeout = 5 * time.Second

// Sweeper periodically scans every instance for stalls: QR codes nobody
// scans or refreshes, CONNECTING phases that never settle, and READY
// sessions whose browser silently died.
type Sweeper struct {
	m   *Manager
	cfg config.WatchdogConfig
}

func newSweeper(m *Manager, cfg config.WatchdogConfig) *Sweeper {
	return &Sweeper{m: m, cfg: cfg}
}

// Run ticks until the context ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx, s.m.now())
		}
	}
}

// SweepOnce runs a single pass over all instances and returns the number of
// interventions it made.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) int {
	acted := 0
	for _, inst := range s.m.all() {
		if ctx.Err() != nil {
			return acted
		}
		if s.sweepInstance(inst, now) {
			acted++
		}
	}
	return acted
}

func (s *Sweeper) sweepInstance(inst *Instance, now time.Time) bool {
	inst.mu.Lock()
	if inst.ctx.Err() != nil || inst.restartActive {
		inst.mu.Unlock()
		return false
	}
	st := inst.status.State
	needsQRSince := inst.status.NeedsQRSince
	lastQRAt := inst.status.LastQRAt
	connectingSince := inst.status.ConnectingSince
	viaRestart := inst.status.ConnectingViaRestart
	attempts := inst.recoveryAttempts
	drv := inst.driver
	inst.mu.Unlock()

	switch st {
	case model.StateNeedsQR:
		return s.sweepNeedsQR(inst, now, needsQRSince, lastQRAt, attempts)
	case model.StateConnecting:
		return s.sweepConnecting(inst, now, connectingSince, viaRestart, attempts)
	case model.StateReady:
		return s.sweepReady(inst, drv)
	default:
		// STARTING_BROWSER is bounded by the init timeout, PAUSED and
		// DISCONNECTED by their wake timers, terminal states by nothing.
		return false
	}
}

// sweepNeedsQR fails a QR nobody scanned within the TTL and restarts a
// session whose QR refresh stream dried up.
func (s *Sweeper) sweepNeedsQR(inst *Instance, now time.Time, since, lastQRAt time.Time, attempts int) bool {
	if since.IsZero() {
		return false
	}
	if now.Sub(since) > s.cfg.NeedsQRTTL || attempts >= s.cfg.MaxRecoveryAttempts {
		metrics.RecordWatchdogIntervention("qr_timeout")
		s.m.applyEvent(inst, lifecycle.Event{Kind: lifecycle.EvQRTimeout})
		return true
	}

	stale := now.Sub(since)
	if !lastQRAt.IsZero() {
		stale = now.Sub(lastQRAt)
	}
	if stale <= s.cfg.ReadyStall {
		return false
	}
	s.bumpAttempts(inst)
	s.m.watchdogRestart(inst, ladderOpts{kind: "qr_stall"})
	return true
}

// sweepConnecting escalates CONNECTING phases that outlive their stall
// budget. Restart-born phases get the tighter budget and go straight to a
// hard restart; the soft rung already failed for them.
func (s *Sweeper) sweepConnecting(inst *Instance, now time.Time, since time.Time, viaRestart bool, attempts int) bool {
	if since.IsZero() {
		return false
	}
	age := now.Sub(since)

	if viaRestart && age > s.cfg.ConnectingStall {
		if attempts >= s.cfg.MaxRecoveryAttempts {
			return s.giveUp(inst)
		}
		s.bumpAttempts(inst)
		s.m.watchdogRestart(inst, ladderOpts{hardOnly: true, kind: "connecting_stall"})
		return true
	}

	if age > s.cfg.ReadyStall {
		if attempts >= s.cfg.MaxRecoveryAttempts {
			return s.giveUp(inst)
		}
		s.bumpAttempts(inst)
		s.m.watchdogRestart(inst, ladderOpts{kind: "ready_stall"})
		return true
	}
	return false
}

// sweepReady probes the live connection. The probe is skipped during a
// global sync, where busy browsers time out spuriously.
func (s *Sweeper) sweepReady(inst *Instance, drv ports.Driver) bool {
	if drv == nil || s.m.mode.Syncing() {
		return false
	}
	ctx, cancel := context.WithTimeout(inst.ctx, probeTimeout)
	defer cancel()

	state, err := drv.ConnectionState(ctx)
	if err != nil {
		if inst.ctx.Err() != nil {
			return false
		}
		metrics.RecordWatchdogIntervention("health_probe")
		s.m.applyDisconnect(inst, err.Error())
		return true
	}
	if state != "" && state != "CONNECTED" {
		metrics.RecordWatchdogIntervention("health_probe")
		s.m.applyDisconnect(inst, "connection state "+state)
		return true
	}
	return false
}

func (s *Sweeper) giveUp(inst *Instance) bool {
	metrics.RecordWatchdogIntervention("give_up")
	_, ok := s.m.applyEvent(inst, lifecycle.Event{Kind: lifecycle.EvRestartExhausted})
	return ok
}

func (s *Sweeper) bumpAttempts(inst *Instance) {
	inst.mu.Lock()
	inst.recoveryAttempts++
	inst.mu.Unlock()
}
