// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/lifecycle"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
	"github.com/michaelasham/wa-hub-sub000/internal/metrics"
)

// maxLadderBackoff caps the pre-restart backoff regardless of how many
// restarts the window has seen.
const maxLadderBackoff = 30 * time.Second

// ladderOpts selects the flavor of one ladder walk.
type ladderOpts struct {
	// viaRestartEvent dispatches EvRestartBegin before the first rung. The
	// cooldown flow sets it (DISCONNECTED owns that edge); watchdog flavors
	// run from CONNECTING or NEEDS_QR and mark the restart on the record
	// directly.
	viaRestartEvent bool
	// hardOnly skips the soft rung when the browser process itself is
	// suspected dead.
	hardOnly bool
	kind     string // reconnect|ready_stall|connecting_stall
}

// EnsureReady drives one instance back to READY through the restart ladder.
// READY is a no-op, PAUSED stays with its pending wake, terminal states are
// reported as errors. Concurrent callers for the same instance coalesce
// into a single walk and share its result.
func (m *Manager) EnsureReady(ctx context.Context, id string) error {
	inst, err := m.instance(id)
	if err != nil {
		return err
	}

	switch st := inst.State(); {
	case st == model.StateReady:
		return nil
	case st == model.StatePaused:
		return lifecycle.NewReasonErrorWithDetail(model.RDriverTransient, model.DCooldownActive, "cooldown pending", lifecycle.ErrDriverTransient)
	case st.IsTerminal():
		return lifecycle.NewReasonError(model.RTerminalState, "instance in state "+string(st), lifecycle.ErrTerminalState)
	case st.IsSyncing():
		// A startup or another restart is in flight; wait for its outcome
		// instead of stacking a second one.
		final, werr := inst.waitForState(ctx, m.cfg.Lifecycle.ReadyTimeout, reachedOutcome)
		if werr != nil {
			return werr
		}
		return readyOutcome(final)
	}

	_, lerr, _ := m.reconnects.Do(inst.id, func() (any, error) {
		return nil, m.runLadder(inst, ladderOpts{viaRestartEvent: true, kind: "reconnect"})
	})
	return lerr
}

// watchdogRestart runs a ladder walk on behalf of the sweeper. The walk is
// fire-and-forget; the sweeper sees the outcome on a later pass.
func (m *Manager) watchdogRestart(inst *Instance, opts ladderOpts) {
	metrics.RecordWatchdogIntervention(opts.kind)
	inst.ring.add(m.now(), "watchdog_restart", opts.kind)
	m.registry.Go(func() {
		_, err, _ := m.reconnects.Do(inst.id, func() (any, error) {
			return nil, m.runLadder(inst, opts)
		})
		if err != nil {
			inst.logger.Warn().Err(err).Str("kind", opts.kind).Msg("watchdog restart did not recover")
		}
	})
}

// runLadder walks soft then hard restart, waiting for the machine to settle
// after each rung. Must only run inside the reconnects singleflight group.
func (m *Manager) runLadder(inst *Instance, opts ladderOpts) error {
	now := m.now()

	if inst.restarts.AtLimit(now) {
		metrics.RecordRestart("rate_limited")
		inst.ring.add(now, "restart_rate_limited", opts.kind)
		next := inst.restarts.NextAllowed(now)
		if inst.State() == model.StateDisconnected {
			if _, ok := m.applyEvent(inst, lifecycle.Event{Kind: lifecycle.EvRestartRateLimited}); ok {
				m.scheduleBudgetWake(inst, next)
			}
		}
		return lifecycle.NewReasonErrorWithDetail(model.RRateLimited, model.DRestartBudget, "restart budget exhausted", lifecycle.ErrRateLimited)
	}
	inst.restarts.Record(now)

	inst.mu.Lock()
	inst.restartActive = true
	inst.qrDuringRestart = false
	inst.mu.Unlock()
	defer func() {
		inst.mu.Lock()
		inst.restartActive = false
		inst.mu.Unlock()
	}()

	metrics.RecordRestart("started")
	inst.logger.Info().Str("kind", opts.kind).Bool("hard_only", opts.hardOnly).Msg("restart ladder started")

	if opts.viaRestartEvent {
		if _, ok := m.applyEvent(inst, lifecycle.Event{Kind: lifecycle.EvRestartBegin}); !ok {
			// Raced by a driver event; wherever the machine landed is the
			// outcome.
			return readyOutcome(inst.State())
		}
	} else {
		inst.mu.Lock()
		inst.status.ConnectingViaRestart = true
		if inst.status.State == model.StateConnecting {
			inst.status.ConnectingSince = now
		}
		inst.mu.Unlock()
	}

	if !opts.hardOnly {
		if !m.sleep(inst, m.ladderBackoff(inst, now)) {
			return inst.ctx.Err()
		}
		if err := m.softRestart(inst); err != nil {
			inst.logger.Warn().Err(err).Msg("soft restart failed")
		} else {
			if st, settled := m.awaitRestartOutcome(inst, m.cfg.Lifecycle.SoftRestartTimeout); settled {
				return m.finishLadder(inst, st)
			}
			inst.logger.Warn().Dur("timeout", m.cfg.Lifecycle.SoftRestartTimeout).Msg("soft restart did not settle")
		}
		if !m.sleep(inst, 2*m.cfg.Lifecycle.RestartBackoff) {
			return inst.ctx.Err()
		}
	}

	if err := m.hardRestart(inst); err != nil {
		inst.logger.Error().Err(err).Msg("hard restart failed")
		return m.exhaustLadder(inst)
	}
	if st, settled := m.awaitRestartOutcome(inst, m.cfg.Lifecycle.HardRestartTimeout); settled {
		return m.finishLadder(inst, st)
	}
	inst.logger.Error().Dur("timeout", m.cfg.Lifecycle.HardRestartTimeout).Msg("hard restart did not settle")
	return m.exhaustLadder(inst)
}

// softRestart recycles the session inside the existing browser: destroy the
// client, then initialize the same handle again. The event stream survives.
func (m *Manager) softRestart(inst *Instance) error {
	inst.mu.Lock()
	drv := inst.driver
	inst.mu.Unlock()
	if drv == nil {
		return errors.New("no driver handle")
	}

	dctx, dcancel := context.WithTimeout(context.Background(), m.cfg.Lifecycle.DestroyTimeout)
	err := drv.Destroy(dctx)
	dcancel()
	if err != nil {
		inst.logger.Warn().Err(err).Msg("destroy before soft restart failed")
	}

	ictx, icancel := context.WithTimeout(inst.ctx, m.cfg.Lifecycle.SoftRestartTimeout)
	defer icancel()
	return drv.Initialize(ictx)
}

// hardRestart throws the whole handle away and builds a fresh one. The old
// consumer goroutine ends with the old event stream; events from the stale
// handle are dropped by the generation guard.
func (m *Manager) hardRestart(inst *Instance) error {
	inst.mu.Lock()
	old := inst.driver
	inst.driver = nil
	inst.mu.Unlock()

	if old != nil {
		dctx, dcancel := context.WithTimeout(context.Background(), m.cfg.Lifecycle.DestroyTimeout)
		if err := old.Destroy(dctx); err != nil {
			inst.logger.Warn().Err(err).Msg("destroy before hard restart failed")
		}
		dcancel()
		old.Close()
	}

	drv, err := m.factory.New(inst.id, inst.authDir)
	if err != nil {
		return fmt.Errorf("driver factory: %w", err)
	}

	inst.mu.Lock()
	inst.driver = drv
	inst.driverGen++
	inst.mu.Unlock()

	if !m.registry.Go(func() { m.consumeEvents(inst, drv) }) {
		drv.Close()
		return errors.New("manager shutting down")
	}

	ictx, icancel := context.WithTimeout(inst.ctx, m.cfg.Lifecycle.HardRestartTimeout)
	defer icancel()
	return drv.Initialize(ictx)
}

// awaitRestartOutcome waits for READY or a terminal state after a rung.
// settled is false when the rung timed out or the instance went away.
func (m *Manager) awaitRestartOutcome(inst *Instance, timeout time.Duration) (model.InstanceState, bool) {
	st, err := inst.waitForState(inst.ctx, timeout, reachedOutcome)
	if err != nil {
		return st, false
	}
	return st, true
}

func (m *Manager) finishLadder(inst *Instance, st model.InstanceState) error {
	switch st {
	case model.StateReady:
		metrics.RecordRestart("recovered")
		inst.ring.add(m.now(), "restart_recovered", "")
	case model.StateNeedsQR:
		metrics.RecordRestart("needs_qr")
	default:
		metrics.RecordRestart("terminal")
	}
	return readyOutcome(st)
}

// exhaustLadder closes a walk whose rungs all failed. A QR seen during the
// walk means the account wants a scan, not another machine-driven restart.
func (m *Manager) exhaustLadder(inst *Instance) error {
	inst.mu.Lock()
	sawQR := inst.qrDuringRestart
	inst.mu.Unlock()
	if sawQR {
		metrics.RecordRestart("needs_qr")
		return readyOutcome(model.StateNeedsQR)
	}

	metrics.RecordRestart("exhausted")
	inst.ring.add(m.now(), "restart_exhausted", "")
	if st := inst.State(); st == model.StateDisconnected || st == model.StateConnecting {
		m.applyEvent(inst, lifecycle.Event{Kind: lifecycle.EvRestartExhausted})
	}
	return lifecycle.NewReasonErrorWithDetail(model.RDriverPersistent, model.DRestartExhausted, "restart ladder exhausted", lifecycle.ErrDriverPersistent)
}

// scheduleBudgetWake arms the PAUSED wake for a rate limited restart. When
// the window reopens the instance moves to DISCONNECTED and, with auto
// reconnect on, walks the ladder again.
func (m *Manager) scheduleBudgetWake(inst *Instance, until time.Time) {
	d := until.Sub(m.now())
	if d < time.Second {
		d = time.Second
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.wakeTimer != nil {
		inst.wakeTimer.Stop()
	}
	inst.wakeTimer = time.AfterFunc(d, func() {
		if inst.ctx.Err() != nil {
			return
		}
		if _, ok := m.applyEvent(inst, lifecycle.Event{Kind: lifecycle.EvCooldownElapsed}); !ok {
			return
		}
		if !m.cfg.Lifecycle.AutoReconnect {
			return
		}
		m.registry.Go(func() {
			if err := m.EnsureReady(inst.ctx, inst.id); err != nil {
				inst.logger.Debug().Err(err).Msg("budget wake reconnect did not reach ready")
			}
		})
	})
}

// ladderBackoff scales with the restarts already burned in the window.
func (m *Manager) ladderBackoff(inst *Instance, now time.Time) time.Duration {
	base := m.cfg.Lifecycle.RestartBackoff
	if base <= 0 {
		return 0
	}
	n := inst.restarts.Count(now)
	if n < 1 {
		n = 1
	}
	shift := n - 1
	if shift > 8 {
		shift = 8
	}
	d := base << shift
	if d > maxLadderBackoff {
		d = maxLadderBackoff
	}
	return d
}

// sleep waits d unless the instance is torn down first.
func (m *Manager) sleep(inst *Instance, d time.Duration) bool {
	if d <= 0 {
		return inst.ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-inst.ctx.Done():
		return false
	}
}

func reachedOutcome(s model.InstanceState) bool {
	return s == model.StateReady || s.IsTerminal()
}

// readyOutcome maps the settled state of a walk onto the caller's error.
func readyOutcome(st model.InstanceState) error {
	switch {
	case st == model.StateReady:
		return nil
	case st == model.StateNeedsQR:
		return lifecycle.NewReasonError(model.RDriverPersistent, "qr scan required", lifecycle.ErrDriverPersistent)
	case st.IsTerminal():
		return lifecycle.NewReasonError(model.RTerminalState, "instance in state "+string(st), lifecycle.ErrTerminalState)
	default:
		return lifecycle.NewReasonError(model.RDriverTransient, "instance in state "+string(st), lifecycle.ErrDriverTransient)
	}
}
