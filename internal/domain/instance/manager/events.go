// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"errors"
	"time"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/lifecycle"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/ports"
	"github.com/michaelasham/wa-hub-sub000/internal/log"
	"github.com/michaelasham/wa-hub-sub000/internal/metrics"
	"github.com/michaelasham/wa-hub-sub000/internal/sysmode"
)

// consumeEvents drains one driver handle's event stream until the handle is
// closed. Events are handled one at a time, which is what serializes all
// driver-originated transitions for an instance.
func (m *Manager) consumeEvents(inst *Instance, drv ports.Driver) {
	for ev := range drv.Events() {
		if inst.ctx.Err() != nil {
			// Torn down; keep draining so the producer never blocks.
			continue
		}
		m.handleDriverEvent(inst, drv, ev)
	}
}

func (m *Manager) handleDriverEvent(inst *Instance, drv ports.Driver, ev model.DriverEvent) {
	inst.mu.Lock()
	if inst.driver != drv {
		// A hard restart swapped handles; this one is still flushing.
		inst.mu.Unlock()
		return
	}
	inst.mu.Unlock()

	metrics.RecordDriverEvent(string(ev.Type))
	now := m.now()

	switch ev.Type {
	case model.EventQR:
		metrics.IncQRGenerated()
		inst.mu.Lock()
		inst.status.QRPayload = ev.Text
		inst.status.LastQRAt = now
		if inst.restartActive {
			inst.qrDuringRestart = true
		}
		inst.mu.Unlock()
		inst.ring.add(now, "qr", "")
		if _, ok := m.applyEvent(inst, lifecycle.Event{Kind: lifecycle.EvQR}); ok {
			m.emit(inst, model.EventQR, map[string]any{"qr": ev.Text})
		}

	case model.EventAuthenticated:
		inst.ring.add(now, "authenticated", "")
		if _, ok := m.applyEvent(inst, lifecycle.Event{Kind: lifecycle.EvAuthenticated}); ok {
			m.emit(inst, model.EventAuthenticated, nil)
		}
		// The ready event is not guaranteed to follow; poll as a fallback.
		m.startReadyPoll(inst, drv)

	case model.EventReady:
		m.markReady(inst, model.ReadyByEvent)

	case model.EventAuthFailure:
		inst.mu.Lock()
		inst.status.SetError("auth failure: "+ev.Text, now)
		inst.mu.Unlock()
		inst.ring.add(now, "auth_failure", ev.Text)
		if _, ok := m.applyEvent(inst, lifecycle.Event{Kind: lifecycle.EvAuthFailure}); ok {
			m.emit(inst, model.EventAuthFailure, map[string]any{"message": ev.Text})
		}

	case model.EventDisconnected:
		m.applyDisconnect(inst, ev.Text)

	case model.EventChangeState:
		inst.ring.add(now, "driver_state", ev.Text)
		m.emit(inst, model.EventChangeState, map[string]any{"state": ev.Text})

	case model.EventMessage, model.EventVoteUpdate:
		if m.mode.Syncing() {
			if err := m.inbox.Push(sysmode.InboundItem{InstanceID: inst.id, Event: string(ev.Type), Data: ev.Data}); err != nil {
				inst.logger.Warn().Str(log.FieldEvent, string(ev.Type)).Msg("inbound buffer full, event dropped")
			}
			return
		}
		m.emit(inst, ev.Type, ev.Data)

	default:
		inst.logger.Debug().Str(log.FieldEvent, string(ev.Type)).Msg("unhandled driver event")
	}
}

// applyEvent is the single place a lifecycle event turns into a state
// change: dispatch under the instance lock, then run entry side effects and
// announce the transition. Ignored edges are debug noise; forbidden edges
// are logged loudly and leave the state alone.
func (m *Manager) applyEvent(inst *Instance, ev lifecycle.Event) (lifecycle.Transition, bool) {
	now := m.now()

	inst.mu.Lock()
	from := inst.status.State
	tr, err := lifecycle.Dispatch(inst.status, ev, now)
	if err != nil {
		inst.mu.Unlock()
		if errors.Is(err, lifecycle.ErrIgnoredTransition) {
			inst.logger.Debug().
				Str(log.FieldOldState, string(from)).
				Str(log.FieldEvent, ev.Kind.String()).
				Str(log.FieldReason, tr.DetailDebug).
				Msg("transition ignored")
			return tr, false
		}
		inst.logger.Warn().
			Str(log.FieldOldState, string(from)).
			Str(log.FieldEvent, ev.Kind.String()).
			Msg("forbidden transition")
		inst.ring.add(now, "forbidden_transition", string(from)+"+"+ev.Kind.String())
		return tr, false
	}
	to := inst.status.State
	inst.signalStateChangeLocked()
	inst.mu.Unlock()

	metrics.RecordStateTransition(string(from), string(to), ev.Kind.String())
	inst.ring.add(now, "transition", string(from)+" -> "+string(to))
	inst.logger.Info().
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(to)).
		Str(log.FieldEvent, ev.Kind.String()).
		Msg("state transition")

	m.publishStateGauges()
	m.mode.Recompute()
	m.afterTransition(inst, tr)
	m.emit(inst, model.EventChangeState, map[string]any{
		"from":  string(from),
		"to":    string(to),
		"event": ev.Kind.String(),
	})
	return tr, true
}

// afterTransition runs the entry side effects for the new state.
func (m *Manager) afterTransition(inst *Instance, tr lifecycle.Transition) {
	switch tr.To {
	case model.StateReady:
		inst.mu.Lock()
		inst.recoveryAttempts = 0
		inst.qrDuringRestart = false
		inst.stopTimersLocked()
		ms := inst.status.AuthenticatedToReadyMs()
		inst.mu.Unlock()
		if ms > 0 {
			metrics.ObserveAuthenticatedToReady(time.Duration(ms) * time.Millisecond)
		}
		m.startSendLoop(inst)

	case model.StatePaused:
		if tr.Event == lifecycle.EvDisconnectRecoverable {
			m.scheduleCooldown(inst, m.cfg.Lifecycle.DisconnectCooldown)
		}
		// EvRestartRateLimited pauses are woken by the budget timer the
		// ladder schedules.
	}

	if tr.To.IsTerminal() && !tr.To.HoldsDriver() {
		// ERROR, RESTRICTED and FAILED_QR_TIMEOUT shut the browser down;
		// NEEDS_QR keeps it alive for the scan.
		m.registry.Go(func() { m.releaseDriver(inst) })
	}
}

// applyDisconnect classifies a disconnect reason and moves the state
// machine accordingly.
func (m *Manager) applyDisconnect(inst *Instance, reason string) {
	now := m.now()
	inst.mu.Lock()
	inst.status.SetError(reason, now)
	inst.mu.Unlock()
	inst.disconnects1h.Record(now)
	inst.ring.add(now, "disconnected", reason)

	ev := lifecycle.EventFromDisconnect(reason, m.restrictedPatterns())
	if _, ok := m.applyEvent(inst, ev); ok {
		m.emit(inst, model.EventDisconnected, map[string]any{"reason": reason})
	}
}

// markReady is idempotent: the driver event and the readiness poll can both
// observe the same session coming up.
func (m *Manager) markReady(inst *Instance, source model.ReadySource) {
	inst.mu.Lock()
	if inst.status.State == model.StateReady {
		inst.mu.Unlock()
		return
	}
	inst.mu.Unlock()

	if _, ok := m.applyEvent(inst, lifecycle.Event{Kind: lifecycle.EvReady}); !ok {
		return
	}

	inst.mu.Lock()
	inst.status.ReadySource = source
	drv := inst.driver
	inst.mu.Unlock()

	inst.ring.add(m.now(), "ready", string(source))
	m.emit(inst, model.EventReady, map[string]any{"source": string(source)})
	if drv != nil {
		m.registry.Go(func() { m.fetchClientInfo(inst, drv) })
	}
}

// scheduleCooldown arms the PAUSED → DISCONNECTED wake-up and, with auto
// reconnect on, kicks the ladder afterwards.
func (m *Manager) scheduleCooldown(inst *Instance, d time.Duration) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.cooldownTimer != nil {
		inst.cooldownTimer.Stop()
	}
	inst.cooldownTimer = time.AfterFunc(d, func() {
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
				inst.logger.Debug().Err(err).Msg("auto reconnect did not reach ready")
			}
		})
	})
}

// emit forwards an event to the tenant webhook, if one is configured.
func (m *Manager) emit(inst *Instance, event model.EventType, data any) {
	target, ok := inst.webhookTarget()
	if !ok {
		return
	}
	m.hooks.Dispatch(target, string(event), data)
}

// fetchClientInfo fills in the account identity once a session is usable.
func (m *Manager) fetchClientInfo(inst *Instance, drv ports.Driver) {
	ctx, cancel := context.WithTimeout(inst.ctx, 10*time.Second)
	defer cancel()
	info, ok, err := drv.Info(ctx)
	if err != nil || !ok {
		return
	}
	inst.mu.Lock()
	inst.status.PhoneNumber = info.PhoneNumber
	inst.status.DisplayName = info.DisplayName
	inst.mu.Unlock()
}

// releaseDriver destroys and discards the handle of an instance that can no
// longer use it.
func (m *Manager) releaseDriver(inst *Instance) {
	inst.mu.Lock()
	drv := inst.driver
	inst.driver = nil
	inst.mu.Unlock()
	if drv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Lifecycle.DestroyTimeout)
	defer cancel()
	if err := drv.Destroy(ctx); err != nil {
		inst.logger.Warn().Err(err).Msg("driver destroy failed")
	}
	drv.Close()
}
