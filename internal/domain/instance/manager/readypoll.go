// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"time"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/ports"
)

// startReadyPoll begins polling for readiness after an authenticated event.
// Sessions restored from existing auth state sometimes never emit the ready
// event; the poll is the fallback detector.
func (m *Manager) startReadyPoll(inst *Instance, drv ports.Driver) {
	inst.mu.Lock()
	if inst.pollRunning || inst.driver != drv {
		inst.mu.Unlock()
		return
	}
	inst.pollRunning = true
	inst.mu.Unlock()

	if !m.registry.Go(func() { m.runReadyPoll(inst, drv) }) {
		inst.mu.Lock()
		inst.pollRunning = false
		inst.mu.Unlock()
	}
}

func (m *Manager) runReadyPoll(inst *Instance, drv ports.Driver) {
	defer func() {
		inst.mu.Lock()
		inst.pollRunning = false
		inst.mu.Unlock()
	}()

	ticker := time.NewTicker(m.cfg.Watchdog.ReadyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-inst.ctx.Done():
			return
		case <-ticker.C:
		}

		inst.mu.Lock()
		stale := inst.driver != drv
		st := inst.status.State
		inst.mu.Unlock()

		if stale || st == model.StateReady || st.IsTerminal() {
			return
		}
		if st != model.StateConnecting {
			continue
		}
		if m.probeReady(inst, drv) {
			m.markReady(inst, model.ReadyByPoll)
			return
		}
	}
}

// probeReady treats a connected driver that already knows its own phone
// number as ready.
func (m *Manager) probeReady(inst *Instance, drv ports.Driver) bool {
	ctx, cancel := context.WithTimeout(inst.ctx, probeTimeout)
	defer cancel()

	state, err := drv.ConnectionState(ctx)
	if err != nil || state != "CONNECTED" {
		return false
	}
	info, ok, err := drv.Info(ctx)
	if err != nil || !ok || info.PhoneNumber == "" {
		return false
	}
	return true
}
