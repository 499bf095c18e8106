// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/michaelasham/wa-hub-sub000/internal/config"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/lifecycle"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
	"github.com/michaelasham/wa-hub-sub000/internal/log"
	"github.com/michaelasham/wa-hub-sub000/internal/metrics"
)

const bytesPerMB = 1 << 20

// RestoreScheduler brings persisted instances back after a process start,
// one at a time by default. Between starts it enforces a cooldown and a
// free-memory floor; every session costs a headless browser.
type RestoreScheduler struct {
	m   *Manager
	cfg config.RestoreConfig

	mu           sync.Mutex
	pending      []*restoreItem
	active       int
	lastFinished time.Time

	// freeMemMB is swappable in tests.
	freeMemMB func() (uint64, error)
}

type restoreItem struct {
	rec       model.InstanceRecord
	attempts  int
	notBefore time.Time
}

func newRestoreScheduler(m *Manager, cfg config.RestoreConfig) *RestoreScheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &RestoreScheduler{m: m, cfg: cfg, freeMemMB: freeMemoryMB}
}

// RestoreFromDisk loads the persisted registry and queues every instance
// for restoration. It returns the number of queued instances.
func (m *Manager) RestoreFromDisk() (int, error) {
	records, err := m.loadRecords()
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		m.restorer.Enqueue(rec)
	}
	if len(records) > 0 {
		m.logger.Info().Int("instances", len(records)).Msg("restore queued")
	}
	return len(records), nil
}

// Enqueue adds one record to the restore queue. Duplicates are ignored.
func (r *RestoreScheduler) Enqueue(rec model.InstanceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.pending {
		if it.rec.ID == rec.ID {
			return
		}
	}
	r.pending = append(r.pending, &restoreItem{rec: rec})
}

// Pending returns queued plus in-flight restorations.
func (r *RestoreScheduler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) + r.active
}

// Run ticks until the context ends.
func (r *RestoreScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.TickOnce(ctx, r.m.now())
		}
	}
}

// TickOnce starts at most one eligible restoration and reports whether it
// did. Eligibility: a free slot, the cooldown since the last finished
// restoration elapsed, an item whose backoff window passed, and enough free
// memory.
func (r *RestoreScheduler) TickOnce(ctx context.Context, now time.Time) bool {
	if ctx.Err() != nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active >= r.cfg.Concurrency {
		return false
	}
	if !r.lastFinished.IsZero() && now.Sub(r.lastFinished) < r.cfg.Cooldown {
		return false
	}
	idx := -1
	for i, it := range r.pending {
		if !it.notBefore.After(now) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	item := r.pending[idx]

	if free, err := r.freeMemMB(); err != nil {
		r.m.logger.Warn().Err(err).Msg("memory probe failed, restoring anyway")
	} else if free < r.cfg.MinFreeMemMB {
		metrics.RecordRestore("deferred")
		r.m.logger.Warn().
			Uint64("free_mb", free).
			Uint64("floor_mb", r.cfg.MinFreeMemMB).
			Str(log.FieldInstanceID, item.rec.ID).
			Msg("restore deferred, memory below floor")
		return false
	}

	r.pending = append(r.pending[:idx], r.pending[idx+1:]...)
	r.active++
	if !r.m.registry.Go(func() { r.process(item) }) {
		r.active--
		return false
	}
	return true
}

// process runs one restoration to a settled outcome. READY, NEEDS_QR and
// RESTRICTED are final; anything else goes back in the queue with backoff.
func (r *RestoreScheduler) process(item *restoreItem) {
	defer func() {
		r.mu.Lock()
		r.active--
		r.lastFinished = r.m.now()
		r.mu.Unlock()
	}()

	inst, err := r.m.adoptRecord(item.rec)
	if err != nil {
		r.retry(item, err.Error())
		return
	}

	st, _ := inst.waitForState(r.m.baseCtx, r.m.cfg.Lifecycle.ReadyTimeout, reachedOutcome)
	switch st {
	case model.StateReady:
		metrics.RecordRestore("restored")
		inst.logger.Info().Str(log.FieldEvent, "instance.restored").Msg("instance restored")
	case model.StateNeedsQR:
		metrics.RecordRestore("needs_qr")
		inst.logger.Info().Msg("restored session needs a qr scan")
	case model.StateRestricted:
		metrics.RecordRestore("restricted")
		inst.logger.Warn().Msg("restored into restricted state")
	default:
		r.retry(item, "state "+string(st))
	}
}

// retry re-queues a failed restoration with exponential spacing until the
// attempt budget runs out.
func (r *RestoreScheduler) retry(item *restoreItem, why string) {
	item.attempts++
	if item.attempts >= r.cfg.MaxAttempts {
		metrics.RecordRestore("gave_up")
		r.m.logger.Error().
			Str(log.FieldInstanceID, item.rec.ID).
			Int(log.FieldAttempt, item.attempts).
			Str(log.FieldReason, why).
			Msg("restore abandoned")
		return
	}

	backoff := r.cfg.Cooldown << item.attempts
	if r.cfg.RetryMaxBackoff > 0 && backoff > r.cfg.RetryMaxBackoff {
		backoff = r.cfg.RetryMaxBackoff
	}
	item.notBefore = r.m.now().Add(backoff)
	metrics.RecordRestore("retry")
	r.m.logger.Warn().
		Str(log.FieldInstanceID, item.rec.ID).
		Int(log.FieldAttempt, item.attempts).
		Str(log.FieldReason, why).
		Dur("backoff", backoff).
		Msg("restore failed, will retry")

	r.mu.Lock()
	r.pending = append(r.pending, item)
	r.mu.Unlock()
}

// adoptRecord brings a persisted record to life. Unknown ids get a fresh
// runtime; ids whose earlier attempt died in ERROR or FAILED_QR_TIMEOUT get
// a rebuilt one; anything already alive is returned as is.
func (m *Manager) adoptRecord(rec model.InstanceRecord) (*Instance, error) {
	m.mu.Lock()
	existing := m.instances[rec.ID]
	m.mu.Unlock()

	if existing == nil {
		return m.addInstance(rec)
	}

	switch existing.State() {
	case model.StateError, model.StateFailedQRTimeout:
	default:
		return existing, nil
	}

	existing.mu.Lock()
	keptRec := existing.record
	authDir := existing.authDir
	existing.mu.Unlock()

	fresh := newInstance(m.baseCtx, keptRec, authDir, m.cfg, m.now())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		fresh.cancel()
		return nil, lifecycle.NewReasonError(model.RInternal, "manager closed", lifecycle.ErrInternal)
	}
	if m.instances[rec.ID] != existing {
		// Raced with a delete or another adoption.
		cur := m.instances[rec.ID]
		m.mu.Unlock()
		fresh.cancel()
		if cur == nil {
			return nil, lifecycle.NewReasonError(model.RNotFound, "unknown instance", lifecycle.ErrInstanceNotFound)
		}
		return cur, nil
	}
	m.instances[rec.ID] = fresh
	m.mu.Unlock()

	m.teardown(existing)

	if err := m.startRuntime(fresh); err != nil {
		// Keep the dead runtime in the map so the record stays persisted
		// and visible; the next retry adopts it again.
		m.mu.Lock()
		if m.instances[rec.ID] == fresh {
			m.instances[rec.ID] = existing
		}
		m.mu.Unlock()
		fresh.cancel()
		return nil, err
	}
	m.publishStateGauges()
	m.mode.Recompute()
	return fresh, nil
}

// freeMemoryMB reads available system memory.
func freeMemoryMB() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available / bytesPerMB, nil
}
