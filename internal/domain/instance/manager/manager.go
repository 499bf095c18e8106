// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package manager supervises the fleet of tenant instances: it owns their
// lifecycle, queues, driver handles, restart ladder, watchdogs and startup
// restoration. Every state transition in the system funnels through
// applyEvent in this package.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/michaelasham/wa-hub-sub000/internal/config"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/lifecycle"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/ports"
	"github.com/michaelasham/wa-hub-sub000/internal/fsutil"
	"github.com/michaelasham/wa-hub-sub000/internal/idempotency"
	"github.com/michaelasham/wa-hub-sub000/internal/log"
	"github.com/michaelasham/wa-hub-sub000/internal/metrics"
	"github.com/michaelasham/wa-hub-sub000/internal/sysmode"
	"github.com/michaelasham/wa-hub-sub000/internal/webhook"
)

// Deps are the collaborators the supervisor is wired with at startup.
type Deps struct {
	Factory  ports.Factory
	Store    idempotency.Store
	Webhooks *webhook.Dispatcher
	Mode     *sysmode.Controller
	Outbox   *sysmode.OutboundQueue
	Inbox    *sysmode.InboundBuffer
}

// Manager supervises all instances. It is safe for concurrent use.
type Manager struct {
	cfg     config.Config
	factory ports.Factory
	store   idempotency.Store
	hooks   *webhook.Dispatcher
	mode    *sysmode.Controller
	outbox  *sysmode.OutboundQueue
	inbox   *sysmode.InboundBuffer

	logger zerolog.Logger

	mu        sync.Mutex
	instances map[string]*Instance
	closed    bool

	registry   taskRegistry
	reconnects singleflight.Group

	sweeper  *Sweeper
	restorer *RestoreScheduler

	baseCtx context.Context
	cancel  context.CancelFunc

	now func() time.Time
}

// New wires a Manager with its collaborators. The returned Manager is idle;
// the caller runs Sweeper and Restorer and finally calls Close.
func New(cfg config.Config, deps Deps) (*Manager, error) {
	if deps.Factory == nil {
		return nil, errors.New("manager: nil driver factory")
	}
	if deps.Store == nil {
		return nil, errors.New("manager: nil idempotency store")
	}
	if deps.Webhooks == nil || deps.Mode == nil || deps.Outbox == nil || deps.Inbox == nil {
		return nil, errors.New("manager: missing collaborator")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		factory:   deps.Factory,
		store:     deps.Store,
		hooks:     deps.Webhooks,
		mode:      deps.Mode,
		outbox:    deps.Outbox,
		inbox:     deps.Inbox,
		logger:    log.WithComponent("manager"),
		instances: make(map[string]*Instance),
		baseCtx:   ctx,
		cancel:    cancel,
		now:       time.Now,
	}
	m.sweeper = newSweeper(m, cfg.Watchdog)
	m.restorer = newRestoreScheduler(m, cfg.Restore)

	m.mode.SetSource(m.modeSnapshots)
	m.mode.OnChange(func(mode sysmode.Mode) {
		if mode != sysmode.ModeNormal {
			return
		}
		m.registry.Go(func() { m.outbox.Drain(m.baseCtx, m.replayOutbound) })
		m.registry.Go(func() { m.inbox.Flush(m.baseCtx, m.forwardInbound) })
	})
	return m, nil
}

// Sweeper returns the watchdog loop for the daemon to run.
func (m *Manager) Sweeper() *Sweeper { return m.sweeper }

// Restorer returns the startup restoration loop for the daemon to run.
func (m *Manager) Restorer() *RestoreScheduler { return m.restorer }

// CreateParams is the input for a new instance. Pointer fields distinguish
// "absent" from zero values.
type CreateParams struct {
	ID            string
	Name          string
	WebhookURL    string
	WebhookEvents []string
	TypingEnabled *bool
	TypingApplyTo []string
}

// Create validates params, persists the descriptor and starts the runtime.
// It returns once the instance reaches READY, lands on a QR screen or a
// terminal state, or the ready timeout elapses; the instance keeps
// connecting in the background on timeout.
func (m *Manager) Create(ctx context.Context, params CreateParams) (Snapshot, error) {
	rec, err := m.buildRecord(ctx, params)
	if err != nil {
		return Snapshot{}, err
	}

	inst, err := m.addInstance(rec)
	if err != nil {
		return Snapshot{}, err
	}
	if err := m.persist(); err != nil {
		m.logger.Error().Err(err).Str(log.FieldInstanceID, rec.ID).Msg("persist after create failed")
	}

	m.logger.Info().
		Str(log.FieldInstanceID, rec.ID).
		Str(log.FieldEvent, "instance.created").
		Msg("instance created")

	if _, werr := inst.waitForState(ctx, m.cfg.Lifecycle.ReadyTimeout, reachedOutcome); werr != nil && !errors.Is(werr, context.DeadlineExceeded) {
		// Caller went away; the instance keeps starting regardless.
		m.logger.Debug().Err(werr).Str(log.FieldInstanceID, rec.ID).Msg("create wait interrupted")
	}
	return inst.snapshot(m.now()), nil
}

func (m *Manager) buildRecord(ctx context.Context, params CreateParams) (model.InstanceRecord, error) {
	id := model.SanitizeInstanceID(params.ID)
	if id == "" {
		return model.InstanceRecord{}, lifecycle.NewReasonError(model.RBadRequest, "instance id must contain [a-zA-Z0-9_-]", lifecycle.ErrBadRequest)
	}

	name := model.NormalizeName(params.Name)
	if name == "" {
		name = id
	}

	hook := model.WebhookSettings{}
	if params.WebhookURL != "" {
		policy := webhook.URLPolicy{AllowPrivateHosts: m.cfg.Webhook.AllowPrivateHosts}
		normalized, err := policy.Validate(ctx, params.WebhookURL)
		if err != nil {
			return model.InstanceRecord{}, lifecycle.NewReasonError(model.RBadRequest, "webhook url rejected", fmt.Errorf("%w: %w", lifecycle.ErrBadRequest, err))
		}
		hook.URL = normalized
	}
	for _, raw := range params.WebhookEvents {
		ev := model.EventType(raw)
		if !model.IsKnownEventType(ev) {
			return model.InstanceRecord{}, lifecycle.NewReasonError(model.RBadRequest, "unknown webhook event "+raw, lifecycle.ErrBadRequest)
		}
		hook.Events = append(hook.Events, ev)
	}

	typingEnabled := m.cfg.Typing.EnabledDefault
	if params.TypingEnabled != nil {
		typingEnabled = *params.TypingEnabled
	}
	var typingApplyTo []model.TypingTarget
	for _, raw := range params.TypingApplyTo {
		t := model.TypingTarget(raw)
		if !model.IsKnownTypingTarget(t) {
			return model.InstanceRecord{}, lifecycle.NewReasonError(model.RBadRequest, "unknown typing target "+raw, lifecycle.ErrBadRequest)
		}
		typingApplyTo = append(typingApplyTo, t)
	}

	return model.InstanceRecord{
		ID:            id,
		Name:          name,
		Webhook:       hook,
		TypingEnabled: typingEnabled,
		TypingApplyTo: typingApplyTo,
		CreatedAtUnix: m.now().Unix(),
	}, nil
}

// addInstance registers and starts the runtime for a validated record.
func (m *Manager) addInstance(rec model.InstanceRecord) (*Instance, error) {
	authDir, err := m.instanceAuthDir(rec.ID)
	if err != nil {
		return nil, lifecycle.NewReasonError(model.RBadRequest, "instance id not usable as path", fmt.Errorf("%w: %w", lifecycle.ErrBadRequest, err))
	}
	if err := os.MkdirAll(authDir, 0o750); err != nil {
		return nil, lifecycle.NewReasonError(model.RInternal, "auth dir", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, lifecycle.NewReasonError(model.RInternal, "manager closed", lifecycle.ErrInternal)
	}
	if _, exists := m.instances[rec.ID]; exists {
		m.mu.Unlock()
		return nil, lifecycle.NewReasonError(model.RBadRequest, "instance exists", lifecycle.ErrInstanceExists)
	}
	inst := newInstance(m.baseCtx, rec, authDir, m.cfg, m.now())
	m.instances[rec.ID] = inst
	m.mu.Unlock()

	if err := m.startRuntime(inst); err != nil {
		m.mu.Lock()
		delete(m.instances, rec.ID)
		m.mu.Unlock()
		inst.cancel()
		return nil, err
	}
	m.publishStateGauges()
	m.mode.Recompute()
	return inst, nil
}

// startRuntime creates a driver handle, starts its event consumer and kicks
// off initialization.
func (m *Manager) startRuntime(inst *Instance) error {
	drv, err := m.factory.New(inst.id, inst.authDir)
	if err != nil {
		return lifecycle.NewReasonError(model.RInternal, "driver factory", err)
	}

	inst.mu.Lock()
	inst.driver = drv
	inst.driverGen++
	inst.mu.Unlock()

	if !m.registry.Go(func() { m.consumeEvents(inst, drv) }) {
		drv.Close()
		return lifecycle.NewReasonError(model.RInternal, "manager closed", lifecycle.ErrInternal)
	}
	m.registry.Go(func() { m.initializeDriver(inst, drv) })
	return nil
}

// initializeDriver launches the session for the create/restore path. The
// reconnection ladder drives its own initialize calls.
func (m *Manager) initializeDriver(inst *Instance, drv ports.Driver) {
	ctx, cancel := context.WithTimeout(inst.ctx, m.cfg.Lifecycle.ReadyTimeout)
	defer cancel()

	if err := drv.Initialize(ctx); err != nil {
		if inst.ctx.Err() != nil {
			return
		}
		inst.ring.add(m.now(), "driver_init_failed", err.Error())
		m.applyDisconnect(inst, err.Error())
		return
	}

	// A QR can beat Initialize's return; only leave STARTING_BROWSER if
	// nothing else already did.
	inst.mu.Lock()
	starting := inst.status.State == model.StateStartingBrowser
	inst.mu.Unlock()
	if starting {
		m.applyEvent(inst, lifecycle.Event{Kind: lifecycle.EvDriverInit})
	}
}

// Get returns a snapshot of one instance.
func (m *Manager) Get(id string) (Snapshot, error) {
	inst, err := m.instance(id)
	if err != nil {
		return Snapshot{}, err
	}
	return inst.snapshot(m.now()), nil
}

// List returns snapshots of all instances, oldest first.
func (m *Manager) List() []Snapshot {
	now := m.now()
	insts := m.all()
	out := make([]Snapshot, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.snapshot(now))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// UpdateParams patches the mutable descriptor fields. Nil means unchanged.
type UpdateParams struct {
	Name          *string
	WebhookURL    *string
	WebhookEvents *[]string
	TypingEnabled *bool
	TypingApplyTo *[]string
}

// Update patches the descriptor and persists it. Runtime state is untouched.
func (m *Manager) Update(ctx context.Context, id string, params UpdateParams) (Snapshot, error) {
	inst, err := m.instance(id)
	if err != nil {
		return Snapshot{}, err
	}

	var webhookURL string
	if params.WebhookURL != nil && *params.WebhookURL != "" {
		policy := webhook.URLPolicy{AllowPrivateHosts: m.cfg.Webhook.AllowPrivateHosts}
		normalized, perr := policy.Validate(ctx, *params.WebhookURL)
		if perr != nil {
			return Snapshot{}, lifecycle.NewReasonError(model.RBadRequest, "webhook url rejected", fmt.Errorf("%w: %w", lifecycle.ErrBadRequest, perr))
		}
		webhookURL = normalized
	}
	var events []model.EventType
	if params.WebhookEvents != nil {
		for _, raw := range *params.WebhookEvents {
			ev := model.EventType(raw)
			if !model.IsKnownEventType(ev) {
				return Snapshot{}, lifecycle.NewReasonError(model.RBadRequest, "unknown webhook event "+raw, lifecycle.ErrBadRequest)
			}
			events = append(events, ev)
		}
	}
	var typingApplyTo []model.TypingTarget
	if params.TypingApplyTo != nil {
		for _, raw := range *params.TypingApplyTo {
			t := model.TypingTarget(raw)
			if !model.IsKnownTypingTarget(t) {
				return Snapshot{}, lifecycle.NewReasonError(model.RBadRequest, "unknown typing target "+raw, lifecycle.ErrBadRequest)
			}
			typingApplyTo = append(typingApplyTo, t)
		}
	}

	inst.mu.Lock()
	if params.Name != nil {
		if name := model.NormalizeName(*params.Name); name != "" {
			inst.record.Name = name
		}
	}
	if params.WebhookURL != nil {
		inst.record.Webhook.URL = webhookURL
	}
	if params.WebhookEvents != nil {
		inst.record.Webhook.Events = events
	}
	if params.TypingEnabled != nil {
		inst.record.TypingEnabled = *params.TypingEnabled
	}
	if params.TypingApplyTo != nil {
		inst.record.TypingApplyTo = typingApplyTo
	}
	inst.mu.Unlock()

	if err := m.persist(); err != nil {
		m.logger.Error().Err(err).Str(log.FieldInstanceID, id).Msg("persist after update failed")
	}
	return inst.snapshot(m.now()), nil
}

// Delete tears the instance down, removes its descriptor and deletes its
// idempotency records. The auth directory is kept for forensics.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if ok {
		delete(m.instances, id)
	}
	m.mu.Unlock()
	if !ok {
		return lifecycle.NewReasonError(model.RNotFound, "unknown instance", lifecycle.ErrInstanceNotFound)
	}

	m.teardown(inst)

	if n, err := m.store.DeleteByInstance(ctx, id); err != nil {
		m.logger.Error().Err(err).Str(log.FieldInstanceID, id).Msg("idempotency delete failed")
	} else if n > 0 {
		m.logger.Info().Int("records", n).Str(log.FieldInstanceID, id).Msg("idempotency records removed")
	}

	m.hooks.Forget(id)
	metrics.RemoveQueueDepth(id)
	if err := m.persist(); err != nil {
		m.logger.Error().Err(err).Str(log.FieldInstanceID, id).Msg("persist after delete failed")
	}
	m.publishStateGauges()
	m.mode.Recompute()

	m.logger.Info().
		Str(log.FieldInstanceID, id).
		Str(log.FieldEvent, "instance.deleted").
		Msg("instance deleted")
	return nil
}

// teardown cancels the runtime and destroys the driver handle.
func (m *Manager) teardown(inst *Instance) {
	inst.mu.Lock()
	inst.stopTimersLocked()
	drv := inst.driver
	inst.driver = nil
	inst.mu.Unlock()

	inst.cancel()
	if drv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Lifecycle.DestroyTimeout)
		if err := drv.Destroy(ctx); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldInstanceID, inst.id).Msg("driver destroy failed")
		}
		cancel()
		drv.Close()
	}
}

// QR returns the current QR payload. Only NEEDS_QR has one.
func (m *Manager) QR(id string) (string, Snapshot, error) {
	inst, err := m.instance(id)
	if err != nil {
		return "", Snapshot{}, err
	}
	inst.mu.Lock()
	st := inst.status.State
	qr := inst.status.QRPayload
	inst.mu.Unlock()
	snap := inst.snapshot(m.now())
	if st != model.StateNeedsQR || qr == "" {
		return "", snap, lifecycle.NewReasonError(model.RNotFound, "no qr in state "+string(st), lifecycle.ErrInstanceNotFound)
	}
	return qr, snap, nil
}

// Logout asks the driver to unlink the account. The session lands on a
// fresh QR screen via the resulting disconnect event.
func (m *Manager) Logout(ctx context.Context, id string) error {
	inst, err := m.instance(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	drv := inst.driver
	st := inst.status.State
	inst.mu.Unlock()
	if drv == nil || !st.HoldsDriver() {
		return lifecycle.NewReasonError(model.RTerminalState, "no live session in state "+string(st), lifecycle.ErrTerminalState)
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Lifecycle.DestroyTimeout)
	defer cancel()
	if err := drv.Logout(ctx); err != nil {
		return lifecycle.NewReasonError(model.RDriverTransient, "logout failed", err)
	}
	inst.ring.add(m.now(), "logout", "")
	return nil
}

// Diagnostics is the deep per-instance view for operators.
type Diagnostics struct {
	Snapshot    Snapshot                `json:"snapshot"`
	Events      []diagEntry             `json:"events"`
	WebhookLast *webhook.DeliveryStatus `json:"webhookLast,omitempty"`
	Queue       []QueuePreview          `json:"queue"`
	SystemMode  string                  `json:"systemMode"`
}

// QueuePreview is a redacted queue entry; payload bodies stay private.
type QueuePreview struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	ChatID        string    `json:"chatId"`
	AttemptCount  int       `json:"attemptCount"`
	NextAttemptAt time.Time `json:"nextAttemptAt,omitzero"`
	LastError     string    `json:"lastError,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Diagnostics returns the operator view of one instance.
func (m *Manager) Diagnostics(id string) (Diagnostics, error) {
	inst, err := m.instance(id)
	if err != nil {
		return Diagnostics{}, err
	}
	now := m.now()

	inst.mu.Lock()
	queue := make([]QueuePreview, 0, len(inst.queue))
	for _, item := range inst.queue {
		queue = append(queue, QueuePreview{
			ID:            item.ID,
			Type:          string(item.Type),
			ChatID:        item.ChatID(),
			AttemptCount:  item.AttemptCount,
			NextAttemptAt: item.NextAttemptAt,
			LastError:     item.LastError,
			CreatedAt:     item.CreatedAt,
		})
	}
	inst.mu.Unlock()

	diag := Diagnostics{
		Snapshot:   inst.snapshot(now),
		Events:     inst.ring.list(),
		Queue:      queue,
		SystemMode: string(m.mode.Mode()),
	}
	if st, ok := m.hooks.LastStatus(id); ok {
		diag.WebhookLast = &st
	}
	return diag, nil
}

// Count returns the number of supervised instances.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// Close stops every runtime and joins all supervisor goroutines within the
// context deadline.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	insts := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range insts {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			m.teardown(inst)
		}(inst)
	}
	wg.Wait()

	m.cancel()
	return m.registry.CloseAndWait(ctx)
}

// instance resolves an id to its runtime or a typed not-found error.
func (m *Manager) instance(id string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, lifecycle.NewReasonError(model.RNotFound, "unknown instance", lifecycle.ErrInstanceNotFound)
	}
	return inst, nil
}

func (m *Manager) all() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	return out
}

// instanceAuthDir confines the per-instance credential directory under the
// data dir; ids come straight off the API.
func (m *Manager) instanceAuthDir(id string) (string, error) {
	return fsutil.ConfineRelPath(m.cfg.DataDir, filepath.Join("sessions", id))
}

func (m *Manager) restrictedPatterns() []string {
	if len(m.cfg.Lifecycle.RestrictedReasonPatterns) > 0 {
		return m.cfg.Lifecycle.RestrictedReasonPatterns
	}
	return lifecycle.DefaultRestrictedPatterns
}

// modeSnapshots feeds the system mode controller.
func (m *Manager) modeSnapshots() []sysmode.Snapshot {
	insts := m.all()
	out := make([]sysmode.Snapshot, 0, len(insts))
	for _, inst := range insts {
		inst.mu.Lock()
		out = append(out, sysmode.Snapshot{
			State:           inst.status.State,
			NeedsQRSince:    inst.status.NeedsQRSince,
			ConnectingSince: inst.status.ConnectingSince,
		})
		inst.mu.Unlock()
	}
	return out
}

// publishStateGauges refreshes the per-state instance gauge.
func (m *Manager) publishStateGauges() {
	counts := make(map[string]int, len(model.AllStates))
	for _, st := range model.AllStates {
		counts[string(st)] = 0
	}
	for _, inst := range m.all() {
		counts[string(inst.State())]++
	}
	metrics.SetInstanceStates(counts)
}
