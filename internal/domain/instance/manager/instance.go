// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelasham/wa-hub-sub000/internal/config"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/lifecycle"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/ports"
	"github.com/michaelasham/wa-hub-sub000/internal/log"
	"github.com/michaelasham/wa-hub-sub000/internal/ratelimit"
	"github.com/michaelasham/wa-hub-sub000/internal/webhook"
)

// Instance is the supervisor's runtime context for one tenant session: the
// persisted descriptor, the lifecycle truth, the outbound queue, the driver
// handle and the rolling counters. Everything mutable is guarded by mu;
// state only ever moves inside applyEvent.
type Instance struct {
	id      string
	authDir string

	mu     sync.Mutex
	record model.InstanceRecord
	status *model.StatusRecord
	queue  []*model.QueueItem

	driver    ports.Driver
	driverGen int

	sendLoopRunning  bool
	pollRunning      bool
	restartActive    bool
	qrDuringRestart  bool
	recoveryAttempts int

	// stateCh is closed and replaced on every state change so waiters can
	// re-check their predicate.
	stateCh chan struct{}

	budget        *ratelimit.SendBudget
	sends24h      *ratelimit.Window
	failures1h    *ratelimit.Window
	disconnects1h *ratelimit.Window
	restarts      *ratelimit.Window

	cooldownTimer *time.Timer
	wakeTimer     *time.Timer

	ring *diagRing

	ctx    context.Context
	cancel context.CancelFunc

	logger zerolog.Logger
}

func newInstance(parent context.Context, rec model.InstanceRecord, authDir string, cfg config.Config, now time.Time) *Instance {
	ctx, cancel := context.WithCancel(parent)
	inst := &Instance{
		id:            rec.ID,
		authDir:       authDir,
		record:        rec,
		status:        lifecycle.NewStatusRecord(now),
		stateCh:       make(chan struct{}),
		budget:        ratelimit.NewSendBudget(cfg.Limits.SendsPerMinute, cfg.Limits.SendsPerHour),
		sends24h:      ratelimit.NewWindow(24*time.Hour, 0),
		failures1h:    ratelimit.NewWindow(time.Hour, 0),
		disconnects1h: ratelimit.NewWindow(time.Hour, 0),
		restarts:      ratelimit.NewWindow(cfg.Lifecycle.RestartWindow, cfg.Lifecycle.MaxRestartsPerWindow),
		ring:          newDiagRing(64),
		ctx:           ctx,
		cancel:        cancel,
		logger:        log.WithComponent("instance").With().Str(log.FieldInstanceID, rec.ID).Logger(),
	}
	return inst
}

// State returns the current lifecycle state.
func (i *Instance) State() model.InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status.State
}

// signalStateChangeLocked wakes every waiter. Callers hold i.mu.
func (i *Instance) signalStateChangeLocked() {
	close(i.stateCh)
	i.stateCh = make(chan struct{})
}

// waitForState blocks until done(state) is true, the timeout elapses, the
// caller context is cancelled, or the instance is torn down. It returns the
// last observed state either way.
func (i *Instance) waitForState(ctx context.Context, timeout time.Duration, done func(model.InstanceState) bool) (model.InstanceState, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		i.mu.Lock()
		st := i.status.State
		ch := i.stateCh
		i.mu.Unlock()
		if done(st) {
			return st, nil
		}
		select {
		case <-ch:
		case <-deadline:
			return st, context.DeadlineExceeded
		case <-ctx.Done():
			return st, ctx.Err()
		case <-i.ctx.Done():
			return st, i.ctx.Err()
		}
	}
}

// stopTimersLocked drops any pending cooldown or budget wake.
func (i *Instance) stopTimersLocked() {
	if i.cooldownTimer != nil {
		i.cooldownTimer.Stop()
		i.cooldownTimer = nil
	}
	if i.wakeTimer != nil {
		i.wakeTimer.Stop()
		i.wakeTimer = nil
	}
}

// Snapshot is the external view of one instance, served by the status and
// list endpoints. It is a value copy; mutating it affects nothing.
type Snapshot struct {
	ID    string              `json:"id"`
	Name  string              `json:"name"`
	State model.InstanceState `json:"state"`

	Reason           model.ReasonCode       `json:"reason,omitempty"`
	ReasonDetailCode model.ReasonDetailCode `json:"reasonDetailCode,omitempty"`
	LastError        string                 `json:"lastError,omitempty"`
	LastErrorAt      time.Time              `json:"lastErrorAt,omitzero"`

	QueueDepth  int    `json:"queueDepth"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	ReadySource model.ReadySource `json:"readySource,omitempty"`
	HasQR       bool              `json:"hasQr"`
	LastQRAt    time.Time         `json:"lastQrAt,omitzero"`

	CreatedAt         time.Time `json:"createdAt"`
	LastStateChangeAt time.Time `json:"lastStateChangeAt,omitzero"`
	AuthenticatedAt   time.Time `json:"authenticatedAt,omitzero"`
	ReadyAt           time.Time `json:"readyAt,omitzero"`
	NeedsQRSince      time.Time `json:"needsQrSince,omitzero"`
	ConnectingSince   time.Time `json:"connectingSince,omitzero"`

	AuthenticatedToReadyMs int64 `json:"authenticatedToReadyMs,omitempty"`

	Webhook       model.WebhookSettings `json:"webhook"`
	TypingEnabled bool                  `json:"typingEnabled"`
	TypingApplyTo []model.TypingTarget  `json:"typingApplyTo,omitempty"`

	SendsLastMinute     int `json:"sendsLastMinute"`
	SendsLastHour       int `json:"sendsLastHour"`
	SendsLast24h        int `json:"sendsLast24h"`
	FailuresLastHour    int `json:"failuresLastHour"`
	DisconnectsLastHour int `json:"disconnectsLastHour"`
	RestartsInWindow    int `json:"restartsInWindow"`
	RecoveryAttempts    int `json:"recoveryAttempts"`
}

func (i *Instance) snapshot(now time.Time) Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.snapshotLocked(now)
}

func (i *Instance) snapshotLocked(now time.Time) Snapshot {
	minute, hour := i.budget.Counts(now)
	snap := Snapshot{
		ID:    i.id,
		Name:  i.record.Name,
		State: i.status.State,

		Reason:           i.status.Reason,
		ReasonDetailCode: i.status.ReasonDetailCode,
		LastError:        i.status.LastError,
		LastErrorAt:      i.status.LastErrorAt,

		QueueDepth:  len(i.queue),
		PhoneNumber: i.status.PhoneNumber,
		DisplayName: i.status.DisplayName,

		ReadySource: i.status.ReadySource,
		HasQR:       i.status.QRPayload != "",
		LastQRAt:    i.status.LastQRAt,

		CreatedAt:         i.record.CreatedAt(),
		LastStateChangeAt: i.status.LastStateChangeAt,
		AuthenticatedAt:   i.status.AuthenticatedAt,
		ReadyAt:           i.status.ReadyAt,
		NeedsQRSince:      i.status.NeedsQRSince,
		ConnectingSince:   i.status.ConnectingSince,

		AuthenticatedToReadyMs: i.status.AuthenticatedToReadyMs(),

		Webhook:       i.record.Webhook,
		TypingEnabled: i.record.TypingEnabled,
		TypingApplyTo: append([]model.TypingTarget(nil), i.record.TypingApplyTo...),

		SendsLastMinute:     minute,
		SendsLastHour:       hour,
		SendsLast24h:        i.sends24h.Count(now),
		FailuresLastHour:    i.failures1h.Count(now),
		DisconnectsLastHour: i.disconnects1h.Count(now),
		RestartsInWindow:    i.restarts.Count(now),
		RecoveryAttempts:    i.recoveryAttempts,
	}
	return snap
}

// webhookTarget builds the dispatcher target from the current settings.
// Empty URL means the tenant opted out of callbacks.
func (i *Instance) webhookTarget() (webhook.Target, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.record.Webhook.URL == "" {
		return webhook.Target{}, false
	}
	target := webhook.Target{InstanceID: i.id, URL: i.record.Webhook.URL}
	for _, ev := range i.record.Webhook.Events {
		target.Events = append(target.Events, string(ev))
	}
	return target, true
}

// diagEntry is one line in the instance's recent-activity ring.
type diagEntry struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

type diagRing struct {
	mu      sync.Mutex
	cap     int
	entries []diagEntry
}

func newDiagRing(capacity int) *diagRing {
	return &diagRing{cap: capacity}
}

func (r *diagRing) add(now time.Time, kind, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, diagEntry{At: now, Kind: kind, Detail: detail})
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
}

func (r *diagRing) list() []diagEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]diagEntry, len(r.entries))
	copy(out, r.entries)
	return out
}
