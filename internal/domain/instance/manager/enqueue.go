// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/lifecycle"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
	"github.com/michaelasham/wa-hub-sub000/internal/idempotency"
	"github.com/michaelasham/wa-hub-sub000/internal/log"
	"github.com/michaelasham/wa-hub-sub000/internal/metrics"
	"github.com/michaelasham/wa-hub-sub000/internal/sysmode"
)

// staleQueuedAfter bounds how long a QUEUED idempotency record blocks a
// resubmit of the same key. Items older than this are presumed lost.
const staleQueuedAfter = time.Hour

// SendMessageParams is the admission input for a text message.
type SendMessageParams struct {
	ChatID         string
	Body           string
	IdempotencyKey string

	// Shop, OrderID and Action derive a stable order-scoped key when all
	// three are present and no explicit key was given.
	Shop    string
	OrderID string
	Action  string

	// Audience selects the typing profile; empty means customer.
	Audience string
}

// SendPollParams is the admission input for a poll.
type SendPollParams struct {
	ChatID          string
	Caption         string
	Options         []string
	MultipleAnswers bool
	IdempotencyKey  string

	Shop    string
	OrderID string
	Action  string

	Audience string
}

// EnqueueResult reports what admission did with an action.
type EnqueueResult struct {
	// Status is "sent" for an idempotent replay of a delivered action and
	// "queued" for anything accepted for delivery.
	Status            string              `json:"status"`
	Duplicate         bool                `json:"duplicate,omitempty"`
	Buffered          bool                `json:"buffered,omitempty"`
	ItemID            string              `json:"id,omitempty"`
	Key               string              `json:"idempotencyKey"`
	ProviderMessageID string              `json:"providerMessageId,omitempty"`
	QueueDepth        int                 `json:"queueDepth"`
	State             model.InstanceState `json:"state"`
}

// SendMessage validates, dedupes and queues a text message.
func (m *Manager) SendMessage(ctx context.Context, id string, params SendMessageParams) (EnqueueResult, error) {
	inst, err := m.instance(id)
	if err != nil {
		return EnqueueResult{}, err
	}

	chat := model.NormalizeChatID(params.ChatID)
	if chat == "" {
		return EnqueueResult{}, lifecycle.NewReasonError(model.RBadRequest, "chatId not normalizable", lifecycle.ErrBadRequest)
	}
	body := strings.TrimSpace(params.Body)
	if body == "" {
		return EnqueueResult{}, lifecycle.NewReasonError(model.RBadRequest, "message must not be empty", lifecycle.ErrBadRequest)
	}

	key := deriveKey(model.ItemMessage, id, params.IdempotencyKey, params.Shop, params.OrderID, params.Action, chat+"|"+body)
	item := &model.QueueItem{
		ID:             uuid.NewString(),
		Type:           model.ItemMessage,
		Message:        &model.MessagePayload{ChatID: chat, Body: body},
		IdempotencyKey: key,
		CreatedAt:      m.now(),
		ApplyTyping:    m.typingApplies(inst, params.Audience),
	}
	return m.enqueue(ctx, inst, item)
}

// SendPoll validates, dedupes and queues a poll.
func (m *Manager) SendPoll(ctx context.Context, id string, params SendPollParams) (EnqueueResult, error) {
	inst, err := m.instance(id)
	if err != nil {
		return EnqueueResult{}, err
	}

	chat := model.NormalizeChatID(params.ChatID)
	if chat == "" {
		return EnqueueResult{}, lifecycle.NewReasonError(model.RBadRequest, "chatId not normalizable", lifecycle.ErrBadRequest)
	}
	caption := strings.TrimSpace(params.Caption)
	if caption == "" {
		return EnqueueResult{}, lifecycle.NewReasonError(model.RBadRequest, "poll caption must not be empty", lifecycle.ErrBadRequest)
	}
	options := make([]string, 0, len(params.Options))
	for _, opt := range params.Options {
		if trimmed := strings.TrimSpace(opt); trimmed != "" {
			options = append(options, trimmed)
		}
	}
	if len(options) < 2 || len(options) > 12 {
		return EnqueueResult{}, lifecycle.NewReasonError(model.RBadRequest, "polls need 2 to 12 options", lifecycle.ErrBadRequest)
	}

	digest := chat + "|" + caption + "|" + strings.Join(options, ",") + "|" + fmt.Sprint(params.MultipleAnswers)
	key := deriveKey(model.ItemPoll, id, params.IdempotencyKey, params.Shop, params.OrderID, params.Action, digest)
	item := &model.QueueItem{
		ID:   uuid.NewString(),
		Type: model.ItemPoll,
		Poll: &model.PollPayload{
			ChatID:          chat,
			Caption:         caption,
			Options:         options,
			MultipleAnswers: params.MultipleAnswers,
		},
		IdempotencyKey: key,
		CreatedAt:      m.now(),
		ApplyTyping:    m.typingApplies(inst, params.Audience),
	}
	return m.enqueue(ctx, inst, item)
}

// deriveKey picks the idempotency key: explicit wins, then the structured
// order key, then a payload digest.
func deriveKey(itemType model.ItemType, instanceID, explicit, shop, orderID, action, digest string) string {
	if explicit != "" {
		return explicit
	}
	if shop != "" && orderID != "" && action != "" {
		return idempotency.OrderKey(shop, orderID, action)
	}
	return idempotency.PayloadKey(string(itemType), instanceID, digest)
}

func (m *Manager) typingApplies(inst *Instance, audience string) bool {
	target := model.TypingCustomer
	if audience != "" {
		target = model.TypingTarget(audience)
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.record.TypingAppliesTo(target)
}

// enqueue runs the shared admission pipeline: terminal gate, idempotency
// replay and duplicate checks, system-mode buffering, then the queue push.
func (m *Manager) enqueue(ctx context.Context, inst *Instance, item *model.QueueItem) (EnqueueResult, error) {
	st := inst.State()
	if st.IsTerminal() {
		metrics.RecordEnqueueRejected("terminal_state")
		return EnqueueResult{}, lifecycle.NewReasonError(model.RTerminalState, "instance in state "+string(st), lifecycle.ErrTerminalState)
	}

	if res, done, err := m.admitKey(ctx, inst, item, st); done {
		return res, err
	}

	// During a system sync, actions for instances that cannot send yet are
	// parked globally and replayed once the system is NORMAL again.
	if m.mode.Syncing() && st != model.StateReady {
		if err := m.outbox.Push(sysmode.OutboundItem{
			ID:         item.ID,
			InstanceID: inst.id,
			Kind:       string(item.Type),
			Payload:    item,
		}); err != nil {
			metrics.RecordEnqueueRejected("buffer_full")
			return EnqueueResult{}, lifecycle.NewReasonErrorWithDetail(model.RQueueFull, model.DQueueCapacity, "outbound buffer full", lifecycle.ErrQueueFull)
		}
		m.upsertQueued(ctx, inst, item)
		return EnqueueResult{
			Status:   "queued",
			Buffered: true,
			ItemID:   item.ID,
			Key:      item.IdempotencyKey,
			State:    st,
		}, nil
	}

	return m.pushQueueItem(ctx, inst, item)
}

// admitKey resolves the idempotency verdict. done=true means the result or
// error is final and nothing gets queued.
func (m *Manager) admitKey(ctx context.Context, inst *Instance, item *model.QueueItem, st model.InstanceState) (EnqueueResult, bool, error) {
	sent, err := m.store.IsSent(ctx, item.IdempotencyKey)
	if err != nil {
		// A wedged store must not take admission down with it.
		inst.logger.Error().Err(err).Str(log.FieldIdempotency, item.IdempotencyKey).Msg("idempotency lookup failed")
		return EnqueueResult{}, false, nil
	}
	if sent {
		metrics.RecordIdempotencyHit("sent")
		rec, _, _ := m.store.Get(ctx, item.IdempotencyKey)
		return EnqueueResult{
			Status:            "sent",
			Duplicate:         true,
			Key:               item.IdempotencyKey,
			ProviderMessageID: rec.ProviderMessageID,
			State:             st,
		}, true, nil
	}

	queued, err := m.store.IsQueued(ctx, item.IdempotencyKey, staleQueuedAfter)
	if err != nil {
		inst.logger.Error().Err(err).Str(log.FieldIdempotency, item.IdempotencyKey).Msg("idempotency lookup failed")
		return EnqueueResult{}, false, nil
	}
	if queued {
		metrics.RecordIdempotencyHit("queued")
		metrics.RecordEnqueueRejected("duplicate")
		return EnqueueResult{}, true, lifecycle.NewReasonError(model.RDuplicate, "key already queued", lifecycle.ErrDuplicate)
	}
	return EnqueueResult{}, false, nil
}

// pushQueueItem appends to the per-instance queue and wakes the send loop.
// The replay path after a system sync enters here directly, bypassing the
// duplicate check its own buffering created.
func (m *Manager) pushQueueItem(ctx context.Context, inst *Instance, item *model.QueueItem) (EnqueueResult, error) {
	inst.mu.Lock()
	st := inst.status.State
	if st.IsTerminal() {
		inst.mu.Unlock()
		metrics.RecordEnqueueRejected("terminal_state")
		return EnqueueResult{}, lifecycle.NewReasonError(model.RTerminalState, "instance in state "+string(st), lifecycle.ErrTerminalState)
	}
	if m.cfg.Queue.MaxSize > 0 && len(inst.queue) >= m.cfg.Queue.MaxSize {
		inst.mu.Unlock()
		metrics.RecordEnqueueRejected("queue_full")
		return EnqueueResult{}, lifecycle.NewReasonErrorWithDetail(model.RQueueFull, model.DQueueCapacity, "queue at capacity", lifecycle.ErrQueueFull)
	}
	inst.queue = append(inst.queue, item)
	depth := len(inst.queue)
	inst.mu.Unlock()

	metrics.SetQueueDepth(inst.id, depth)
	m.upsertQueued(ctx, inst, item)

	inst.logger.Debug().
		Str(log.FieldQueueItemID, item.ID).
		Str(log.FieldIdempotency, item.IdempotencyKey).
		Str(log.FieldChatID, item.ChatID()).
		Int(log.FieldQueueDepth, depth).
		Msg("action queued")

	if st == model.StateReady {
		m.startSendLoop(inst)
	}
	return EnqueueResult{
		Status:     "queued",
		ItemID:     item.ID,
		Key:        item.IdempotencyKey,
		QueueDepth: depth,
		State:      st,
	}, nil
}

func (m *Manager) upsertQueued(ctx context.Context, inst *Instance, item *model.QueueItem) {
	err := m.store.Upsert(ctx, idempotency.Record{
		Key:          item.IdempotencyKey,
		InstanceName: inst.id,
		QueueItemID:  item.ID,
		Status:       idempotency.StatusQueued,
	})
	if err != nil {
		inst.logger.Error().Err(err).Str(log.FieldIdempotency, item.IdempotencyKey).Msg("idempotency upsert failed")
	}
}

// replayOutbound feeds one parked action back into the queue once the
// system is NORMAL. Instances deleted mid-sync drop their parked actions.
func (m *Manager) replayOutbound(ctx context.Context, parked sysmode.OutboundItem) error {
	item, ok := parked.Payload.(*model.QueueItem)
	if !ok {
		return errors.New("unexpected buffered payload type")
	}
	inst, err := m.instance(parked.InstanceID)
	if err != nil {
		return err
	}
	_, err = m.pushQueueItem(ctx, inst, item)
	return err
}

// forwardInbound delivers buffered inbound events to tenant webhooks after
// a system sync ends.
func (m *Manager) forwardInbound(ctx context.Context, batch []sysmode.InboundItem) {
	for _, item := range batch {
		inst, err := m.instance(item.InstanceID)
		if err != nil {
			continue
		}
		m.emit(inst, model.EventType(item.Event), item.Data)
	}
}
