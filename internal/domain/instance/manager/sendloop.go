// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/lifecycle"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/ports"
	"github.com/michaelasham/wa-hub-sub000/internal/log"
	"github.com/michaelasham/wa-hub-sub000/internal/metrics"
)

// idleRecheck is how often the loop re-checks a queue whose items are all
// deferred into the future.
const idleRecheck = time.Second

// sendTimeout bounds one driver send call.
const sendTimeout = 60 * time.Second

// startSendLoop spawns the drain loop if the instance is READY with work
// pending and no loop is already running. Entry into READY and every
// enqueue call it; the flag makes those calls cheap and idempotent.
func (m *Manager) startSendLoop(inst *Instance) {
	inst.mu.Lock()
	if inst.sendLoopRunning || inst.status.State != model.StateReady || len(inst.queue) == 0 {
		inst.mu.Unlock()
		return
	}
	inst.sendLoopRunning = true
	inst.mu.Unlock()

	if !m.registry.Go(func() { m.runSendLoop(inst) }) {
		inst.mu.Lock()
		inst.sendLoopRunning = false
		inst.mu.Unlock()
	}
}

// runSendLoop drains the queue one item per pass: pick the first eligible
// item, send it, pace. The loop exits when the queue empties or the
// instance leaves READY; whoever brings it back to READY restarts it.
func (m *Manager) runSendLoop(inst *Instance) {
	defer func() {
		inst.mu.Lock()
		inst.sendLoopRunning = false
		inst.mu.Unlock()
	}()

	for {
		if inst.ctx.Err() != nil {
			return
		}

		now := m.now()
		inst.mu.Lock()
		if inst.status.State != model.StateReady || len(inst.queue) == 0 {
			inst.mu.Unlock()
			return
		}
		var item *model.QueueItem
		for _, candidate := range inst.queue {
			if !candidate.NextAttemptAt.After(now) {
				item = candidate
				break
			}
		}
		drv := inst.driver
		inst.mu.Unlock()

		if item == nil {
			select {
			case <-time.After(idleRecheck):
				continue
			case <-inst.ctx.Done():
				return
			}
		}
		if drv == nil {
			return
		}

		m.processItem(inst, drv, item)

		select {
		case <-time.After(m.cfg.Queue.SendDelay):
		case <-inst.ctx.Done():
			return
		}
	}
}

func (m *Manager) processItem(inst *Instance, drv ports.Driver, item *model.QueueItem) {
	ctx := inst.ctx
	now := m.now()

	// The durable store is authoritative: a key marked SENT by an earlier
	// incarnation must never be sent twice.
	if sent, err := m.store.IsSent(ctx, item.IdempotencyKey); err == nil && sent {
		metrics.RecordIdempotencyHit("sent")
		depth := m.removeItem(inst, item)
		metrics.SetQueueDepth(inst.id, depth)
		return
	}

	if ok, next, window := inst.budget.Check(now); !ok {
		detail := model.DMinuteWindow
		if window == "hour" {
			detail = model.DHourWindow
		}
		m.deferItem(inst, item, next, "rate limit "+window)
		metrics.RecordSend(string(item.Type), "deferred")
		inst.ring.add(now, "send_deferred", string(detail))
		return
	}

	start := m.now()
	res, err := m.sendWithTyping(inst, drv, item)
	elapsed := m.now().Sub(start)
	metrics.ObserveSendDuration(string(item.Type), elapsed)

	if err == nil {
		sentAt := m.now()
		inst.budget.RecordSend(sentAt)
		inst.sends24h.Record(sentAt)
		if serr := m.store.MarkSent(ctx, item.IdempotencyKey, res.ProviderMessageID); serr != nil {
			inst.logger.Error().Err(serr).Str(log.FieldIdempotency, item.IdempotencyKey).Msg("mark sent failed")
		}
		depth := m.removeItem(inst, item)
		metrics.RecordSend(string(item.Type), "sent")
		metrics.SetQueueDepth(inst.id, depth)
		inst.logger.Info().
			Str(log.FieldQueueItemID, item.ID).
			Str(log.FieldIdempotency, item.IdempotencyKey).
			Str(log.FieldChatID, item.ChatID()).
			Int64(log.FieldDurationMS, elapsed.Milliseconds()).
			Msg("action sent")
		return
	}

	m.handleSendFailure(inst, item, err)
}

// handleSendFailure classifies one failed attempt: unsendable recipients
// are dropped, session losses pause the loop via the disconnect path, and
// everything else retries with backoff until the attempt budget runs out.
func (m *Manager) handleSendFailure(inst *Instance, item *model.QueueItem, sendErr error) {
	now := m.now()
	msg := sendErr.Error()
	inst.failures1h.Record(now)

	attempts := m.bumpAttempt(inst, item, msg)

	if lifecycle.IsNonRetryableUser(msg) {
		if serr := m.store.MarkFailed(inst.ctx, item.IdempotencyKey, msg); serr != nil {
			inst.logger.Error().Err(serr).Str(log.FieldIdempotency, item.IdempotencyKey).Msg("mark failed failed")
		}
		depth := m.removeItem(inst, item)
		metrics.RecordSend(string(item.Type), "failed")
		metrics.SetQueueDepth(inst.id, depth)
		inst.ring.add(now, "send_failed", "unsendable recipient")
		inst.logger.Warn().
			Str(log.FieldQueueItemID, item.ID).
			Str(log.FieldChatID, item.ChatID()).
			Str(log.FieldReason, string(model.RUserInput)).
			Msg("recipient unsendable, action dropped")
		return
	}

	if lifecycle.IsDisconnectLike(msg) {
		m.deferItem(inst, item, now.Add(m.retryBackoff(attempts)), msg)
		metrics.IncSendRetry()
		inst.logger.Warn().
			Str(log.FieldQueueItemID, item.ID).
			Int(log.FieldAttempt, attempts).
			Err(sendErr).
			Msg("send hit dead session")
		// The disconnect path pauses the loop and, after cooldown, walks
		// the reconnection ladder.
		m.applyDisconnect(inst, msg)
		return
	}

	if attempts >= m.cfg.Queue.MaxAttempts {
		// The durable record goes FAILED once the budget is spent, even
		// under the forever policy; a later successful retry overwrites it
		// with SENT.
		if serr := m.store.MarkFailed(inst.ctx, item.IdempotencyKey, msg); serr != nil {
			inst.logger.Error().Err(serr).Str(log.FieldIdempotency, item.IdempotencyKey).Msg("mark failed failed")
		}
		if m.cfg.Queue.RetryPolicy == "forever" {
			m.deferItem(inst, item, now.Add(m.cfg.Queue.RetryMaxBackoff), msg)
			metrics.IncSendRetry()
			return
		}
		depth := m.removeItem(inst, item)
		metrics.RecordSend(string(item.Type), "abandoned")
		metrics.SetQueueDepth(inst.id, depth)
		inst.ring.add(now, "send_abandoned", msg)
		inst.logger.Error().
			Str(log.FieldQueueItemID, item.ID).
			Int(log.FieldAttempt, attempts).
			Err(sendErr).
			Msg("attempt budget exhausted, action abandoned")
		return
	}

	m.deferItem(inst, item, now.Add(m.retryBackoff(attempts)), msg)
	metrics.IncSendRetry()
	inst.logger.Warn().
		Str(log.FieldQueueItemID, item.ID).
		Int(log.FieldAttempt, attempts).
		Err(sendErr).
		Msg("send failed, will retry")
}

// sendWithTyping optionally plays the typing indicator before handing the
// payload to the driver. Typing failures are cosmetic; the indicator is
// always cleared afterwards.
func (m *Manager) sendWithTyping(inst *Instance, drv ports.Driver, item *model.QueueItem) (ports.SendResult, error) {
	ctx, cancel := context.WithTimeout(inst.ctx, sendTimeout)
	defer cancel()

	if item.ApplyTyping && !item.IsGroupChat() {
		chat := item.ChatID()
		if err := drv.SetTyping(ctx, chat, true); err == nil {
			select {
			case <-time.After(m.typingDelay()):
			case <-ctx.Done():
			}
			defer func() {
				clearCtx, clearCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer clearCancel()
				_ = drv.SetTyping(clearCtx, chat, false)
			}()
		}
	}

	switch item.Type {
	case model.ItemMessage:
		return drv.SendMessage(ctx, item.Message.ChatID, item.Message.Body)
	case model.ItemPoll:
		return drv.SendPoll(ctx, *item.Poll)
	default:
		return ports.SendResult{}, fmt.Errorf("unknown queue item type %q", item.Type)
	}
}

// typingDelay draws a uniform delay from [Min, Max], capped by MaxTotal.
func (m *Manager) typingDelay() time.Duration {
	lo, hi := m.cfg.Typing.Min, m.cfg.Typing.Max
	d := lo
	if hi > lo {
		d = lo + rand.N(hi-lo)
	}
	if total := m.cfg.Typing.MaxTotal; total > 0 && d > total {
		d = total
	}
	return d
}

// retryBackoff is exponential on the attempt count, capped by config.
func (m *Manager) retryBackoff(attempt int) time.Duration {
	base, cap := m.cfg.Queue.RetryBaseBackoff, m.cfg.Queue.RetryMaxBackoff
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	d := base << shift
	if cap > 0 && d > cap {
		d = cap
	}
	return d
}

func (m *Manager) bumpAttempt(inst *Instance, item *model.QueueItem, lastError string) int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	item.AttemptCount++
	item.LastError = lastError
	return item.AttemptCount
}

func (m *Manager) deferItem(inst *Instance, item *model.QueueItem, next time.Time, why string) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	item.NextAttemptAt = next
	if why != "" {
		item.LastError = why
	}
}

// removeItem drops the item from the queue and returns the new depth.
func (m *Manager) removeItem(inst *Instance, item *model.QueueItem) int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	for idx, candidate := range inst.queue {
		if candidate == item {
			inst.queue = append(inst.queue[:idx], inst.queue[idx+1:]...)
			break
		}
	}
	return len(inst.queue)
}
