// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package sysmode

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelasham/wa-hub-sub000/internal/config"
	"github.com/michaelasham/wa-hub-sub000/internal/log"
	"github.com/michaelasham/wa-hub-sub000/internal/metrics"
)

// ErrBufferFull signals that a system-mode buffer rejected a new item.
var ErrBufferFull = errors.New("system mode buffer full")

// OutboundItem is a send action accepted while its instance was not
// READY. The ID is handed back to the caller so the action stays
// addressable after the drain.
type OutboundItem struct {
	ID         string
	InstanceID string
	Kind       string // message|poll
	Payload    any
	EnqueuedAt time.Time
}

// OutboundQueue parks outbound actions during SYNCING and drains them
// sequentially once the system returns to NORMAL.
type OutboundQueue struct {
	mu     sync.Mutex
	cap    int
	ttl    time.Duration
	delay  time.Duration
	now    func() time.Time
	logger zerolog.Logger
	items  []OutboundItem
}

func NewOutboundQueue(cfg config.SystemModeConfig) *OutboundQueue {
	return &OutboundQueue{
		cap:    cfg.OutboundCap,
		ttl:    cfg.OutboundTTL,
		delay:  cfg.OutboundDrainDelay,
		now:    time.Now,
		logger: log.WithComponent("sysmode"),
	}
}

// Push appends an item, stamping its enqueue time. Full buffers reject
// the new item rather than evicting parked ones.
func (q *OutboundQueue) Push(item OutboundItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cap > 0 && len(q.items) >= q.cap {
		metrics.RecordSysmodeDropped("outbound", "capacity")
		return ErrBufferFull
	}
	item.EnqueuedAt = q.now()
	q.items = append(q.items, item)
	metrics.RecordSysmodeBuffered("outbound")
	return nil
}

func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain replays parked items in insertion order with the configured
// inter-item delay. Expired items are dropped; handler errors are
// logged and the item is not retried.
func (q *OutboundQueue) Drain(ctx context.Context, handle func(ctx context.Context, item OutboundItem) error) {
	first := true
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		if q.ttl > 0 && q.now().Sub(item.EnqueuedAt) > q.ttl {
			metrics.RecordSysmodeDropped("outbound", "expired")
			q.logger.Debug().
				Str(log.FieldInstanceID, item.InstanceID).
				Str("buffered_id", item.ID).
				Msg("buffered action expired before drain")
			continue
		}

		if !first && q.delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.delay):
			}
		}
		first = false

		if err := handle(ctx, item); err != nil {
			metrics.RecordSysmodeDropped("outbound", "handler_error")
			q.logger.Warn().Err(err).
				Str(log.FieldInstanceID, item.InstanceID).
				Str("buffered_id", item.ID).
				Msg("buffered action replay failed")
			continue
		}
		metrics.RecordSysmodeFlushed("outbound")

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// InboundItem is a message or vote event observed during SYNCING.
type InboundItem struct {
	InstanceID string
	Event      string
	Data       any
	At         time.Time
}

// InboundBuffer collects inbound events during SYNCING and flushes
// them in small batches once the system is NORMAL again.
type InboundBuffer struct {
	mu        sync.Mutex
	cap       int
	ttl       time.Duration
	batchSize int
	delay     time.Duration
	now       func() time.Time
	logger    zerolog.Logger
	items     []InboundItem
}

func NewInboundBuffer(cfg config.SystemModeConfig) *InboundBuffer {
	batch := cfg.InboundBatchSize
	if batch <= 0 {
		batch = 1
	}
	return &InboundBuffer{
		cap:       cfg.InboundCap,
		ttl:       cfg.InboundTTL,
		batchSize: batch,
		delay:     cfg.InboundBatchDelay,
		now:       time.Now,
		logger:    log.WithComponent("sysmode"),
	}
}

func (b *InboundBuffer) Push(item InboundItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cap > 0 && len(b.items) >= b.cap {
		metrics.RecordSysmodeDropped("inbound", "capacity")
		return ErrBufferFull
	}
	item.At = b.now()
	b.items = append(b.items, item)
	metrics.RecordSysmodeBuffered("inbound")
	return nil
}

func (b *InboundBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Flush hands batches to the handler with the configured inter-batch
// delay. Expired events are dropped silently; the handler is typically
// the webhook dispatcher's forwarding path.
func (b *InboundBuffer) Flush(ctx context.Context, handle func(ctx context.Context, batch []InboundItem)) {
	first := true
	for {
		b.mu.Lock()
		if len(b.items) == 0 {
			b.mu.Unlock()
			return
		}
		n := b.batchSize
		if n > len(b.items) {
			n = len(b.items)
		}
		batch := make([]InboundItem, n)
		copy(batch, b.items[:n])
		b.items = b.items[n:]
		b.mu.Unlock()

		live := batch[:0]
		for _, item := range batch {
			if b.ttl > 0 && b.now().Sub(item.At) > b.ttl {
				metrics.RecordSysmodeDropped("inbound", "expired")
				continue
			}
			live = append(live, item)
		}
		if len(live) == 0 {
			continue
		}

		if !first && b.delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.delay):
			}
		}
		first = false

		handle(ctx, live)
		for range live {
			metrics.RecordSysmodeFlushed("inbound")
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
