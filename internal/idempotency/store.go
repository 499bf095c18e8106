// SPDX-License-Identifier: MIT

// Package idempotency persists the delivery status of outbound sends so
// that a retried or replayed request never reaches the provider twice.
package idempotency

import (
	"context"
	"time"
)

// Status is the lifecycle state of a send keyed by its idempotency key.
type Status string

const (
	StatusQueued  Status = "QUEUED"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
	StatusSkipped Status = "SKIPPED"
)

// Record is the persisted entry for one idempotency key. A key that
// reached SENT keeps that status and its provider message id forever;
// later writes cannot regress it.
type Record struct {
	Key               string    `json:"key"`
	InstanceName      string    `json:"instanceName,omitempty"`
	QueueItemID       string    `json:"queueItemId,omitempty"`
	Status            Status    `json:"status"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
	SentAt            time.Time `json:"sentAt,omitzero"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
	Error             string    `json:"error,omitempty"`
}

// Store is the persistent key to record mapping consulted by the send
// path. Implementations serialize all access internally; callers may
// share one instance across goroutines.
type Store interface {
	// Get returns the record for key, or ok=false when absent.
	Get(ctx context.Context, key string) (Record, bool, error)

	// IsSent reports whether key has a record with status SENT.
	IsSent(ctx context.Context, key string) (bool, error)

	// IsQueued reports whether key is QUEUED and younger than stale,
	// measured from the record's creation time.
	IsQueued(ctx context.Context, key string, stale time.Duration) (bool, error)

	// Upsert creates or merges a record by key and bumps its update
	// time. Zero or empty fields on rec leave the stored values alone.
	Upsert(ctx context.Context, rec Record) error

	// MarkSent finalizes key as SENT with the provider message id.
	MarkSent(ctx context.Context, key, providerID string) error

	// MarkFailed records a definitive failure. No-op if key is SENT.
	MarkFailed(ctx context.Context, key, reason string) error

	// MarkSkipped records a deliberate skip. No-op if key is SENT.
	MarkSkipped(ctx context.Context, key, reason string) error

	// Cleanup evicts records older than maxAge and returns how many
	// were removed. Called once at startup and then periodically.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)

	// DeleteByInstance removes every record belonging to a deleted
	// instance and returns the count.
	DeleteByInstance(ctx context.Context, name string) (int, error)

	// Count returns the number of live records.
	Count(ctx context.Context) (int, error)

	Close() error
}

// merge folds an incoming partial record into an existing one. Only
// non-zero incoming fields overwrite; SENT status, once reached, is
// sticky and clears any stale error.
func merge(existing, incoming Record, now time.Time) Record {
	out := existing
	if incoming.InstanceName != "" {
		out.InstanceName = incoming.InstanceName
	}
	if incoming.QueueItemID != "" {
		out.QueueItemID = incoming.QueueItemID
	}
	if incoming.Status != "" && (existing.Status != StatusSent || incoming.Status == StatusSent) {
		out.Status = incoming.Status
	}
	if incoming.ProviderMessageID != "" {
		out.ProviderMessageID = incoming.ProviderMessageID
	}
	if !incoming.SentAt.IsZero() {
		out.SentAt = incoming.SentAt
	}
	if out.Status == StatusSent {
		out.Error = ""
	} else if incoming.Error != "" {
		out.Error = incoming.Error
	}
	out.UpdatedAt = now
	return out
}

// newRecord stamps a fresh record for first insert. An explicit
// CreatedAt on the incoming record is honored so replayed history
// keeps its original timestamps.
func newRecord(incoming Record, now time.Time) Record {
	out := incoming
	if out.Status == "" {
		out.Status = StatusQueued
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.UpdatedAt = now
	return out
}

// ageAnchor is the timestamp cleanup measures record age against.
func ageAnchor(r Record) time.Time {
	if !r.UpdatedAt.IsZero() {
		return r.UpdatedAt
	}
	return r.CreatedAt
}
