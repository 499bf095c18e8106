// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import "time"

// TypingTarget names a class of conversation partner the typing indicator
// applies to.
type TypingTarget string

const (
	TypingCustomer TypingTarget = "customer"
	TypingMerchant TypingTarget = "merchant"
)

// IsKnownTypingTarget validates an applyTypingTo entry.
func IsKnownTypingTarget(t TypingTarget) bool {
	return t == TypingCustomer || t == TypingMerchant
}

// WebhookSettings is the per-instance callback contract. An empty Events
// list means every event is forwarded.
type WebhookSettings struct {
	URL    string      `json:"url"`
	Events []EventType `json:"events,omitempty"`
}

// Wants reports whether the tenant subscribed to the given event.
func (w WebhookSettings) Wants(ev EventType) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == ev {
			return true
		}
	}
	return false
}

// InstanceRecord is the persisted descriptor for one tenant. Runtime state
// (queue, counters, driver handle) is rebuilt on restore and never written
// to disk.
type InstanceRecord struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Webhook       WebhookSettings `json:"webhook"`
	TypingEnabled bool            `json:"typingEnabled"`
	TypingApplyTo []TypingTarget  `json:"typingApplyTo,omitempty"`
	CreatedAtUnix int64           `json:"createdAtUnix"`
}

// CreatedAt returns the creation time of the record.
func (r InstanceRecord) CreatedAt() time.Time {
	return time.Unix(r.CreatedAtUnix, 0).UTC()
}

// TypingAppliesTo reports whether the typing indicator is enabled for the
// given target class.
func (r InstanceRecord) TypingAppliesTo(t TypingTarget) bool {
	if !r.TypingEnabled {
		return false
	}
	if len(r.TypingApplyTo) == 0 {
		return true
	}
	for _, have := range r.TypingApplyTo {
		if have == t {
			return true
		}
	}
	return false
}
