// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import "time"

// ReadySource tags how READY was detected: the driver event or the
// readiness poll fallback.
type ReadySource string

const (
	ReadyByEvent ReadySource = "event"
	ReadyByPoll  ReadySource = "poll"
)

// StatusRecord is the runtime lifecycle truth for one instance. It is
// rebuilt from scratch on restore and never persisted; instances.json only
// carries the InstanceRecord descriptor.
type StatusRecord struct {
	State             InstanceState    `json:"state"`
	Reason            ReasonCode       `json:"reason,omitempty"`
	ReasonDetailCode  ReasonDetailCode `json:"reasonDetailCode,omitempty"`
	ReasonDetailDebug string           `json:"-"`

	LastError   string    `json:"lastError,omitempty"`
	LastErrorAt time.Time `json:"lastErrorAt,omitempty"`

	CreatedAtUnix int64 `json:"createdAtUnix"`
	UpdatedAtUnix int64 `json:"updatedAtUnix"`

	// Watchdog anchors. Zero means "not in that phase".
	LastStateChangeAt time.Time `json:"lastStateChangeAt,omitempty"`
	AuthenticatedAt   time.Time `json:"authenticatedAt,omitempty"`
	ReadyAt           time.Time `json:"readyAt,omitempty"`
	NeedsQRSince      time.Time `json:"needsQrSince,omitempty"`
	ConnectingSince   time.Time `json:"connectingSince,omitempty"`

	// CONNECTING entered by a restart arms the connecting watchdog;
	// the initial create does not.
	ConnectingViaRestart bool `json:"-"`

	ReadySource ReadySource `json:"readySource,omitempty"`

	QRPayload string    `json:"-"`
	LastQRAt  time.Time `json:"lastQrAt,omitempty"`

	PhoneNumber string `json:"phoneNumber,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// SetError records a failure for the status endpoint without touching state.
func (s *StatusRecord) SetError(msg string, now time.Time) {
	s.LastError = msg
	s.LastErrorAt = now
}

// AuthenticatedToReadyMs returns the authenticated→ready latency, or 0 when
// either anchor is missing.
func (s *StatusRecord) AuthenticatedToReadyMs() int64 {
	if s.AuthenticatedAt.IsZero() || s.ReadyAt.IsZero() || s.ReadyAt.Before(s.AuthenticatedAt) {
		return 0
	}
	return s.ReadyAt.Sub(s.AuthenticatedAt).Milliseconds()
}
