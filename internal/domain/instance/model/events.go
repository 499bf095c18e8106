// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import "time"

// EventType names a driver lifecycle or data event. The same names travel
// to tenant webhooks unchanged, so renaming one is a breaking change.
type EventType string

const (
	EventQR            EventType = "qr"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventAuthFailure   EventType = "auth_failure"
	EventDisconnected  EventType = "disconnected"
	EventChangeState   EventType = "change_state"
	EventMessage       EventType = "message"
	EventVoteUpdate    EventType = "vote_update"
)

// KnownEventTypes lists every event a webhook filter may subscribe to.
var KnownEventTypes = []EventType{
	EventQR,
	EventAuthenticated,
	EventReady,
	EventAuthFailure,
	EventDisconnected,
	EventChangeState,
	EventMessage,
	EventVoteUpdate,
}

// IsKnownEventType validates a webhook filter entry.
func IsKnownEventType(ev EventType) bool {
	for _, known := range KnownEventTypes {
		if ev == known {
			return true
		}
	}
	return false
}

// DriverEvent is a single emission from the driver port, consumed by the
// per-instance event loop.
type DriverEvent struct {
	Type EventType
	// Text carries the QR payload for EventQR, the disconnect reason for
	// EventDisconnected and the connection state for EventChangeState.
	Text string
	// Data carries inbound message / vote payloads verbatim.
	Data map[string]any
	At   time.Time
}
