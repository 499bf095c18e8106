// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lifecycle

import "github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"

// Transition is a single allowed edge in the lifecycle state machine.
type Transition struct {
	From        model.InstanceState
	To          model.InstanceState
	Event       EventKind
	Reason      model.ReasonCode
	DetailCode  model.ReasonDetailCode
	DetailDebug string
}

var transitionsTable = []Transition{
	// Create path
	{From: model.StateStartingBrowser, To: model.StateConnecting, Event: EvDriverInit},
	{From: model.StateStartingBrowser, To: model.StateNeedsQR, Event: EvQR},
	{From: model.StateConnecting, To: model.StateNeedsQR, Event: EvQR},
	{From: model.StateConnecting, To: model.StateConnecting, Event: EvAuthenticated},
	{From: model.StateConnecting, To: model.StateReady, Event: EvReady},

	// QR scan path
	{From: model.StateNeedsQR, To: model.StateNeedsQR, Event: EvQR},
	{From: model.StateNeedsQR, To: model.StateConnecting, Event: EvAuthenticated},
	{From: model.StateNeedsQR, To: model.StateNeedsQR, Event: EvAuthFailure},
	{From: model.StateNeedsQR, To: model.StateFailedQRTimeout, Event: EvQRTimeout, Reason: model.RDriverPersistent, DetailCode: model.DQRTimeout},
	{From: model.StateNeedsQR, To: model.StateRestricted, Event: EvDisconnectRestricted, Reason: model.RRestricted},
	{From: model.StateNeedsQR, To: model.StateNeedsQR, Event: EvDisconnectPersistent, Reason: model.RDriverPersistent},

	// Auth failures land back on the QR screen
	{From: model.StateConnecting, To: model.StateNeedsQR, Event: EvAuthFailure, Reason: model.RDriverPersistent},
	{From: model.StateReady, To: model.StateNeedsQR, Event: EvAuthFailure, Reason: model.RDriverPersistent},

	// Disconnects from READY
	{From: model.StateReady, To: model.StatePaused, Event: EvDisconnectRecoverable, Reason: model.RDriverTransient},
	{From: model.StateReady, To: model.StateNeedsQR, Event: EvDisconnectPersistent, Reason: model.RDriverPersistent},
	{From: model.StateReady, To: model.StateRestricted, Event: EvDisconnectRestricted, Reason: model.RRestricted},

	// Disconnects while still connecting
	{From: model.StateConnecting, To: model.StatePaused, Event: EvDisconnectRecoverable, Reason: model.RDriverTransient},
	{From: model.StateConnecting, To: model.StateNeedsQR, Event: EvDisconnectPersistent, Reason: model.RDriverPersistent},
	{From: model.StateConnecting, To: model.StateRestricted, Event: EvDisconnectRestricted, Reason: model.RRestricted},
	{From: model.StateStartingBrowser, To: model.StatePaused, Event: EvDisconnectRecoverable, Reason: model.RDriverTransient},

	// Cooldown wake-up and the reconnection ladder
	{From: model.StatePaused, To: model.StateDisconnected, Event: EvCooldownElapsed},
	{From: model.StateDisconnected, To: model.StateConnecting, Event: EvRestartBegin},
	{From: model.StateDisconnected, To: model.StateReady, Event: EvReady},
	{From: model.StateDisconnected, To: model.StateNeedsQR, Event: EvQR},
	{From: model.StateDisconnected, To: model.StateConnecting, Event: EvAuthenticated},
	{From: model.StateDisconnected, To: model.StatePaused, Event: EvRestartRateLimited, Reason: model.RRateLimited, DetailCode: model.DRestartBudget},
	{From: model.StateDisconnected, To: model.StateError, Event: EvRestartExhausted, Reason: model.RDriverPersistent, DetailCode: model.DRestartExhausted},
	{From: model.StateConnecting, To: model.StateError, Event: EvRestartExhausted, Reason: model.RDriverPersistent, DetailCode: model.DRestartExhausted},
	{From: model.StateDisconnected, To: model.StateNeedsQR, Event: EvDisconnectPersistent, Reason: model.RDriverPersistent},
	{From: model.StateDisconnected, To: model.StateRestricted, Event: EvDisconnectRestricted, Reason: model.RRestricted},

	// Events arriving while paused (driver keeps emitting mid-ladder)
	{From: model.StatePaused, To: model.StateNeedsQR, Event: EvQR},
	{From: model.StatePaused, To: model.StateReady, Event: EvReady},
	{From: model.StatePaused, To: model.StateConnecting, Event: EvAuthenticated},
	{From: model.StatePaused, To: model.StateNeedsQR, Event: EvDisconnectPersistent, Reason: model.RDriverPersistent},
	{From: model.StatePaused, To: model.StateRestricted, Event: EvDisconnectRestricted, Reason: model.RRestricted},
}

// ignoredEdges are event/state pairs that are deliberately no-ops rather
// than invariant breaches: the driver legitimately emits them but the state
// must not move.
var ignoredEdges = map[model.InstanceState]map[EventKind]string{
	model.StateReady: {
		EvQR:    "qr ignored while READY",
		EvReady: "markReady is idempotent",
	},
	model.StateDisconnected: {
		EvDisconnectRecoverable: "already disconnected",
	},
	model.StatePaused: {
		EvDisconnectRecoverable: "cooldown already pending",
	},
	model.StateNeedsQR: {
		EvDisconnectRecoverable: "reconnect gated on QR scan",
	},
}

// TransitionFor returns the allowed transition for a given state+event.
func TransitionFor(from model.InstanceState, ev EventKind) (Transition, bool) {
	for _, tr := range transitionsTable {
		if tr.From == from && tr.Event == ev {
			return tr, true
		}
	}
	return Transition{}, false
}

// IgnoredReason returns a non-empty explanation when the state+event pair is
// a documented no-op.
func IgnoredReason(from model.InstanceState, ev EventKind) string {
	if m, ok := ignoredEdges[from]; ok {
		return m[ev]
	}
	return ""
}
