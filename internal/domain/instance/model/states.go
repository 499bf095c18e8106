// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

// InstanceState is the client-visible lifecycle for a tenant session.
// It is intentionally coarse-grained and stable across driver versions.
type InstanceState string

const (
	StateStartingBrowser InstanceState = "STARTING_BROWSER"
	StateConnecting      InstanceState = "CONNECTING"
	StateNeedsQR         InstanceState = "NEEDS_QR"
	StateReady           InstanceState = "READY"
	StateDisconnected    InstanceState = "DISCONNECTED"
	StatePaused          InstanceState = "PAUSED"
	StateRestricted      InstanceState = "RESTRICTED"
	StateError           InstanceState = "ERROR"
	StateFailedQRTimeout InstanceState = "FAILED_QR_TIMEOUT"
)

// AllStates lists every lifecycle state, for gauges that must publish
// zeroes.
var AllStates = []InstanceState{
	StateStartingBrowser,
	StateConnecting,
	StateNeedsQR,
	StateReady,
	StateDisconnected,
	StatePaused,
	StateRestricted,
	StateError,
	StateFailedQRTimeout,
}

// IsTerminal returns true if the state requires external action before the
// instance can send again. NEEDS_QR leaves this set only through a human
// scanning the QR code; the others only through delete/recreate.
func (s InstanceState) IsTerminal() bool {
	switch s {
	case StateNeedsQR, StateError, StateRestricted, StateFailedQRTimeout:
		return true
	}
	return false
}

// HoldsDriver returns true if an instance in this state is expected to own
// exactly one live driver handle.
func (s InstanceState) HoldsDriver() bool {
	switch s {
	case StateStartingBrowser, StateConnecting, StateNeedsQR, StateReady:
		return true
	default:
		return false
	}
}

// IsSyncing returns true if this state contributes to the global SYNCING
// mode unconditionally. NEEDS_QR contributes too, but only within a grace
// window evaluated by the mode controller.
func (s InstanceState) IsSyncing() bool {
	return s == StateStartingBrowser || s == StateConnecting
}

// ReasonCode is a compact, typed failure/decision signal.
// Keep these stable: metrics + client UX depend on them.
type ReasonCode string

const (
	RNone             ReasonCode = "R_NONE"
	RUnknown          ReasonCode = "R_UNKNOWN"
	RBadRequest       ReasonCode = "R_BAD_REQUEST"
	RNotFound         ReasonCode = "R_NOT_FOUND"
	RTerminalState    ReasonCode = "R_TERMINAL_STATE"
	RQueueFull        ReasonCode = "R_QUEUE_FULL"
	RRateLimited      ReasonCode = "R_RATE_LIMITED"
	RDuplicate        ReasonCode = "R_DUPLICATE"
	RDriverTransient  ReasonCode = "R_DRIVER_TRANSIENT"
	RDriverPersistent ReasonCode = "R_DRIVER_PERSISTENT"
	RUserInput        ReasonCode = "R_USER_INPUT"
	RRestricted       ReasonCode = "R_RESTRICTED"
	RInternal         ReasonCode = "R_INTERNAL"
)

// ReasonDetailCode is a canonical, public-safe detail code.
// Free-text details must never be exposed via the API.
type ReasonDetailCode string

const (
	DNone             ReasonDetailCode = "D_NONE"
	DContextCanceled  ReasonDetailCode = "D_CONTEXT_CANCELED"
	DDeadlineExceeded ReasonDetailCode = "D_DEADLINE_EXCEEDED"
	DQueueCapacity    ReasonDetailCode = "D_QUEUE_CAPACITY"
	DMinuteWindow     ReasonDetailCode = "D_MINUTE_WINDOW"
	DHourWindow       ReasonDetailCode = "D_HOUR_WINDOW"
	DRestartBudget    ReasonDetailCode = "D_RESTART_BUDGET"
	DCooldownActive   ReasonDetailCode = "D_COOLDOWN_ACTIVE"
	DRestartExhausted ReasonDetailCode = "D_RESTART_EXHAUSTED"
	DQRTimeout        ReasonDetailCode = "D_QR_TIMEOUT"
	DNoLID            ReasonDetailCode = "D_NO_LID"
)
