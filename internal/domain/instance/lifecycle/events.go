// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lifecycle

import "github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"

// EventKind is a domain event in the instance lifecycle.
type EventKind int

const (
	EvUnknown EventKind = iota
	EvDriverInit
	EvQR
	EvAuthenticated
	EvReady
	EvAuthFailure
	EvDisconnectRecoverable
	EvDisconnectPersistent
	EvDisconnectRestricted
	EvCooldownElapsed
	EvRestartBegin
	EvRestartRateLimited
	EvRestartExhausted
	EvQRTimeout
)

// String makes forbidden-transition logs readable.
func (k EventKind) String() string {
	switch k {
	case EvDriverInit:
		return "driver_init"
	case EvQR:
		return "qr"
	case EvAuthenticated:
		return "authenticated"
	case EvReady:
		return "ready"
	case EvAuthFailure:
		return "auth_failure"
	case EvDisconnectRecoverable:
		return "disconnect_recoverable"
	case EvDisconnectPersistent:
		return "disconnect_persistent"
	case EvDisconnectRestricted:
		return "disconnect_restricted"
	case EvCooldownElapsed:
		return "cooldown_elapsed"
	case EvRestartBegin:
		return "restart_begin"
	case EvRestartRateLimited:
		return "restart_rate_limited"
	case EvRestartExhausted:
		return "restart_exhausted"
	case EvQRTimeout:
		return "qr_timeout"
	default:
		return "unknown"
	}
}

// Event carries optional domain metadata for a transition.
type Event struct {
	Kind       EventKind
	Reason     model.ReasonCode
	DetailCode model.ReasonDetailCode
}
