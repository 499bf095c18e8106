// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lifecycle

import (
	"errors"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
)

var (
	ErrBadRequest       = errors.New("bad request")
	ErrInstanceExists   = errors.New("instance already exists")
	ErrInstanceNotFound = errors.New("instance not found")
	ErrTerminalState    = errors.New("instance in terminal state")
	ErrQueueFull        = errors.New("queue full")
	ErrRateLimited      = errors.New("rate limited")
	ErrDuplicate        = errors.New("duplicate idempotency key")
	ErrDriverTransient  = errors.New("transient driver failure")
	ErrDriverPersistent = errors.New("persistent driver failure")
	ErrUserInput        = errors.New("unsendable recipient")
	ErrInternal         = errors.New("internal error")
)

// ReasonErrorClass maps a reason code onto its sentinel class so callers can
// branch with errors.Is without importing reason codes.
func ReasonErrorClass(reason model.ReasonCode) error {
	switch reason {
	case model.RBadRequest:
		return ErrBadRequest
	case model.RNotFound:
		return ErrInstanceNotFound
	case model.RTerminalState, model.RRestricted:
		return ErrTerminalState
	case model.RQueueFull:
		return ErrQueueFull
	case model.RRateLimited:
		return ErrRateLimited
	case model.RDuplicate:
		return ErrDuplicate
	case model.RDriverTransient:
		return ErrDriverTransient
	case model.RDriverPersistent:
		return ErrDriverPersistent
	case model.RUserInput:
		return ErrUserInput
	case model.RInternal, model.RUnknown:
		return ErrInternal
	case model.RNone:
		return nil
	default:
		return ErrInternal
	}
}
