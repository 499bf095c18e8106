// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lifecycle

import (
	"errors"
	"time"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
)

// ErrIgnoredTransition marks a documented no-op edge. Callers treat it as
// debug-level noise, not a failure.
var ErrIgnoredTransition = errors.New("transition ignored")

// ErrForbiddenTransition marks an edge outside the table. The record is not
// mutated; the caller logs and counts it.
var ErrForbiddenTransition = errors.New("forbidden transition")

// Dispatch resolves and applies the transition for the given event. It is
// the only entry point that mutates StatusRecord.State.
func Dispatch(rec *model.StatusRecord, ev Event, now time.Time) (Transition, error) {
	if reason := IgnoredReason(rec.State, ev.Kind); reason != "" {
		return Transition{From: rec.State, To: rec.State, Event: ev.Kind, DetailDebug: reason}, ErrIgnoredTransition
	}

	tr, ok := TransitionFor(rec.State, ev.Kind)
	if !ok {
		return illegalTransition(rec, rec.State, ev.Kind, now)
	}

	if ev.Reason != "" {
		tr.Reason = ev.Reason
	}
	if ev.DetailCode != "" {
		tr.DetailCode = ev.DetailCode
	}

	ApplyTransition(rec, tr, now)
	return tr, nil
}

// EventFromDisconnect classifies a driver disconnect reason into the
// matching lifecycle event. Restriction patterns win over the persistent
// reason set; anything else is a recoverable disconnect.
func EventFromDisconnect(reason string, restrictedPatterns []string) Event {
	switch ClassifyDisconnect(reason, restrictedPatterns) {
	case DisconnectRestricted:
		return Event{Kind: EvDisconnectRestricted, Reason: model.RRestricted}
	case DisconnectPersistent:
		return Event{Kind: EvDisconnectPersistent, Reason: model.RDriverPersistent}
	default:
		return Event{Kind: EvDisconnectRecoverable, Reason: model.RDriverTransient}
	}
}
