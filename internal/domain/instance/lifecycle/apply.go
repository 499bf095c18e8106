// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lifecycle

import (
	"time"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
)

// ApplyTransition mutates the status record according to the transition.
// Anchor stamping lives here so every caller of Dispatch gets identical
// bookkeeping.
func ApplyTransition(rec *model.StatusRecord, tr Transition, now time.Time) {
	prev := rec.State
	rec.State = tr.To
	if tr.Reason != "" {
		rec.Reason = tr.Reason
		rec.ReasonDetailCode = tr.DetailCode
		rec.ReasonDetailDebug = tr.DetailDebug
	}

	if prev != tr.To {
		rec.LastStateChangeAt = now
	}

	switch tr.Event {
	case EvAuthenticated:
		rec.AuthenticatedAt = now
	case EvRestartBegin:
		rec.ConnectingViaRestart = true
	}

	switch tr.To {
	case model.StateConnecting:
		if prev != model.StateConnecting {
			rec.ConnectingSince = now
		}
		rec.NeedsQRSince = time.Time{}
	case model.StateNeedsQR:
		if prev != model.StateNeedsQR {
			rec.NeedsQRSince = now
		}
		rec.ConnectingSince = time.Time{}
		rec.ConnectingViaRestart = false
	case model.StateReady:
		rec.ReadyAt = now
		rec.ConnectingSince = time.Time{}
		rec.NeedsQRSince = time.Time{}
		rec.ConnectingViaRestart = false
		rec.QRPayload = ""
		rec.Reason = model.RNone
		rec.ReasonDetailCode = model.DNone
		rec.ReasonDetailDebug = ""
	case model.StateFailedQRTimeout:
		// Keep NeedsQRSince so diagnostics show how long the QR sat unscanned.
		rec.ConnectingSince = time.Time{}
	default:
		rec.ConnectingSince = time.Time{}
		rec.NeedsQRSince = time.Time{}
	}

	rec.UpdatedAtUnix = now.Unix()
}

// NewStatusRecord initializes a status record with canonical lifecycle defaults.
func NewStatusRecord(now time.Time) *model.StatusRecord {
	return &model.StatusRecord{
		State:         model.StateStartingBrowser,
		CreatedAtUnix: now.Unix(),
		UpdatedAtUnix: now.Unix(),
	}
}
