// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build debug

package lifecycle

import (
	"fmt"
	"time"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
)

// Debug builds crash on forbidden edges so tests surface the misbehaving
// caller immediately. Release builds return ErrForbiddenTransition and
// leave the record untouched. The dwell time in the panic message tells a
// late async event apart from a genuinely wrong dispatch.
func illegalTransition(rec *model.StatusRecord, from model.InstanceState, ev EventKind, now time.Time) (Transition, error) {
	dwell := now.Sub(rec.LastStateChangeAt).Round(time.Millisecond)
	panic(fmt.Sprintf("forbidden transition %s + %v (in state for %s)", from, ev, dwell))
}
