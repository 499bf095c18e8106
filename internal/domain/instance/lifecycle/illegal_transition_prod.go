// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build !debug

package lifecycle

import (
	"fmt"
	"time"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
)

// Driver events are asynchronous; a late emission after a state change is
// expected noise. Forbidden edges leave the record untouched so a stray
// event can never corrupt an instance.
func illegalTransition(rec *model.StatusRecord, from model.InstanceState, ev EventKind, _ time.Time) (Transition, error) {
	return Transition{From: from, To: from, Event: ev},
		fmt.Errorf("%w: %s + %v", ErrForbiddenTransition, from, ev)
}
