package violation

import "github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"

func Violate(rec *model.StatusRecord) {
	// Violation 1: direct state write
	rec.State = model.StateReady

	// Violation 2: direct reason write
	rec.Reason = model.RDriverTransient

	// Violation 3: literal carrying a guarded field
	_ = model.StatusRecord{State: model.StateDisconnected}
}
