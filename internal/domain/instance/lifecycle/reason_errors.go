// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lifecycle

import (
	"context"
	"errors"
	"strings"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
)

// classifiedError carries the reason taxonomy alongside the underlying cause.
// errors.Is resolves against the sentinel class of the reason, so callers can
// branch on ErrQueueFull and friends without knowing about this type.
type classifiedError struct {
	reason      model.ReasonCode
	detailCode  model.ReasonDetailCode
	detailDebug string
	err         error
}

func (e *classifiedError) Error() string {
	if e.err == nil {
		return string(e.reason)
	}
	return e.err.Error()
}

func (e *classifiedError) Is(target error) bool {
	if class := ReasonErrorClass(e.reason); class != nil {
		return target == class
	}
	return false
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

// NewReasonError tags err with a reason code and a short operator-facing
// detail string.
func NewReasonError(reason model.ReasonCode, detail string, err error) error {
	return NewReasonErrorWithDetail(reason, model.DNone, detail, err)
}

func NewReasonErrorWithDetail(reason model.ReasonCode, detailCode model.ReasonDetailCode, detailDebug string, err error) error {
	return &classifiedError{
		reason:      reason,
		detailCode:  detailCode,
		detailDebug: detailDebug,
		err:         err,
	}
}

// WrapWithReasonClass attaches a classified reason to errors that lack one.
// Reason-carrying errors pass through unchanged.
func WrapWithReasonClass(err error) error {
	if err == nil {
		return nil
	}
	var cerr *classifiedError
	if errors.As(err, &cerr) {
		return err
	}
	reason, detailCode, detailDebug := ClassifyReason(err)
	return NewReasonErrorWithDetail(reason, detailCode, detailDebug, err)
}

// ClassifyReason buckets an arbitrary error into the reason taxonomy. Driver
// errors only surface as strings, so the driver buckets match on substrings.
func ClassifyReason(err error) (model.ReasonCode, model.ReasonDetailCode, string) {
	if err == nil {
		return model.RNone, model.DNone, ""
	}
	if reason, detailCode, detailDebug, ok := ReasonFromError(err); ok {
		return reason, detailCode, sanitizeDetail(detailDebug)
	}

	switch {
	case errors.Is(err, context.Canceled):
		return model.RDriverTransient, model.DContextCanceled, ""
	case errors.Is(err, context.DeadlineExceeded):
		return model.RDriverTransient, model.DDeadlineExceeded, ""
	}

	msg := err.Error()
	switch {
	case IsNonRetryableUser(msg):
		return model.RUserInput, model.DNoLID, sanitizeDetail(msg)
	case IsDisconnectLike(msg):
		return model.RDriverTransient, model.DNone, sanitizeDetail(msg)
	}
	return model.RUnknown, model.DNone, sanitizeDetail(msg)
}

// ReasonFromError extracts a previously attached reason, if any.
func ReasonFromError(err error) (model.ReasonCode, model.ReasonDetailCode, string, bool) {
	var cerr *classifiedError
	if !errors.As(err, &cerr) {
		return "", "", "", false
	}
	debug := cerr.detailDebug
	if debug == "" && cerr.err != nil {
		debug = cerr.err.Error()
	}
	return cerr.reason, cerr.detailCode, debug, true
}

// sanitizeDetail flattens driver error text into a single bounded line so it
// fits the status record and the structured logs without blowing them up.
func sanitizeDetail(detail string) string {
	const maxLen = 160
	clean := strings.Join(strings.Fields(detail), " ")
	if len(clean) > maxLen {
		clean = clean[:maxLen] + "..."
	}
	return clean
}
