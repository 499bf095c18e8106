// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldInstanceID   = "instance_id"
	FieldInstanceName = "instance_name"
	FieldRequestID    = "request_id"
	FieldQueueItemID  = "queue_item_id"
	FieldIdempotency  = "idempotency_key"

	// Flow fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldAttempt   = "attempt"

	// Messaging fields
	FieldChatID     = "chat_id"
	FieldQueueDepth = "queue_depth"

	// State fields
	FieldState    = "state"
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"
	FieldMode     = "mode"

	// Path / URL fields
	FieldPath       = "path"
	FieldWebhookURL = "webhook_url"

	// Timing fields
	FieldDurationMS = "duration_ms"
)
