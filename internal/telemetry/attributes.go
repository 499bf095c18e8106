// SPDX-License-Identifier: MIT

// Package telemetry provides OpenTelemetry tracing utilities for wa-hub.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"
	HTTPUserAgentKey  = "http.user_agent"

	// Instance attributes
	InstanceIDKey    = "instance.id"
	InstanceStateKey = "instance.state"

	// Send attributes
	SendTypeKey    = "send.type"
	SendAttemptKey = "send.attempt"
	SendOutcomeKey = "send.outcome"

	// Webhook attributes
	WebhookEventKey      = "webhook.event"
	WebhookAttemptKey    = "webhook.attempt"
	WebhookStatusCodeKey = "webhook.status_code"

	// Restore attributes
	RestorePendingKey  = "restore.pending"
	RestoreAttemptsKey = "restore.attempts"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// InstanceAttributes creates instance-related span attributes.
func InstanceAttributes(id, state string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if id != "" {
		attrs = append(attrs, attribute.String(InstanceIDKey, id))
	}
	if state != "" {
		attrs = append(attrs, attribute.String(InstanceStateKey, state))
	}
	return attrs
}

// SendAttributes creates send-loop span attributes. Chat IDs and payload
// bodies never enter traces.
func SendAttributes(itemType, outcome string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SendTypeKey, itemType),
		attribute.String(SendOutcomeKey, outcome),
		attribute.Int(SendAttemptKey, attempt),
	}
}

// WebhookAttributes creates webhook delivery span attributes.
func WebhookAttributes(event string, attempt, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(WebhookEventKey, event),
		attribute.Int(WebhookAttemptKey, attempt),
		attribute.Int(WebhookStatusCodeKey, statusCode),
	}
}

// RestoreAttributes creates restore-scheduler span attributes.
func RestoreAttributes(pending, attempts int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(RestorePendingKey, pending),
		attribute.Int(RestoreAttemptsKey, attempts),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
