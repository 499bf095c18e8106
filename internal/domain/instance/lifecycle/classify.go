// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lifecycle

import "strings"

// DisconnectKind buckets a driver disconnect reason.
type DisconnectKind int

const (
	// DisconnectRecoverable allows the reconnection ladder to run.
	DisconnectRecoverable DisconnectKind = iota
	// DisconnectPersistent means the session credentials are gone; only a
	// fresh QR scan recovers.
	DisconnectPersistent
	// DisconnectRestricted means the account was flagged; no automatic
	// reconnect is attempted.
	DisconnectRestricted
)

// persistentDisconnectMarkers are reason substrings after which the driver
// session cannot be resumed without re-pairing. Matched case-insensitively.
var persistentDisconnectMarkers = []string{
	"logout",
	"unpaired",
	"conflict",
	"timeout",
}

// DefaultRestrictedPatterns seeds the configurable restriction matcher.
var DefaultRestrictedPatterns = []string{
	"restrict",
	"ban",
	"abuse",
	"violation",
}

// ClassifyDisconnect buckets a disconnect reason string. The restricted
// pattern list is configuration-supplied; nil falls back to the defaults.
func ClassifyDisconnect(reason string, restrictedPatterns []string) DisconnectKind {
	lower := strings.ToLower(reason)
	patterns := restrictedPatterns
	if patterns == nil {
		patterns = DefaultRestrictedPatterns
	}
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return DisconnectRestricted
		}
	}
	for _, m := range persistentDisconnectMarkers {
		if strings.Contains(lower, m) {
			return DisconnectPersistent
		}
	}
	return DisconnectRecoverable
}

// disconnectLikeMarkers are send/driver error substrings indicating the
// underlying page or browser went away. These are matched case-sensitively:
// they are literal fragments of driver error strings, not natural language.
var disconnectLikeMarkers = []string{
	"Session closed",
	"disconnected",
	"null",
	"Execution context was destroyed",
	"Protocol error",
	"Failed to launch",
	"Evaluation failed",
}

// IsDisconnectLike reports whether a driver error text indicates a lost
// session rather than a bad request.
func IsDisconnectLike(msg string) bool {
	for _, m := range disconnectLikeMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// nonRetryableUserMarkers are driver error substrings caused by the request
// itself; retrying cannot succeed.
var nonRetryableUserMarkers = []string{
	"No LID for user",
}

// IsNonRetryableUser reports whether a driver error is a permanent
// addressing failure for the given recipient.
func IsNonRetryableUser(msg string) bool {
	for _, m := range nonRetryableUserMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
