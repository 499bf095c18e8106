// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var instanceIDRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsSafeInstanceID returns true if the ID is safe for filesystem paths and URLs.
func IsSafeInstanceID(id string) bool {
	return instanceIDRe.MatchString(id)
}

// SanitizeInstanceID maps an arbitrary ID to a filesystem-safe form. The
// sanitized form names the per-instance authentication directory, so it must
// be stable across restarts.
func SanitizeInstanceID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

const (
	directChatSuffix = "@c.us"
	groupChatSuffix  = "@g.us"
)

// NormalizeChatID maps caller-supplied chat identifiers to the provider
// form: digits followed by "@c.us". Inputs that already carry a provider
// suffix pass through unchanged (group IDs contain non-digit separators that
// must be preserved). Returns "" when no digits remain.
func NormalizeChatID(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "@") {
		return raw
	}
	var digits strings.Builder
	digits.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return ""
	}
	return digits.String() + directChatSuffix
}

// IsGroupChatID reports whether a normalized chat ID addresses a group.
func IsGroupChatID(chatID string) bool {
	return strings.HasSuffix(chatID, groupChatSuffix)
}

// NormalizeName canonicalizes a display name: trimmed and NFC-normalized so
// equal-looking names compare equal regardless of the client's Unicode form.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}
