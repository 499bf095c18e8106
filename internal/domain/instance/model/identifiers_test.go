// Copyright (c) 2025 ManuGH

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeChatID(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{
			name:     "bare digits get suffixed",
			raw:      "15551234567",
			expected: "15551234567@c.us",
		},
		{
			name:     "formatted number is stripped to digits",
			raw:      "+1 (555) 123-4567",
			expected: "15551234567@c.us",
		},
		{
			name:     "already suffixed passes through",
			raw:      "15551234567@c.us",
			expected: "15551234567@c.us",
		},
		{
			name:     "group id keeps its separator",
			raw:      "123456789-987654@g.us",
			expected: "123456789-987654@g.us",
		},
		{
			name:     "surrounding whitespace is trimmed",
			raw:      "  15551234567 ",
			expected: "15551234567@c.us",
		},
		{
			name:     "no digits yields empty",
			raw:      "not-a-number",
			expected: "",
		},
		{
			name:     "empty input yields empty",
			raw:      "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeChatID(tt.raw))
		})
	}
}

func TestIsGroupChatID(t *testing.T) {
	assert.True(t, IsGroupChatID("123-456@g.us"))
	assert.False(t, IsGroupChatID("15551234567@c.us"))
	assert.False(t, IsGroupChatID("15551234567"))
}

func TestSanitizeInstanceID(t *testing.T) {
	tests := []struct {
		raw      string
		expected string
	}{
		{"shop-1", "shop-1"},
		{"shop_2", "shop_2"},
		{"shop one", "shop_one"},
		{"../etc/passwd", "___etc_passwd"},
		{"überstore", "_berstore"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, SanitizeInstanceID(tt.raw), "input %q", tt.raw)
	}
}

func TestIsSafeInstanceID(t *testing.T) {
	assert.True(t, IsSafeInstanceID("shop-1_A"))
	assert.False(t, IsSafeInstanceID("shop/1"))
	assert.False(t, IsSafeInstanceID(""))
}

func TestNormalizeName(t *testing.T) {
	// NFD "é" (e + combining acute) must equal the NFC form after normalization.
	decomposed := "Café"
	composed := "Café"
	assert.Equal(t, composed, NormalizeName(decomposed))
	assert.Equal(t, "Store", NormalizeName("  Store "))
}
