// SPDX-License-Identifier: MIT

// Package webhook delivers signed event callbacks to tenant endpoints.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the request body.
	SignatureHeader = "x-wa-hub-signature"
	// BypassHeader lets deliveries through deployment-platform bot
	// protection on tenant endpoints.
	BypassHeader = "x-vercel-protection-bypass"
)

// Payload is the JSON body POSTed for every event.
type Payload struct {
	Event      string `json:"event"`
	InstanceID string `json:"instanceId"`
	Data       any    `json:"data"`
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig matches the body under secret.
// Comparison is constant time.
func VerifySignature(secret string, body []byte, sig string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(sig))
}
