// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package auth holds the API token extraction and comparison primitives
// shared by every authenticated surface.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ExtractToken pulls the caller's API token out of the request. The
// Authorization bearer form is canonical; the X-API-Token header exists for
// clients that cannot set an Authorization header.
func ExtractToken(r *http.Request) string {
	if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(bearer, "Bearer "))
	}
	return r.Header.Get("X-API-Token")
}

// AuthorizeToken compares got against expected in constant time. An empty
// expected token fails closed; an empty presented token never authorizes.
func AuthorizeToken(got, expected string) bool {
	if strings.TrimSpace(expected) == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// AuthorizeRequest extracts a token from r and validates it against expected.
func AuthorizeRequest(r *http.Request, expected string) bool {
	if r == nil {
		return false
	}
	return AuthorizeToken(ExtractToken(r), expected)
}
