// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"net/http"

	"github.com/michaelasham/wa-hub-sub000/internal/auth"
	"github.com/michaelasham/wa-hub-sub000/internal/log"
)

// authMiddleware enforces the static API token on every tenant endpoint.
// No token configured means fail-closed: nothing is served anonymously.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.apiToken()

		if token == "" {
			log.FromContext(r.Context()).Error().
				Str("event", "auth.fail_closed").
				Msg("WAHUB_API_TOKEN not set, denying access")
			writeUnauthorized(w)
			return
		}

		// Headers only; tokens in query strings end up in access logs.
		reqToken := auth.ExtractToken(r)

		logger := log.FromContext(r.Context()).With().Str("component", "auth").Logger()

		if reqToken == "" {
			logger.Warn().Str("event", "auth.missing_header").Msg("authorization header missing")
			writeUnauthorized(w)
			return
		}

		if !auth.AuthorizeToken(reqToken, token) {
			logger.Warn().Str("event", "auth.invalid_token").Msg("invalid api token")
			writeUnauthorized(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}
