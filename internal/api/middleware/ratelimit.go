// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
)

// Ingress ceiling per caller IP. Sized for backend clients polling status
// and enqueueing messages, not for browsers; per-instance send pacing is
// enforced downstream by the queue worker.
const (
	ipLimitRequests = 600
	ipLimitWindow   = time.Minute
)

// APIRateLimit returns the ingress limiter for the hub API.
func APIRateLimit() func(http.Handler) http.Handler {
	return IPRateLimit(ipLimitRequests, ipLimitWindow)
}

// IPRateLimit limits requests per caller IP over a sliding window. The 429
// body carries the same reason grammar as the domain layer, so clients can
// handle an ingress rejection and a full-queue rejection uniformly.
func IPRateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests","reason":"` + string(model.RRateLimited) + `"}`))
		}),
	)
}
