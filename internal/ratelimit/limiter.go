// SPDX-License-Identifier: MIT

package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendDeferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wahub",
			Name:      "ratelimit_deferred_total",
			Help:      "Send attempts deferred by a rolling window limit",
		},
		[]string{"window"},
	)
)

// Window is a rolling-window counter over timestamps. With a non-zero limit
// it acts as a budget; with limit 0 it only counts (diagnostics windows).
//
// All methods take an explicit now so call sites and tests control time.
type Window struct {
	mu     sync.Mutex
	length time.Duration
	limit  int
	stamps []time.Time
}

// NewWindow creates a rolling window of the given length. limit 0 disables
// budget semantics.
func NewWindow(length time.Duration, limit int) *Window {
	return &Window{length: length, limit: limit}
}

// prune drops timestamps that fell out of the window. Caller holds w.mu.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.length)
	idx := 0
	for idx < len(w.stamps) && !w.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[idx:]...)
	}
}

// Record appends a timestamp to the window.
func (w *Window) Record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	w.stamps = append(w.stamps, now)
}

// Count returns the number of in-window timestamps.
func (w *Window) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.stamps)
}

// AtLimit reports whether the budget is exhausted.
func (w *Window) AtLimit(now time.Time) bool {
	if w.limit <= 0 {
		return false
	}
	return w.Count(now) >= w.limit
}

// NextAllowed returns when the window reopens: the oldest in-window
// timestamp plus the window length. Zero when the budget is not exhausted.
func (w *Window) NextAllowed(now time.Time) time.Time {
	if w.limit <= 0 {
		return time.Time{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	if len(w.stamps) < w.limit {
		return time.Time{}
	}
	return w.stamps[0].Add(w.length)
}

// Reset drops all recorded timestamps.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamps = nil
}

// SendBudget enforces the per-instance minute and hour send limits. The two
// windows are checked independently; either one can defer a send.
type SendBudget struct {
	minute *Window
	hour   *Window
}

// NewSendBudget builds a budget from the configured per-minute and per-hour
// limits.
func NewSendBudget(perMinute, perHour int) *SendBudget {
	return &SendBudget{
		minute: NewWindow(time.Minute, perMinute),
		hour:   NewWindow(time.Hour, perHour),
	}
}

// Check reports whether a send may proceed now. When deferred it returns the
// earliest time both windows are open again and the label of the window that
// produced that bound.
func (b *SendBudget) Check(now time.Time) (ok bool, next time.Time, window string) {
	if b.minute.AtLimit(now) {
		next = b.minute.NextAllowed(now)
		window = "minute"
	}
	if b.hour.AtLimit(now) {
		if hourNext := b.hour.NextAllowed(now); hourNext.After(next) {
			next = hourNext
			window = "hour"
		}
	}
	if window == "" {
		return true, time.Time{}, ""
	}
	sendDeferred.WithLabelValues(window).Inc()
	return false, next, window
}

// RecordSend counts a successful send against both windows.
func (b *SendBudget) RecordSend(now time.Time) {
	b.minute.Record(now)
	b.hour.Record(now)
}

// Counts returns the in-window send counts, for status endpoints.
func (b *SendBudget) Counts(now time.Time) (minute, hour int) {
	return b.minute.Count(now), b.hour.Count(now)
}
