// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/michaelasham/wa-hub-sub000/internal/log"
	"github.com/michaelasham/wa-hub-sub000/internal/metrics"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned by callers that want to surface a skipped delivery as
// an error instead of silently dropping it.
var ErrOpen = errors.New("circuit breaker is open")

// clock abstracts time operations for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Breaker protects one webhook host. Consecutive delivery failures open it;
// after resetTimeout a probe is let through and its outcome decides whether
// the breaker closes again or re-opens.
type Breaker struct {
	mu           sync.Mutex
	host         string
	state        State
	consecutive  int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
	clk          clock
}

// Option configuration pattern
type Option func(*Breaker)

func WithClock(c clock) Option {
	return func(b *Breaker) { b.clk = c }
}

// NewBreaker creates a breaker for the given host.
func NewBreaker(host string, threshold int, resetTimeout time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 60 * time.Second
	}

	b := &Breaker{
		host:         host,
		state:        StateClosed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		clk:          realClock{},
	}

	for _, opt := range opts {
		opt(b)
	}

	metrics.SetWebhookBreakerState(b.host, string(b.state))
	return b
}

// Allow reports whether a delivery to this host may proceed. When the open
// period has elapsed it moves to half-open and lets the probe through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.clk.Now().Sub(b.openedAt) > b.resetTimeout {
			b.transitionTo(StateHalfOpen)
			logger := log.L()
			logger.Info().Str("host", b.host).Msg("webhook breaker entering half-open")
			return true
		}
		return false
	case StateHalfOpen:
		// Deliveries to one host are serialized by the dispatcher, so at most
		// one probe is in flight here anyway.
		return true
	default:
		return true
	}
}

// Report records the outcome of a delivery attempt.
func (b *Breaker) Report(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		logger := log.L()
		if success {
			b.consecutive = 0
			b.transitionTo(StateClosed)
			logger.Info().Str("host", b.host).Msg("webhook breaker closed, probe succeeded")
		} else {
			metrics.RecordWebhookBreakerTrip(b.host, "half_open_failure")
			b.transitionTo(StateOpen)
			logger.Warn().Str("host", b.host).Msg("webhook breaker re-opened, probe failed")
		}
		return
	}

	if success {
		b.consecutive = 0
		return
	}

	b.consecutive++
	if b.state == StateClosed && b.consecutive >= b.threshold {
		metrics.RecordWebhookBreakerTrip(b.host, "threshold_exceeded")
		b.transitionTo(StateOpen)
		logger := log.L()
		logger.Error().
			Str("host", b.host).
			Int("consecutive_failures", b.consecutive).
			Msg("webhook breaker tripped")
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transitionTo handles state transitions and updates metrics.
// Caller must hold lock.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}
	b.state = newState
	if newState == StateOpen {
		b.openedAt = b.clk.Now()
	}
	metrics.SetWebhookBreakerState(b.host, string(newState))
}

// Registry hands out one breaker per webhook host, creating them on first use.
type Registry struct {
	mu           sync.Mutex
	breakers     map[string]*Breaker
	threshold    int
	resetTimeout time.Duration
	opts         []Option
}

// NewRegistry creates a registry whose breakers all share the same thresholds.
func NewRegistry(threshold int, resetTimeout time.Duration, opts ...Option) *Registry {
	return &Registry{
		breakers:     make(map[string]*Breaker),
		threshold:    threshold,
		resetTimeout: resetTimeout,
		opts:         opts,
	}
}

// For returns the breaker for host, creating it if needed.
func (r *Registry) For(host string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[host]; ok {
		return b
	}
	b := NewBreaker(host, r.threshold, r.resetTimeout, r.opts...)
	r.breakers[host] = b
	return b
}
