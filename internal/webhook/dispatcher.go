// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/michaelasham/wa-hub-sub000/internal/config"
	"github.com/michaelasham/wa-hub-sub000/internal/httpx"
	"github.com/michaelasham/wa-hub-sub000/internal/log"
	"github.com/michaelasham/wa-hub-sub000/internal/metrics"
	"github.com/michaelasham/wa-hub-sub000/internal/resilience"
	"github.com/michaelasham/wa-hub-sub000/internal/version"
)

const (
	defaultQueueCap = 256
	defaultRate     = 5.0
	defaultBurst    = 10
)

// Target identifies where an instance's events go and which events it
// subscribed to. An empty Events slice means all events.
type Target struct {
	InstanceID string
	URL        string
	Events     []string
}

// DeliveryStatus is the outcome of the most recent delivery attempt for
// an instance, kept for the diagnostics endpoint.
type DeliveryStatus struct {
	Event      string    `json:"event"`
	StatusCode int       `json:"statusCode,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

type delivery struct {
	instanceID string
	event      string
	url        string
	body       []byte
}

type hostWorker struct {
	jobs    chan delivery
	limiter *rate.Limiter
}

// Dispatcher fans events out to tenant endpoints. Deliveries to one
// host run on a single goroutine in FIFO order, paced by a per-host
// limiter and gated by a per-host circuit breaker. Dispatch itself
// never blocks: when a host's queue is full the event is dropped and
// counted.
type Dispatcher struct {
	client   *http.Client
	logger   zerolog.Logger
	breakers *resilience.Registry
	queueCap int
	rateLim  rate.Limit
	burst    int

	credMu sync.RWMutex
	secret string
	bearer string
	bypass string

	mu     sync.Mutex
	hosts  map[string]*hostWorker
	last   map[string]DeliveryStatus
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(cfg config.WebhookConfig) *Dispatcher {
	queueCap := cfg.QueueCap
	if queueCap <= 0 {
		queueCap = defaultQueueCap
	}
	rateLim := rate.Limit(cfg.RatePerSecond)
	if rateLim <= 0 {
		rateLim = rate.Limit(defaultRate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		client:   httpx.NewClient(cfg.Timeout),
		logger:   log.WithComponent("webhook"),
		breakers: resilience.NewRegistry(cfg.BreakerThreshold, cfg.BreakerCooldown),
		queueCap: queueCap,
		rateLim:  rateLim,
		burst:    burst,
		secret:   cfg.Secret,
		bearer:   cfg.BearerToken,
		bypass:   cfg.BypassToken,
		hosts:    make(map[string]*hostWorker),
		last:     make(map[string]DeliveryStatus),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Dispatch queues one event for delivery. Fire-and-forget: filtering,
// queue overflow and delivery failures are logged and counted but never
// surfaced to the caller.
func (d *Dispatcher) Dispatch(target Target, event string, data any) {
	if target.URL == "" {
		return
	}
	if len(target.Events) > 0 && !slices.Contains(target.Events, event) {
		return
	}

	body, err := json.Marshal(Payload{Event: event, InstanceID: target.InstanceID, Data: data})
	if err != nil {
		d.logger.Error().Err(err).
			Str(log.FieldInstanceID, target.InstanceID).
			Str(log.FieldEvent, event).
			Msg("webhook payload marshal failed")
		return
	}
	u, err := url.Parse(target.URL)
	if err != nil || u.Host == "" {
		d.logger.Error().
			Str(log.FieldInstanceID, target.InstanceID).
			Str(log.FieldWebhookURL, target.URL).
			Msg("webhook url unparseable, dropping event")
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	w, ok := d.hosts[u.Host]
	if !ok {
		w = &hostWorker{
			jobs:    make(chan delivery, d.queueCap),
			limiter: rate.NewLimiter(d.rateLim, d.burst),
		}
		d.hosts[u.Host] = w
		d.wg.Add(1)
		go d.run(u.Host, w)
	}
	d.mu.Unlock()

	select {
	case w.jobs <- delivery{instanceID: target.InstanceID, event: event, url: target.URL, body: body}:
	default:
		metrics.RecordWebhookDelivery(event, "dropped_queue")
		d.recordStatus(target.InstanceID, DeliveryStatus{Event: event, Error: "delivery queue full", At: time.Now()})
		d.logger.Warn().
			Str(log.FieldInstanceID, target.InstanceID).
			Str(log.FieldEvent, event).
			Str("host", u.Host).
			Msg("webhook delivery queue full, dropping event")
	}
}

// LastStatus returns the most recent delivery outcome for an instance.
func (d *Dispatcher) LastStatus(instanceID string) (DeliveryStatus, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.last[instanceID]
	return st, ok
}

// Forget drops retained state for a deleted instance.
func (d *Dispatcher) Forget(instanceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, instanceID)
}

// UpdateCredentials swaps the signing secret and auth tokens. Applied
// on config reload; in-flight deliveries keep the credentials they
// started with.
func (d *Dispatcher) UpdateCredentials(secret, bearer, bypass string) {
	d.credMu.Lock()
	defer d.credMu.Unlock()
	d.secret = secret
	d.bearer = bearer
	d.bypass = bypass
}

// Close stops all host workers and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	d.client.CloseIdleConnections()
}

func (d *Dispatcher) run(host string, w *hostWorker) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case job := <-w.jobs:
			d.deliver(host, w, job)
		}
	}
}

func (d *Dispatcher) deliver(host string, w *hostWorker, job delivery) {
	if err := w.limiter.Wait(d.ctx); err != nil {
		return
	}

	breaker := d.breakers.For(host)
	if !breaker.Allow() {
		metrics.RecordWebhookDelivery(job.event, "skipped_breaker")
		d.recordStatus(job.instanceID, DeliveryStatus{Event: job.event, Error: "circuit breaker open", At: time.Now()})
		return
	}

	start := time.Now()
	code, err := d.post(job)
	metrics.ObserveWebhookDeliveryDuration(time.Since(start))

	success := err == nil && code >= 200 && code < 300
	breaker.Report(success)

	status := DeliveryStatus{Event: job.event, StatusCode: code, At: time.Now()}
	if success {
		metrics.RecordWebhookDelivery(job.event, "delivered")
		d.recordStatus(job.instanceID, status)
		d.logger.Debug().
			Str(log.FieldInstanceID, job.instanceID).
			Str(log.FieldEvent, job.event).
			Int("status", code).
			Dur(log.FieldDurationMS, time.Since(start)).
			Msg("webhook delivered")
		return
	}

	metrics.RecordWebhookDelivery(job.event, "failed")
	if err != nil {
		status.Error = err.Error()
	} else {
		status.Error = fmt.Sprintf("unexpected status %d", code)
	}
	d.recordStatus(job.instanceID, status)
	d.logger.Warn().
		Err(err).
		Str(log.FieldInstanceID, job.instanceID).
		Str(log.FieldEvent, job.event).
		Str("host", host).
		Int("status", code).
		Msg("webhook delivery failed")
}

func (d *Dispatcher) post(job delivery) (int, error) {
	timeout := d.client.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(d.ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.url, bytes.NewReader(job.body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	d.credMu.RLock()
	secret, bearer, bypass := d.secret, d.bearer, d.bypass
	d.credMu.RUnlock()

	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(secret, job.body))
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if bypass != "" {
		req.Header.Set(BypassHeader, bypass)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

func (d *Dispatcher) recordStatus(instanceID string, st DeliveryStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last[instanceID] = st
}
