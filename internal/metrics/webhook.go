// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	webhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wahub_webhook_deliveries_total",
		Help: "Webhook delivery attempts by event type and outcome",
	}, []string{"event", "outcome"}) // outcome=delivered|failed|skipped_breaker|skipped_policy|dropped_queue

	webhookDeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wahub_webhook_delivery_duration_seconds",
		Help:    "End-to-end webhook POST duration",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	webhookBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wahub_webhook_breaker_state",
		Help: "Webhook circuit breaker state by host (active state=1, others 0)",
	}, []string{"host", "state"})

	webhookBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wahub_webhook_breaker_trips_total",
		Help: "Webhook circuit breaker transitions to open",
	}, []string{"host", "reason"})
)

var breakerStates = []string{"closed", "half-open", "open"}

// RecordWebhookDelivery counts one delivery attempt outcome.
func RecordWebhookDelivery(event, outcome string) {
	webhookDeliveriesTotal.WithLabelValues(event, outcome).Inc()
}

// ObserveWebhookDeliveryDuration records the duration of one POST.
func ObserveWebhookDeliveryDuration(d time.Duration) {
	webhookDeliveryDuration.Observe(d.Seconds())
}

// SetWebhookBreakerState records the active breaker state for a host.
func SetWebhookBreakerState(host, state string) {
	for _, s := range breakerStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		webhookBreakerState.WithLabelValues(host, s).Set(value)
	}
}

// RecordWebhookBreakerTrip increments the trip counter when a breaker opens.
func RecordWebhookBreakerTrip(host, reason string) {
	webhookBreakerTrips.WithLabelValues(host, reason).Inc()
}
