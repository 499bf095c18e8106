package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	idempotencyHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wahub_idempotency_hits_total",
		Help: "Duplicate submissions short-circuited by recorded status",
	}, []string{"status"}) // status=sent|queued

	idempotencyRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wahub_idempotency_records",
		Help: "Idempotency records currently retained (last cleanup)",
	})

	idempotencyCleanupRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wahub_idempotency_cleanup_removed_total",
		Help: "Idempotency records removed by retention cleanup",
	})
)

// RecordIdempotencyHit counts a duplicate submission by the recorded status.
func RecordIdempotencyHit(status string) {
	idempotencyHitsTotal.WithLabelValues(status).Inc()
}

// SetIdempotencyRecords records the retained record count after a cleanup.
func SetIdempotencyRecords(n int) {
	idempotencyRecords.Set(float64(n))
}

// AddIdempotencyCleanupRemoved counts records removed by one cleanup pass.
func AddIdempotencyCleanupRemoved(n int) {
	idempotencyCleanupRemovedTotal.Add(float64(n))
}
