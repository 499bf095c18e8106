package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wahub_queue_depth",
		Help: "Pending outbound items per instance",
	}, []string{"instance"})

	sendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wahub_sends_total",
		Help: "Outbound send attempts by item type and outcome",
	}, []string{"type", "outcome"}) // outcome=sent|failed|abandoned|deferred

	sendDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wahub_send_duration_seconds",
		Help:    "Driver send call duration by item type",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"type"})

	sendRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wahub_send_retries_total",
		Help: "Send attempts that were retries of a failed item",
	})

	enqueueRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wahub_enqueue_rejected_total",
		Help: "Enqueue requests rejected by reason",
	}, []string{"reason"}) // reason=queue_full|terminal_state|bad_request
)

// SetQueueDepth records the pending item count for an instance.
func SetQueueDepth(instance string, depth int) {
	queueDepth.WithLabelValues(instance).Set(float64(depth))
}

// RemoveQueueDepth drops the per-instance depth series after deletion.
func RemoveQueueDepth(instance string) {
	queueDepth.DeleteLabelValues(instance)
}

// RecordSend counts one send attempt outcome.
func RecordSend(itemType, outcome string) {
	sendsTotal.WithLabelValues(itemType, outcome).Inc()
}

// ObserveSendDuration records how long the driver took to send one item.
func ObserveSendDuration(itemType string, d time.Duration) {
	sendDurationSeconds.WithLabelValues(itemType).Observe(d.Seconds())
}

// IncSendRetry counts a retry attempt.
func IncSendRetry() { sendRetriesTotal.Inc() }

// RecordEnqueueRejected counts a rejected enqueue.
func RecordEnqueueRejected(reason string) {
	enqueueRejectedTotal.WithLabelValues(reason).Inc()
}
