// SPDX-License-Identifier: MIT
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	instancesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wahub_instances",
		Help: "Number of supervised instances by lifecycle state",
	}, []string{"state"})

	stateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wahub_state_transitions_total",
		Help: "Lifecycle state transitions by edge and triggering event",
	}, []string{"from", "to", "event"})

	driverEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wahub_driver_events_total",
		Help: "Driver events consumed by type",
	}, []string{"type"})

	restartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wahub_restarts_total",
		Help: "Driver restart attempts by outcome",
	}, []string{"outcome"}) // started|recovered|needs_qr|terminal|rate_limited|exhausted

	watchdogInterventionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wahub_watchdog_interventions_total",
		Help: "Watchdog sweeper interventions by kind",
	}, []string{"kind"}) // qr_timeout|qr_stall|connecting_stall|ready_stall|health_probe|give_up

	restoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wahub_restores_total",
		Help: "Startup restore attempts by outcome",
	}, []string{"outcome"}) // restored|needs_qr|restricted|retry|gave_up|deferred

	qrGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wahub_qr_generated_total",
		Help: "QR codes surfaced to clients",
	})

	authenticatedToReadySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wahub_authenticated_to_ready_seconds",
		Help:    "Time between authentication and the instance turning ready",
		Buckets: []float64{0.5, 1, 2, 5, 10, 15, 30, 60, 120, 180},
	})
)

// SetInstanceStates replaces the per-state instance gauge from a full
// snapshot. Pass every state with its count, including zeroes, so stale
// series drop back to 0.
func SetInstanceStates(counts map[string]int) {
	for state, n := range counts {
		instancesByState.WithLabelValues(state).Set(float64(n))
	}
}

// RecordStateTransition counts one applied lifecycle transition.
func RecordStateTransition(from, to, event string) {
	stateTransitionsTotal.WithLabelValues(from, to, event).Inc()
}

// RecordDriverEvent counts one consumed driver event.
func RecordDriverEvent(eventType string) {
	driverEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordRestart counts a restart attempt outcome.
func RecordRestart(outcome string) {
	restartsTotal.WithLabelValues(outcome).Inc()
}

// RecordWatchdogIntervention counts a sweeper-forced recovery.
func RecordWatchdogIntervention(kind string) {
	watchdogInterventionsTotal.WithLabelValues(kind).Inc()
}

// RecordRestore counts a startup restore outcome.
func RecordRestore(outcome string) {
	restoresTotal.WithLabelValues(outcome).Inc()
}

// IncQRGenerated counts a QR payload handed to clients.
func IncQRGenerated() { qrGeneratedTotal.Inc() }

// ObserveAuthenticatedToReady records the authenticated-to-ready latency.
func ObserveAuthenticatedToReady(d time.Duration) {
	authenticatedToReadySeconds.Observe(d.Seconds())
}
