package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	systemMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wahub_system_mode",
		Help: "Active system mode (active mode=1, others 0)",
	}, []string{"mode"})

	sysmodeBufferedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wahub_sysmode_buffered_total",
		Help: "Items parked in syncing-mode buffers by direction",
	}, []string{"direction"}) // direction=inbound|outbound

	sysmodeDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wahub_sysmode_dropped_total",
		Help: "Buffered items dropped by direction and reason",
	}, []string{"direction", "reason"}) // reason=capacity|expired|handler_error

	sysmodeFlushedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wahub_sysmode_flushed_total",
		Help: "Buffered items replayed on return to normal mode",
	}, []string{"direction"})
)

var systemModes = []string{"normal", "syncing"}

// SetSystemMode records the active system mode.
func SetSystemMode(mode string) {
	for _, m := range systemModes {
		value := 0.0
		if m == mode {
			value = 1.0
		}
		systemMode.WithLabelValues(m).Set(value)
	}
}

// RecordSysmodeBuffered counts an item parked while syncing.
func RecordSysmodeBuffered(direction string) {
	sysmodeBufferedTotal.WithLabelValues(direction).Inc()
}

// RecordSysmodeDropped counts a buffered item that was discarded.
func RecordSysmodeDropped(direction, reason string) {
	sysmodeDroppedTotal.WithLabelValues(direction, reason).Inc()
}

// RecordSysmodeFlushed counts a buffered item replayed after syncing ends.
func RecordSysmodeFlushed(direction string) {
	sysmodeFlushedTotal.WithLabelValues(direction).Inc()
}
