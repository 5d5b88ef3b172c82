package refresh

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avacache/internal/observability"
)

// Refresh results.
const (
	resultScheduled    = "scheduled"
	resultDeduplicated = "deduplicated"
	resultDropped      = "dropped"
	resultSucceeded    = "succeeded"
	resultFailed       = "failed"
	resultError        = "error"
)

// Metrics holds Prometheus metrics for background refresh.
type Metrics struct {
	total    *prometheus.CounterVec
	inflight prometheus.Gauge
	queue    prometheus.Gauge
	duration *prometheus.HistogramVec
}

// NewMetrics creates refresh metrics registered with reg.
func NewMetrics(reg prometheus.Registerer, logger observability.Logger) *Metrics {
	return &Metrics{
		total: observability.Register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "response_cache",
				Name:      "refresh_total",
				Help:      "Background refresh attempts by outcome",
			},
			[]string{"route", "reason", "result"},
		), logger),
		inflight: observability.Register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "response_cache",
				Name:      "refresh_inflight",
				Help:      "Refresh jobs queued or running on this instance",
			},
		), logger),
		queue: observability.Register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "response_cache",
				Name:      "refresh_queue_depth",
				Help:      "Refresh jobs waiting for a worker",
			},
		), logger),
		duration: observability.Register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Subsystem: "response_cache",
				Name:      "refresh_duration_seconds",
				Help:      "Duration of loop-back refresh calls",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"route"},
		), logger),
	}
}

func (m *Metrics) count(route, reason, result string) {
	m.total.WithLabelValues(route, reason, result).Inc()
}
