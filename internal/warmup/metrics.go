package warmup

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avacache/internal/observability"
)

const (
	resultDispatched = "dispatched"
	resultNotQueued  = "not_queued"
	resultSkipped    = "skipped"
	resultFailed     = "failed"
)

// Metrics holds Prometheus metrics for warmup.
type Metrics struct {
	passes prometheus.Counter
	calls  *prometheus.CounterVec
}

// NewMetrics creates warmup metrics registered with reg.
func NewMetrics(reg prometheus.Registerer, logger observability.Logger) *Metrics {
	return &Metrics{
		passes: observability.Register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "response_cache",
				Name:      "warmup_passes_total",
				Help:      "Completed warmup passes",
			},
		), logger),
		calls: observability.Register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "response_cache",
				Name:      "warmup_calls_total",
				Help:      "Warm calls by route and outcome",
			},
			[]string{"route", "result"},
		), logger),
	}
}
