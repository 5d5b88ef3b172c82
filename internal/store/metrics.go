package store

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for store operations.
type Metrics struct {
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
	retriesTotal      *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton store metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

// MustRegister registers the store collectors with registry. promauto
// registers with the default registry; the gateway serves /metrics from
// its own registry, so the collectors are bridged here.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		m.operationDuration,
		m.errorsTotal,
		m.retriesTotal,
	)
}

func newMetrics() *Metrics {
	return &Metrics{
		operationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Subsystem: "cache_store",
				Name:      "operation_duration_seconds",
				Help:      "Duration of cache store operations",
				Buckets: []float64{
					.0001, .0005, .001, .005,
					.01, .025, .05, .1, .25,
				},
			},
			[]string{"backend", "operation"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "cache_store",
				Name:      "errors_total",
				Help:      "Total number of failed cache store operations",
			},
			[]string{"backend", "operation"},
		),
		retriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "cache_store",
				Name:      "retries_total",
				Help:      "Total number of retried cache store operations",
			},
			[]string{"backend", "operation"},
		),
	}
}
