package observability

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Register adds c to reg and returns the collector that ends up serving
// the series. When an identical collector is already registered, for
// example after a configuration reload rebuilt a component, the existing
// one is returned. Other registration errors are logged and c is returned
// unregistered so callers can keep recording without a nil check.
func Register[C prometheus.Collector](reg prometheus.Registerer, c C, logger Logger) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		if logger == nil {
			logger = L()
		}
		logger.Warn("failed to register metrics collector", Error(err))
	}
	return c
}
