package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/observability"
)

// Registry manages the breakers of all routes.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	logger   observability.Logger
	metrics  *Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(logger observability.Logger, reg prometheus.Registerer) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		logger:   logger,
		metrics:  NewMetrics(reg, logger),
	}
}

// Metrics returns the registry's metrics.
func (r *Registry) Metrics() *Metrics {
	return r.metrics
}

// Get returns the breaker of a route.
func (r *Registry) Get(routeID string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[routeID]
	return b, ok
}

// Set installs a breaker for a route, replacing any previous one.
func (r *Registry) Set(routeID string, s Settings) *Breaker {
	b := newBreaker(routeID, s, r.logger, r.metrics)
	r.mu.Lock()
	r.breakers[routeID] = b
	r.mu.Unlock()

	r.logger.Debug("created circuit breaker", observability.Route(routeID))
	return b
}

// Sync makes the registry match the configured routes. Breakers whose
// settings did not change keep their state; changed ones start closed;
// breakers of removed or disabled routes are dropped.
func (r *Registry) Sync(routes []config.RouteConfig) {
	wanted := make(map[string]Settings, len(routes))
	for i := range routes {
		if s, ok := SettingsFromConfig(routes[i].CircuitBreaker); ok {
			wanted[routes[i].ID] = s
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.breakers {
		if _, ok := wanted[id]; !ok {
			delete(r.breakers, id)
			r.logger.Debug("removed circuit breaker", observability.Route(id))
		}
	}
	for id, s := range wanted {
		if existing, ok := r.breakers[id]; ok && existing.settings == s {
			continue
		}
		r.breakers[id] = newBreaker(id, s, r.logger, r.metrics)
		r.logger.Debug("created circuit breaker", observability.Route(id))
	}
}

// Names returns the guarded route ids in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
