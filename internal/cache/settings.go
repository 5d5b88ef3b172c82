package cache

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avacache/internal/config"
)

// Settings is an immutable snapshot of the cache configuration. It is
// never modified after construction; a reload replaces it as a whole.
type Settings struct {
	enabled           bool
	fallbackRetention time.Duration
	policies          map[string]*RouteCachePolicy
	ordered           []*RouteCachePolicy
}

// NewSettings builds a snapshot. Every policy must validate and route ids
// must be unique.
func NewSettings(enabled bool, fallbackRetention time.Duration, policies ...RouteCachePolicy) (*Settings, error) {
	s := &Settings{
		enabled:           enabled,
		fallbackRetention: fallbackRetention,
		policies:          make(map[string]*RouteCachePolicy, len(policies)),
		ordered:           make([]*RouteCachePolicy, 0, len(policies)),
	}
	for i := range policies {
		p := policies[i]
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.policies[p.RouteID]; dup {
			return nil, fmt.Errorf("%w: duplicate route %s", ErrInvalidPolicy, p.RouteID)
		}
		s.policies[p.RouteID] = &p
		s.ordered = append(s.ordered, &p)
	}
	sort.Slice(s.ordered, func(i, j int) bool {
		return s.ordered[i].RouteID < s.ordered[j].RouteID
	})
	return s, nil
}

// SettingsFromConfig builds a snapshot from the gateway configuration.
func SettingsFromConfig(spec *config.GatewaySpec) (*Settings, error) {
	policies := make([]RouteCachePolicy, 0, len(spec.Routes))
	for i := range spec.Routes {
		if p := PolicyFromRoute(&spec.Routes[i], spec.Cache.KeyPrefix); p != nil {
			policies = append(policies, *p)
		}
	}
	return NewSettings(spec.Cache.Enabled, spec.Cache.FallbackRetention.Duration(), policies...)
}

// Enabled reports the global switch.
func (s *Settings) Enabled() bool {
	return s != nil && s.enabled
}

// FallbackRetention is how long entries outlive their expiry in the store.
func (s *Settings) FallbackRetention() time.Duration {
	if s == nil {
		return 0
	}
	return s.fallbackRetention
}

// Policy returns the policy of a route.
func (s *Settings) Policy(routeID string) (*RouteCachePolicy, bool) {
	if s == nil {
		return nil, false
	}
	p, ok := s.policies[routeID]
	return p, ok
}

// Policies returns every policy ordered by route id. The slice must not be
// modified.
func (s *Settings) Policies() []*RouteCachePolicy {
	if s == nil {
		return nil
	}
	return s.ordered
}

// SettingsHolder publishes the current snapshot to concurrent readers.
type SettingsHolder struct {
	current atomic.Pointer[Settings]
}

// NewSettingsHolder creates a holder with an initial snapshot.
func NewSettingsHolder(initial *Settings) *SettingsHolder {
	h := &SettingsHolder{}
	h.current.Store(initial)
	return h
}

// Load returns the current snapshot. A nil snapshot behaves as disabled.
func (h *SettingsHolder) Load() *Settings {
	if h == nil {
		return nil
	}
	return h.current.Load()
}

// Swap installs s and returns the previous snapshot.
func (h *SettingsHolder) Swap(s *Settings) *Settings {
	return h.current.Swap(s)
}
