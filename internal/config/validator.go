package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// Unwrap lets errors.Is(err, ErrInvalidConfig) match validation failures.
func (e ValidationErrors) Unwrap() error {
	return ErrInvalidConfig
}

// Validator validates gateway configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateConfig validates a gateway configuration.
func ValidateConfig(cfg *GatewayConfig) error {
	return NewValidator().Validate(cfg)
}

// Validate validates the configuration and returns all errors found.
func (v *Validator) Validate(cfg *GatewayConfig) error {
	v.errors = nil

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	if !strings.HasPrefix(cfg.APIVersion, APIVersionPrefix) {
		v.addError("apiVersion", "apiVersion must start with '"+APIVersionPrefix+"'")
	}
	if cfg.Kind != KindGateway {
		v.addError("kind", "kind must be '"+KindGateway+"'")
	}
	if cfg.Metadata.Name == "" {
		v.addError("metadata.name", "name is required")
	}

	spec := &cfg.Spec
	v.validateStore(&spec.Store)
	routeIDs := v.validateRoutes(spec.Routes)
	v.validateRefresh(&spec.Refresh)
	v.validateWarmup(&spec.Warmup)
	v.validateInvalidation(&spec.Invalidation, routeIDs)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *Validator) validateStore(s *StoreConfig) {
	switch s.Type {
	case StoreTypeMemory:
		if s.Memory != nil && s.Memory.MaxEntries < 0 {
			v.addError("spec.store.memory.maxEntries", "maxEntries must not be negative")
		}
	case StoreTypeRedis:
		if s.Redis == nil {
			v.addError("spec.store.redis", "redis configuration is required")
			return
		}
		hasSentinel := s.Redis.Sentinel != nil && s.Redis.Sentinel.MasterName != ""
		if s.Redis.URL == "" && !hasSentinel {
			v.addError("spec.store.redis", "either url or sentinel.masterName is required")
		}
		if hasSentinel && len(s.Redis.Sentinel.SentinelAddrs) == 0 {
			v.addError("spec.store.redis.sentinel.sentinelAddrs", "at least one sentinel address is required")
		}
	default:
		v.addError("spec.store.type", fmt.Sprintf("unknown store type %q", s.Type))
	}
}

// validateRoutes returns the set of declared route ids.
func (v *Validator) validateRoutes(routes []RouteConfig) map[string]*RouteConfig {
	ids := make(map[string]*RouteConfig, len(routes))
	for i := range routes {
		r := &routes[i]
		path := fmt.Sprintf("spec.routes[%d]", i)

		if r.ID == "" {
			v.addError(path+".id", "id is required")
		} else if strings.Contains(r.ID, ":") {
			// ':' separates the segments of cache and index keys.
			v.addError(path+".id", fmt.Sprintf("route id %q must not contain ':'", r.ID))
		} else if _, dup := ids[r.ID]; dup {
			v.addError(path+".id", fmt.Sprintf("duplicate route id %q", r.ID))
		} else {
			ids[r.ID] = r
		}

		if !strings.HasPrefix(r.Path, "/") {
			v.addError(path+".path", "path must start with '/'")
		}
		if u, err := url.Parse(r.Backend); err != nil || u.Scheme == "" || u.Host == "" {
			v.addError(path+".backend", "backend must be an absolute URL")
		}

		if c := r.Cache; c != nil {
			if c.TTL <= 0 {
				v.addError(path+".cache.ttl", "ttl must be greater than zero when caching is enabled")
			}
			if c.StaleAfter < 0 {
				v.addError(path+".cache.staleAfter", "staleAfter must not be negative")
			}
			if c.WarmPath != "" && !strings.HasPrefix(c.WarmPath, "/") {
				v.addError(path+".cache.warmPath", "warmPath must start with '/'")
			}
		}

		if cb := r.CircuitBreaker; cb != nil && cb.Enabled {
			if cb.FailureRatio <= 0 || cb.FailureRatio > 1 {
				v.addError(path+".circuitBreaker.failureRatio", "failureRatio must be in (0, 1]")
			}
		}
	}
	return ids
}

func (v *Validator) validateRefresh(r *RefreshConfig) {
	if u, err := url.Parse(r.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		v.addError("spec.refresh.baseURL", "baseURL must be an absolute URL")
	}
	if r.InflightTTL <= r.Timeout {
		v.addError("spec.refresh.inflightTTL", "inflightTTL must be greater than refresh timeout")
	}
	if r.Workers < 1 {
		v.addError("spec.refresh.workers", "workers must be at least 1")
	}
	if r.QueueSize < 1 {
		v.addError("spec.refresh.queueSize", "queueSize must be at least 1")
	}
}

func (v *Validator) validateWarmup(w *WarmupConfig) {
	if w.Enabled && w.Interval <= 0 {
		v.addError("spec.warmup.interval", "interval must be greater than zero")
	}
	if w.RatePerSecond < 0 {
		v.addError("spec.warmup.ratePerSecond", "ratePerSecond must not be negative")
	}
	for i, t := range w.Tenants {
		if strings.TrimSpace(t) == "" {
			v.addError(fmt.Sprintf("spec.warmup.tenants[%d]", i), "tenant must not be empty")
		}
	}
}

func (v *Validator) validateInvalidation(inv *InvalidationConfig, routes map[string]*RouteConfig) {
	if inv.NATS != nil && inv.NATS.URL == "" {
		v.addError("spec.invalidation.nats.url", "url is required")
	}

	subjects := make(map[string]bool, len(inv.Bindings))
	for i, b := range inv.Bindings {
		path := fmt.Sprintf("spec.invalidation.bindings[%d]", i)

		if b.Subject == "" {
			v.addError(path+".subject", "subject is required")
		} else if subjects[b.Subject] {
			v.addError(path+".subject", fmt.Sprintf("duplicate subject %q", b.Subject))
		}
		subjects[b.Subject] = true

		if b.Kind != InvalidationKindTenant && b.Kind != InvalidationKindCatalog {
			v.addError(path+".kind", fmt.Sprintf("kind must be %q or %q", InvalidationKindTenant, InvalidationKindCatalog))
		}
		if len(b.Routes) == 0 {
			v.addError(path+".routes", "at least one route is required")
		}
		for j, id := range b.Routes {
			r, ok := routes[id]
			if !ok {
				v.addError(fmt.Sprintf("%s.routes[%d]", path, j), fmt.Sprintf("unknown route %q", id))
				continue
			}
			if r.Cache == nil {
				v.addError(fmt.Sprintf("%s.routes[%d]", path, j), fmt.Sprintf("route %q has no cache policy", id))
			}
		}
	}
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
