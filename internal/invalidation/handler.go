// Package invalidation evicts cached responses when upstream entities
// change. Notifications arrive on NATS subjects; each subject is bound to
// a set of routes and either evicts one tenant's entries of those routes or
// every entry of them.
package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avacache/internal/cache"
	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/observability"
	"github.com/vyrodovalexey/avacache/internal/store"
)

// deleteBatch bounds the number of keys removed per store call.
const deleteBatch = 500

// Binding maps a subject to the routes it evicts.
type Binding struct {
	Subject string
	Kind    string
	Routes  []string
}

// BindingsFromConfig converts configured bindings.
func BindingsFromConfig(cfg config.InvalidationConfig) []Binding {
	out := make([]Binding, 0, len(cfg.Bindings))
	for _, b := range cfg.Bindings {
		out = append(out, Binding{
			Subject: b.Subject,
			Kind:    b.Kind,
			Routes:  append([]string(nil), b.Routes...),
		})
	}
	return out
}

type tenantEvent struct {
	TenantID string `json:"tenantId"`
}

// Handler applies notifications to the cache store.
type Handler struct {
	store    store.Store
	settings *cache.SettingsHolder
	bindings atomic.Pointer[map[string]Binding]
	logger   observability.Logger
	reg      prometheus.Registerer
	metrics  *Metrics
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithRegisterer sets the Prometheus registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(h *Handler) {
		h.reg = reg
	}
}

// NewHandler creates a handler for bindings. Route policies are read from
// holder at the time each notification is handled.
func NewHandler(st store.Store, holder *cache.SettingsHolder, bindings []Binding, opts ...Option) *Handler {
	h := &Handler{
		store:    st,
		settings: holder,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.metrics = NewMetrics(h.reg, h.logger)
	h.SetBindings(bindings)
	return h
}

// SetBindings replaces the bindings atomically.
func (h *Handler) SetBindings(bindings []Binding) {
	m := make(map[string]Binding, len(bindings))
	for _, b := range bindings {
		m[b.Subject] = b
	}
	h.bindings.Store(&m)
}

// Subjects returns the bound subjects in sorted order.
func (h *Handler) Subjects() []string {
	m := *h.bindings.Load()
	out := make([]string, 0, len(m))
	for subject := range m {
		out = append(out, subject)
	}
	sort.Strings(out)
	return out
}

// Handle applies one notification. It never fails: malformed payloads and
// unknown subjects are dropped, and eviction errors are logged.
func (h *Handler) Handle(ctx context.Context, subject string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.metrics.notifications.WithLabelValues(resultPanic).Inc()
			h.logger.Error("invalidation handler panicked",
				observability.String("subject", subject),
				observability.Any("panic", r),
			)
		}
	}()

	binding, ok := (*h.bindings.Load())[subject]
	if !ok {
		h.metrics.notifications.WithLabelValues(resultUnknown).Inc()
		h.logger.Debug("dropping notification for unbound subject",
			observability.String("subject", subject))
		return
	}

	switch binding.Kind {
	case config.InvalidationKindTenant:
		tenantID, err := parseTenant(payload)
		if err != nil {
			h.metrics.notifications.WithLabelValues(resultMalformed).Inc()
			h.logger.Debug("dropping malformed tenant notification",
				observability.String("subject", subject),
				observability.Error(err),
			)
			return
		}
		for _, routeID := range binding.Routes {
			if _, err := h.InvalidateTenant(ctx, routeID, tenantID); err != nil {
				h.logger.Warn("tenant invalidation failed",
					observability.Route(routeID),
					observability.Tenant(tenantID),
					observability.Error(err),
				)
			}
		}
	case config.InvalidationKindCatalog:
		for _, routeID := range binding.Routes {
			if _, err := h.InvalidateRoute(ctx, routeID); err != nil {
				h.logger.Warn("route invalidation failed",
					observability.Route(routeID),
					observability.Error(err),
				)
			}
		}
	default:
		h.metrics.notifications.WithLabelValues(resultUnknown).Inc()
		h.logger.Debug("dropping notification with unknown binding kind",
			observability.String("subject", subject),
			observability.String("kind", binding.Kind),
		)
		return
	}
	h.metrics.notifications.WithLabelValues(resultHandled).Inc()
}

func parseTenant(payload []byte) (string, error) {
	var ev tenantEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", fmt.Errorf("decode tenant event: %w", err)
	}
	tenantID := strings.TrimSpace(ev.TenantID)
	if tenantID == "" {
		return "", fmt.Errorf("tenant event without tenantId")
	}
	return tenantID, nil
}

// InvalidateRoute evicts every cached entry of a route and returns the
// number of keys removed.
func (h *Handler) InvalidateRoute(ctx context.Context, routeID string) (int, error) {
	if _, ok := h.policy(routeID); !ok {
		return 0, nil
	}
	n, err := h.evict(ctx, cache.RouteIndexKey(routeID), "")
	if err != nil {
		return n, err
	}
	h.metrics.record(routeID, scopeRoute, n)
	h.logger.Info("route cache invalidated",
		observability.Route(routeID),
		observability.Int("keys", n),
	)
	return n, nil
}

// InvalidateTenant evicts the entries of one tenant on a tenant-scoped
// route. Routes that are not tenant-scoped hold no per-tenant entries and
// are left alone.
func (h *Handler) InvalidateTenant(ctx context.Context, routeID, tenantID string) (int, error) {
	policy, ok := h.policy(routeID)
	if !ok {
		return 0, nil
	}
	if !policy.TenantScoped {
		h.logger.Debug("skipping tenant invalidation of a global route",
			observability.Route(routeID),
			observability.Tenant(tenantID),
		)
		return 0, nil
	}
	n, err := h.evict(ctx, cache.TenantIndexKey(routeID, tenantID), cache.RouteIndexKey(routeID))
	if err != nil {
		return n, err
	}
	h.metrics.record(routeID, scopeTenant, n)
	h.logger.Info("tenant cache invalidated",
		observability.Route(routeID),
		observability.Tenant(tenantID),
		observability.Int("keys", n),
	)
	return n, nil
}

func (h *Handler) policy(routeID string) (*cache.RouteCachePolicy, bool) {
	p, ok := h.settings.Load().Policy(routeID)
	if !ok {
		h.logger.Debug("skipping invalidation of unknown route", observability.Route(routeID))
	}
	return p, ok
}

// evict deletes every key listed in index and the index itself. Evicted
// keys are also removed from parent, when given, so the parent index does
// not keep growing with dead members.
func (h *Handler) evict(ctx context.Context, index, parent string) (int, error) {
	keys, err := h.store.SetMembers(ctx, index)
	if err != nil {
		return 0, fmt.Errorf("read index %s: %w", index, err)
	}

	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		if err := h.store.Delete(ctx, keys[start:end]...); err != nil {
			return start, fmt.Errorf("delete keys of %s: %w", index, err)
		}
	}
	if err := h.store.Delete(ctx, index); err != nil {
		return len(keys), fmt.Errorf("delete index %s: %w", index, err)
	}
	if parent != "" && len(keys) > 0 {
		if err := h.store.RemoveFromSet(ctx, parent, keys...); err != nil {
			return len(keys), fmt.Errorf("prune index %s: %w", parent, err)
		}
	}
	return len(keys), nil
}
