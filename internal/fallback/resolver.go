// Package fallback serves cached responses while a route's circuit
// breaker is open. Unlike the normal read path any entry the store still
// holds is usable, including one past its expiry.
package fallback

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avacache/internal/cache"
	"github.com/vyrodovalexey/avacache/internal/observability"
)

// Metadata keys of a Payload.
const (
	MetaCacheKey   = "cacheKey"
	MetaRouteID    = "routeId"
	MetaCacheState = "cacheState"
	MetaCachedAt   = "cachedAt"
	MetaExpiresAt  = "expiresAt"
	MetaStaleAt    = "staleAt"
)

// Response headers written with a fallback payload.
const (
	HeaderCacheState     = "X-Cache-State"
	HeaderCacheKey       = "X-Cache-Key"
	HeaderCacheRoute     = "X-Cache-Route"
	HeaderCacheCachedAt  = "X-Cache-Cached-At"
	HeaderCacheExpiresAt = "X-Cache-Expires-At"
	HeaderCacheStaleAt   = "X-Cache-Stale-At"

	// CacheFallback is the X-Cache value of a fallback response.
	CacheFallback = "FALLBACK"

	staleWarning = `110 - "Response is Stale"`
)

// Lookuper reads entries regardless of expiry. *cache.Engine implements it.
type Lookuper interface {
	Lookup(ctx context.Context, routeID string, req cache.RequestContext) cache.Result
}

// Payload is a cached response annotated for degraded serving.
type Payload struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	State      cache.State
	Metadata   map[string]string
}

// Resolver looks up fallback payloads.
type Resolver struct {
	lookuper Lookuper
	logger   observability.Logger
	reg      prometheus.Registerer
	served   *prometheus.CounterVec
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithRegisterer sets the Prometheus registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Resolver) {
		r.reg = reg
	}
}

// NewResolver creates a resolver.
func NewResolver(l Lookuper, opts ...Option) *Resolver {
	r := &Resolver{
		lookuper: l,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.served = observability.Register(r.reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "response_cache",
			Name:      "fallback_total",
			Help:      "Fallback lookups while a circuit breaker is open",
		},
		[]string{"route", "result"},
	), r.logger)
	return r
}

// Resolve returns the cached payload of a request, if the store still
// holds one. It reports false when caching is disabled, the route has no
// policy or there is no entry.
func (r *Resolver) Resolve(ctx context.Context, routeID string, req cache.RequestContext) (*Payload, bool) {
	res := r.lookuper.Lookup(ctx, routeID, req)
	if res.Response == nil {
		r.served.WithLabelValues(routeID, "empty").Inc()
		return nil, false
	}

	entry := res.Response
	p := &Payload{
		StatusCode: entry.StatusCode,
		Header:     entry.Header.Clone(),
		Body:       entry.Body,
		State:      res.State,
		Metadata: map[string]string{
			MetaCacheKey:   res.Metadata.Key,
			MetaRouteID:    routeID,
			MetaCacheState: res.State.String(),
			MetaCachedAt:   entry.CachedAt.Format(time.RFC3339Nano),
			MetaExpiresAt:  entry.ExpiresAt.Format(time.RFC3339Nano),
			MetaStaleAt:    entry.StaleAt.Format(time.RFC3339Nano),
		},
	}
	if p.Header == nil {
		p.Header = http.Header{}
	}

	r.served.WithLabelValues(routeID, "served").Inc()
	r.logger.Info("serving cached fallback",
		observability.Route(routeID),
		observability.CacheKey(res.Metadata.Key),
		observability.String("state", res.State.String()),
	)
	return p, true
}

// WriteResponse writes the payload with its degradation annotations.
func (p *Payload) WriteResponse(w http.ResponseWriter) error {
	h := w.Header()
	for name, values := range p.Header {
		h[name] = append([]string(nil), values...)
	}
	h.Set(cache.HeaderCache, CacheFallback)
	h.Set(HeaderCacheState, p.Metadata[MetaCacheState])
	h.Set(HeaderCacheKey, p.Metadata[MetaCacheKey])
	h.Set(HeaderCacheRoute, p.Metadata[MetaRouteID])
	h.Set(HeaderCacheCachedAt, p.Metadata[MetaCachedAt])
	h.Set(HeaderCacheExpiresAt, p.Metadata[MetaExpiresAt])
	h.Set(HeaderCacheStaleAt, p.Metadata[MetaStaleAt])
	if p.State == cache.StateStale {
		h.Add("Warning", staleWarning)
	}
	h.Set("Content-Length", strconv.Itoa(len(p.Body)))

	w.WriteHeader(p.StatusCode)
	_, err := w.Write(p.Body)
	return err
}
