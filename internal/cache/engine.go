package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avacache/internal/observability"
	"github.com/vyrodovalexey/avacache/internal/store"
)

var (
	// ErrDisabled is returned by Store when caching is switched off.
	ErrDisabled = errors.New("response cache disabled")

	// ErrNoPolicy is returned by Store for metadata without a route policy.
	ErrNoPolicy = errors.New("route has no cache policy")
)

// Revalidator refreshes stale entries in the background. Implementations
// must return without waiting for the refresh.
type Revalidator interface {
	ScheduleRevalidation(ctx context.Context, md Metadata)
}

// Engine is the response cache.
type Engine struct {
	store       store.Store
	settings    *SettingsHolder
	recorder    *Recorder
	revalidator Revalidator
	logger      observability.Logger
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder sets the metrics recorder.
func WithRecorder(r *Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithRevalidator sets the background refresher for stale entries.
func WithRevalidator(r Revalidator) Option {
	return func(e *Engine) {
		e.revalidator = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an engine reading settings from holder.
func NewEngine(st store.Store, holder *SettingsHolder, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		settings: holder,
		logger:   observability.NopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enabled reports the global switch of the current snapshot.
func (e *Engine) Enabled() bool {
	return e.settings.Load().Enabled()
}

// Settings returns the current snapshot.
func (e *Engine) Settings() *Settings {
	return e.settings.Load()
}

// Resolve computes the metadata of a request to routeID. It reports false
// when caching is disabled or the route has no policy.
func (e *Engine) Resolve(routeID string, req RequestContext) (Metadata, bool) {
	s := e.settings.Load()
	if !s.Enabled() {
		return Metadata{}, false
	}
	policy, ok := s.Policy(routeID)
	if !ok {
		return Metadata{}, false
	}
	return ResolveKey(policy, req), true
}

// Find looks up the cached response of a request. It never fails: store
// and decode errors are logged and reported as MISS.
func (e *Engine) Find(ctx context.Context, routeID string, req RequestContext) Result {
	md, ok := e.Resolve(routeID, req)
	if !ok {
		return Result{State: StateMiss}
	}

	entry := e.read(ctx, md)
	result := Result{State: StateMiss, Metadata: md}
	if entry != nil {
		if state := entry.StateAt(e.now()); state != StateMiss {
			result.State = state
			result.Response = entry
		}
	}

	if result.State == StateStale && e.revalidator != nil {
		e.revalidator.ScheduleRevalidation(ctx, md)
	}
	if result.State.Servable() && etagMatches(req.IfNoneMatch, result.Response.ETag) {
		result.State = StateNotModified
	}

	e.recorder.RecordLookup(routeID, md.Key, result.State)
	return result
}

// Lookup returns any entry still held by the store, including expired
// ones. It is the read path of the fallback resolver and does not trigger
// revalidation or count as a lookup.
func (e *Engine) Lookup(ctx context.Context, routeID string, req RequestContext) Result {
	md, ok := e.Resolve(routeID, req)
	if !ok {
		return Result{State: StateMiss}
	}
	entry := e.read(ctx, md)
	if entry == nil {
		return Result{State: StateMiss, Metadata: md}
	}
	return Result{State: entry.fallbackStateAt(e.now()), Metadata: md, Response: entry}
}

func (e *Engine) read(ctx context.Context, md Metadata) *CachedResponse {
	data, err := e.store.Get(ctx, md.Key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("cache store read failed",
				observability.Route(md.RouteID()),
				observability.CacheKey(md.Key),
				observability.Error(err),
			)
		}
		return nil
	}
	entry, err := decodeEntry(data)
	if err != nil {
		e.logger.Warn("discarding undecodable cache entry",
			observability.Route(md.RouteID()),
			observability.CacheKey(md.Key),
			observability.Error(err),
		)
		return nil
	}
	return entry
}

// Store writes resp under md. A previous entry for the key is replaced.
// Errors are for logging only; callers must not fail a request on them.
func (e *Engine) Store(ctx context.Context, md Metadata, resp Response) error {
	s := e.settings.Load()
	if !s.Enabled() {
		return ErrDisabled
	}
	if md.Policy == nil || md.Key == "" {
		return ErrNoPolicy
	}

	cachedAt := e.now()
	staleAt, expiresAt := md.Policy.Window(cachedAt)
	entry := &CachedResponse{
		StatusCode: resp.StatusCode,
		Header:     storableHeader(resp.Header),
		Body:       resp.Body,
		ETag:       entityTag(resp.Header, resp.Body),
		CachedAt:   cachedAt,
		StaleAt:    staleAt,
		ExpiresAt:  expiresAt,
	}
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}

	ttl := md.Policy.TTL + s.FallbackRetention()
	if err := e.store.SetWithTTL(ctx, md.Key, data, ttl); err != nil {
		e.logger.Warn("cache store write failed",
			observability.Route(md.RouteID()),
			observability.CacheKey(md.Key),
			observability.Error(err),
		)
		return fmt.Errorf("store %s: %w", md.Key, err)
	}

	for _, idx := range indexKeys(md) {
		if err := e.store.AddToSet(ctx, idx, md.Key, ttl); err != nil {
			e.logger.Warn("cache index update failed",
				observability.Route(md.RouteID()),
				observability.CacheKey(md.Key),
				observability.String("index", idx),
				observability.Error(err),
			)
			return fmt.Errorf("index %s: %w", md.Key, err)
		}
	}

	e.recorder.RecordStore(md.RouteID())
	e.logger.Debug("cached response",
		observability.Route(md.RouteID()),
		observability.CacheKey(md.Key),
		observability.Int("status", resp.StatusCode),
		observability.Duration("ttl", md.Policy.TTL),
	)
	return nil
}
