// Package refresh re-issues cacheable requests against the gateway's own
// listener so that stale entries are revalidated and warm routes are
// primed. A key is queued at most once per instance, and the worker takes
// an in-flight marker in the shared store right before the loop-back call,
// which keeps at most one refresh per cache key running across all gateway
// instances.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avacache/internal/cache"
	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/observability"
	"github.com/vyrodovalexey/avacache/internal/store"
)

// ErrUnexpectedStatus is returned for a loop-back call answered outside 2xx.
var ErrUnexpectedStatus = errors.New("unexpected loop-back status")

const (
	markerPrefix         = "refresh:"
	markerAcquireTimeout = time.Second
	markerReleaseTimeout = 2 * time.Second

	reasonRevalidate = "revalidate"
	reasonWarm       = "warm"
)

// MarkerKey is the store key of the in-flight marker of a cache key.
func MarkerKey(cacheKey string) string {
	return markerPrefix + cacheKey
}

// Config configures a Dispatcher.
type Config struct {
	// BaseURL is the gateway's own address, without a trailing slash.
	BaseURL string

	// Timeout bounds one loop-back call.
	Timeout time.Duration

	// InflightTTL bounds the marker lifetime if an instance dies mid-job.
	// A loop-back call never outlives the marker that guards it.
	InflightTTL time.Duration

	Workers   int
	QueueSize int

	// TenantHeader carries the tenant of tenant-scoped refreshes.
	TenantHeader string
}

// ConfigFromGateway extracts the dispatcher configuration.
func ConfigFromGateway(spec *config.GatewaySpec) Config {
	return Config{
		BaseURL:      spec.Refresh.BaseURL,
		Timeout:      spec.Refresh.Timeout.Duration(),
		InflightTTL:  spec.Refresh.InflightTTL.Duration(),
		Workers:      spec.Refresh.Workers,
		QueueSize:    spec.Refresh.QueueSize,
		TenantHeader: spec.Server.TenantHeader,
	}
}

type job struct {
	md     cache.Metadata
	reason string
}

// Dispatcher schedules background refreshes.
type Dispatcher struct {
	store      store.Store
	settings   *cache.SettingsHolder
	cfg        Config
	client     *http.Client
	logger     observability.Logger
	registerer prometheus.Registerer
	metrics    *Metrics
	instanceID string
	pool       *pool[job]
	inflight   atomic.Int64
	cancel     context.CancelFunc

	// mu guards cancel and pending.
	mu      sync.Mutex
	pending map[string]struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the loop-back client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		d.client = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithRegisterer sets the Prometheus registerer for refresh metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Dispatcher) {
		d.registerer = reg
	}
}

// WithInstanceID overrides the generated instance id.
func WithInstanceID(id string) Option {
	return func(d *Dispatcher) {
		d.instanceID = id
	}
}

// NewDispatcher creates a dispatcher. Call Start before scheduling work.
func NewDispatcher(st store.Store, holder *cache.SettingsHolder, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultRefreshTimeout
	}
	if cfg.InflightTTL <= 0 {
		cfg.InflightTTL = config.DefaultRefreshInflightTTL
	}
	d := &Dispatcher{
		store:    st,
		settings: holder,
		cfg:      cfg,
		logger:   observability.NopLogger(),
		pending:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.instanceID == "" {
		d.instanceID = uuid.NewString()
	}
	if d.client == nil {
		d.client = &http.Client{
			// Loop-back calls must reach the route handler itself.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	d.metrics = NewMetrics(d.registerer, d.logger)
	d.pool = newPool(cfg.Workers, cfg.QueueSize, d.process, d.onPanic)
	return d
}

// InstanceID identifies this gateway instance in markers and headers.
func (d *Dispatcher) InstanceID() string {
	return d.instanceID
}

// Start launches the workers. They run detached from ctx, keep only its
// values, and are stopped by Stop once the queue is drained.
func (d *Dispatcher) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := d.pool.start(runCtx); err != nil {
		cancel()
		return err
	}
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	d.logger.Info("refresh dispatcher started",
		observability.String("instance", d.instanceID),
		observability.Int("workers", d.pool.workers),
		observability.Int("queue", d.pool.queueSize),
	)
	return nil
}

// Stop stops accepting jobs and waits up to timeout for queued ones. Jobs
// still running after timeout are cancelled and release their markers.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	err := d.pool.stop(timeout)
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return err
}

// Inflight returns the number of jobs queued or running on this instance.
func (d *Dispatcher) Inflight() int64 {
	return d.inflight.Load()
}

// ScheduleRevalidation refreshes md in the background unless caching is
// disabled or the key is already queued here. It does no I/O, so the
// request that found the entry stale is not slowed down, and the refresh
// does not depend on that request's context.
func (d *Dispatcher) ScheduleRevalidation(_ context.Context, md cache.Metadata) {
	if !d.settings.Load().Enabled() || md.Key == "" {
		return
	}
	d.dispatch(md, reasonRevalidate)
}

// WarmRoute primes the entry of a concrete path of a route. path is in
// request-URI form. It reports whether a job was queued.
func (d *Dispatcher) WarmRoute(_ context.Context, policy *cache.RouteCachePolicy, path, tenantID string) bool {
	if policy == nil || !d.settings.Load().Enabled() {
		return false
	}
	md := cache.ResolveKey(policy, cache.RequestContext{
		Method:   policy.Method,
		Path:     path,
		TenantID: tenantID,
	})
	return d.dispatch(md, reasonWarm)
}

func (d *Dispatcher) dispatch(md cache.Metadata, reason string) bool {
	route := md.RouteID()
	if !d.claim(md.Key) {
		d.metrics.count(route, reason, resultDeduplicated)
		d.logger.Debug("refresh already queued",
			observability.Route(route),
			observability.CacheKey(md.Key),
		)
		return false
	}

	d.inflight.Add(1)
	d.metrics.inflight.Inc()
	if err := d.pool.submit(job{md: md, reason: reason}); err != nil {
		d.inflight.Add(-1)
		d.metrics.inflight.Dec()
		d.unclaim(md.Key)
		d.metrics.count(route, reason, resultDropped)
		d.logger.Warn("refresh dropped",
			observability.Route(route),
			observability.CacheKey(md.Key),
			observability.Error(err),
		)
		return false
	}

	d.metrics.queue.Set(float64(d.pool.depth()))
	d.metrics.count(route, reason, resultScheduled)
	return true
}

// claim records key as queued on this instance.
func (d *Dispatcher) claim(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[key]; ok {
		return false
	}
	d.pending[key] = struct{}{}
	return true
}

func (d *Dispatcher) unclaim(key string) {
	d.mu.Lock()
	delete(d.pending, key)
	d.mu.Unlock()
}

func (d *Dispatcher) process(ctx context.Context, j job) {
	defer d.finish(j)

	route := j.md.RouteID()
	marker := MarkerKey(j.md.Key)
	token := d.instanceID + ":" + uuid.NewString()

	acquireCtx, cancel := context.WithTimeout(ctx, markerAcquireTimeout)
	acquired, err := d.store.SetIfAbsent(acquireCtx, marker, []byte(token), d.cfg.InflightTTL)
	cancel()
	if err != nil {
		d.metrics.count(route, j.reason, resultError)
		d.logger.Warn("failed to acquire refresh marker",
			observability.Route(route),
			observability.CacheKey(j.md.Key),
			observability.Error(err),
		)
		return
	}
	if !acquired {
		d.metrics.count(route, j.reason, resultDeduplicated)
		d.logger.Debug("refresh in flight on another instance",
			observability.Route(route),
			observability.CacheKey(j.md.Key),
		)
		return
	}
	defer d.release(marker, token)

	// Past the marker TTL another instance may take the key over.
	callCtx, cancelCall := context.WithDeadline(ctx, time.Now().Add(d.cfg.InflightTTL))
	defer cancelCall()

	start := time.Now()
	err = d.call(callCtx, j.md)
	d.metrics.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())

	if err != nil {
		d.metrics.count(route, j.reason, resultFailed)
		d.logger.Warn("background refresh failed",
			observability.Route(route),
			observability.CacheKey(j.md.Key),
			observability.String("reason", j.reason),
			observability.Error(err),
		)
		return
	}
	d.metrics.count(route, j.reason, resultSucceeded)
	d.logger.Debug("background refresh completed",
		observability.Route(route),
		observability.CacheKey(j.md.Key),
		observability.String("reason", j.reason),
	)
}

// finish runs for every job, including one that panicked.
func (d *Dispatcher) finish(j job) {
	d.unclaim(j.md.Key)
	d.inflight.Add(-1)
	d.metrics.inflight.Dec()
	d.metrics.queue.Set(float64(d.pool.depth()))
}

func (d *Dispatcher) onPanic(j job, recovered any) {
	d.metrics.count(j.md.RouteID(), j.reason, resultError)
	d.logger.Error("background refresh panicked",
		observability.Route(j.md.RouteID()),
		observability.CacheKey(j.md.Key),
		observability.Any("panic", recovered),
	)
}

// release deletes marker only while it still holds token, so a marker
// that expired and was taken by another instance is left alone.
func (d *Dispatcher) release(marker, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), markerReleaseTimeout)
	defer cancel()
	deleted, err := d.store.DeleteIfValue(ctx, marker, []byte(token))
	switch {
	case err != nil:
		d.logger.Warn("failed to release refresh marker",
			observability.CacheKey(marker),
			observability.Error(err),
		)
	case !deleted:
		d.logger.Debug("refresh marker expired before release", observability.CacheKey(marker))
	}
}

func (d *Dispatcher) call(ctx context.Context, md cache.Metadata) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	method := md.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, d.cfg.BaseURL+md.RequestURI(), http.NoBody)
	if err != nil {
		return fmt.Errorf("build loop-back request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set(cache.HeaderCacheBypass, "1")
	req.Header.Set(cache.HeaderRefresh, d.instanceID)
	if md.TenantID != "" && d.cfg.TenantHeader != "" {
		req.Header.Set(d.cfg.TenantHeader, md.TenantID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("loop-back %s %s: %w", method, md.RequestURI(), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return nil
}
