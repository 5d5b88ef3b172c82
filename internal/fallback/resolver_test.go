package fallback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avacache/internal/cache"
	"github.com/vyrodovalexey/avacache/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	resolver *Resolver
	engine   *cache.Engine
	holder   *cache.SettingsHolder
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem := store.NewMemory(nil, store.WithClock(clk.Now))
	t.Cleanup(func() { _ = mem.Close() })

	settings, err := cache.NewSettings(true, 10*time.Minute,
		cache.RouteCachePolicy{
			RouteID: "billing", Method: http.MethodGet, TTL: time.Minute,
			StaleAfter: 30 * time.Second, TenantScoped: true, KeyPrefix: "resp:",
		},
	)
	require.NoError(t, err)
	holder := cache.NewSettingsHolder(settings)
	engine := cache.NewEngine(mem, holder, cache.WithClock(clk.Now))

	return &fixture{
		resolver: NewResolver(engine, WithRegisterer(prometheus.NewRegistry())),
		engine:   engine,
		holder:   holder,
		clock:    clk,
	}
}

var acmeBilling = cache.RequestContext{Method: http.MethodGet, Path: "/billing/invoices", TenantID: "acme"}

func (f *fixture) storeBilling(t *testing.T) cache.Metadata {
	t.Helper()

	md, ok := f.engine.Resolve("billing", acmeBilling)
	require.True(t, ok)
	require.NoError(t, f.engine.Store(context.Background(), md, cache.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       []byte(`{"invoices":[]}`),
	}))
	return md
}

func TestResolver_BillingBreakerOpenScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	md := f.storeBilling(t)
	cachedAt := f.clock.Now()

	// Well past expiry but still retained by the store.
	f.clock.Advance(5 * time.Minute)
	require.Equal(t, cache.StateMiss, f.engine.Find(context.Background(), "billing", acmeBilling).State)

	p, ok := f.resolver.Resolve(context.Background(), "billing", acmeBilling)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, p.StatusCode)
	assert.Equal(t, []byte(`{"invoices":[]}`), p.Body)
	assert.Equal(t, cache.StateStale, p.State)
	assert.Equal(t, map[string]string{
		MetaCacheKey:   md.Key,
		MetaRouteID:    "billing",
		MetaCacheState: "STALE",
		MetaCachedAt:   cachedAt.Format(time.RFC3339Nano),
		MetaStaleAt:    cachedAt.Add(30 * time.Second).Format(time.RFC3339Nano),
		MetaExpiresAt:  cachedAt.Add(time.Minute).Format(time.RFC3339Nano),
	}, p.Metadata)

	rec := httptest.NewRecorder()
	require.NoError(t, p.WriteResponse(rec))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"invoices":[]}`, rec.Body.String())
	assert.Equal(t, CacheFallback, rec.Header().Get(cache.HeaderCache))
	assert.Equal(t, "STALE", rec.Header().Get(HeaderCacheState))
	assert.Equal(t, md.Key, rec.Header().Get(HeaderCacheKey))
	assert.Equal(t, "billing", rec.Header().Get(HeaderCacheRoute))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `110 - "Response is Stale"`, rec.Header().Get("Warning"))
	assert.Equal(t, "15", rec.Header().Get("Content-Length"))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.resolver.served.WithLabelValues("billing", "served")))
}

func TestResolver_FreshEntry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.storeBilling(t)
	f.clock.Advance(10 * time.Second)

	p, ok := f.resolver.Resolve(context.Background(), "billing", acmeBilling)
	require.True(t, ok)
	assert.Equal(t, cache.StateFresh, p.State)
	assert.Equal(t, "FRESH", p.Metadata[MetaCacheState])

	rec := httptest.NewRecorder()
	require.NoError(t, p.WriteResponse(rec))
	assert.Empty(t, rec.Header().Get("Warning"))
	assert.Equal(t, "FRESH", rec.Header().Get(HeaderCacheState))
}

func TestResolver_Empty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		routeID string
		req     cache.RequestContext
		setup   func(t *testing.T, f *fixture)
	}{
		{
			name:    "no entry",
			routeID: "billing",
			req:     acmeBilling,
		},
		{
			name:    "other tenant",
			routeID: "billing",
			req:     cache.RequestContext{Method: http.MethodGet, Path: "/billing/invoices", TenantID: "other"},
			setup:   func(t *testing.T, f *fixture) { f.storeBilling(t) },
		},
		{
			name:    "route without policy",
			routeID: "orders",
			req:     acmeBilling,
		},
		{
			name:    "evicted by the store",
			routeID: "billing",
			req:     acmeBilling,
			setup: func(t *testing.T, f *fixture) {
				f.storeBilling(t)
				f.clock.Advance(time.Minute + 10*time.Minute)
			},
		},
		{
			name:    "caching disabled",
			routeID: "billing",
			req:     acmeBilling,
			setup: func(t *testing.T, f *fixture) {
				f.storeBilling(t)
				off, err := cache.NewSettings(false, 0)
				require.NoError(t, err)
				f.holder.Swap(off)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(t, f)
			}
			p, ok := f.resolver.Resolve(context.Background(), tt.routeID, tt.req)
			assert.False(t, ok)
			assert.Nil(t, p)
		})
	}
}

func TestPayload_HeadersAreCopied(t *testing.T) {
	t.Parallel()

	p := &Payload{
		StatusCode: http.StatusAccepted,
		Header:     http.Header{"X-Custom": {"a", "b"}},
		State:      cache.StateFresh,
		Metadata:   map[string]string{MetaCacheState: "FRESH"},
	}
	rec := httptest.NewRecorder()
	require.NoError(t, p.WriteResponse(rec))

	rec.Header()["X-Custom"][0] = "changed"
	assert.Equal(t, "a", p.Header.Get("X-Custom"))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("Content-Length"))
}
