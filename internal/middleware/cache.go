package middleware

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vyrodovalexey/avacache/internal/cache"
	"github.com/vyrodovalexey/avacache/internal/fallback"
	"github.com/vyrodovalexey/avacache/internal/observability"
)

// maxStoredBody caps the body kept for one entry.
const maxStoredBody = 10 << 20

// storeTimeout bounds the cache write after the response has been sent.
const storeTimeout = 5 * time.Second

const staleWarning = `110 - "Response is Stale"`

type cacheMiddleware struct {
	engine       *cache.Engine
	routeID      string
	tenantHeader string
	logger       observability.Logger
}

// Cache serves requests to routeID from the response cache and stores
// downstream responses on a miss. Only requests with the method of the
// route's cache policy take part. Request Cache-Control no-store skips the
// cache entirely; no-cache and X-Cache-Bypass skip the lookup but still
// store the fresh response, which is how loop-back refreshes replace stale
// entries. Only 2xx responses are stored.
func Cache(
	engine *cache.Engine,
	routeID, tenantHeader string,
	logger observability.Logger,
) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	cm := &cacheMiddleware{
		engine:       engine,
		routeID:      routeID,
		tenantHeader: tenantHeader,
		logger:       logger,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cm.takesPart(r) {
				next.ServeHTTP(w, r)
				return
			}

			req := cache.RequestContextFromHTTP(r, cm.tenantHeader)
			md, ok := cm.lookup(w, r, req)
			if !ok {
				return
			}
			if md.Key == "" {
				next.ServeHTTP(w, r)
				return
			}

			cm.captureAndStore(w, r, next, md)
		})
	}
}

// takesPart reports whether r goes through the cache at all.
func (cm *cacheMiddleware) takesPart(r *http.Request) bool {
	if isWebSocketUpgrade(r) || hasDirective(r.Header.Get(HeaderCacheControl), "no-store") {
		return false
	}
	policy, ok := cm.engine.Settings().Policy(cm.routeID)
	if !ok || !cm.engine.Enabled() {
		return false
	}
	return r.Method == policy.Method
}

// lookup consults the cache unless the request asks to bypass it. It
// reports false when the response has already been written. The returned
// metadata has an empty key when nothing should be stored.
func (cm *cacheMiddleware) lookup(w http.ResponseWriter, r *http.Request, req cache.RequestContext) (cache.Metadata, bool) {
	if isBypass(r) {
		md, ok := cm.engine.Resolve(cm.routeID, req)
		if !ok {
			return cache.Metadata{}, true
		}
		w.Header().Set(cache.HeaderCache, CacheBypass)
		return md, true
	}

	result := cm.engine.Find(r.Context(), cm.routeID, req)
	if result.State.Servable() {
		writeCachedResponse(w, result)
		cm.logger.Debug("served from cache",
			observability.Route(cm.routeID),
			observability.CacheKey(result.Metadata.Key),
			observability.String("state", result.State.String()),
		)
		return cache.Metadata{}, false
	}

	w.Header().Set(cache.HeaderCache, CacheMiss)
	return result.Metadata, true
}

// writeCachedResponse writes a servable lookup result to the client.
func writeCachedResponse(w http.ResponseWriter, result cache.Result) {
	entry := result.Response
	h := w.Header()
	for k, vals := range entry.Header {
		h[k] = append([]string(nil), vals...)
	}
	if entry.ETag != "" {
		h.Set(HeaderETag, entry.ETag)
	}

	switch result.State {
	case cache.StateNotModified:
		h.Set(cache.HeaderCache, CacheHit)
		h.Del("Content-Length")
		w.WriteHeader(http.StatusNotModified)
		return
	case cache.StateStale:
		h.Set(cache.HeaderCache, CacheStale)
		h.Set(HeaderWarning, staleWarning)
	default:
		h.Set(cache.HeaderCache, CacheHit)
	}

	h.Set("Content-Length", strconv.Itoa(len(entry.Body)))
	w.WriteHeader(entry.StatusCode)
	_, _ = w.Write(entry.Body)
}

// captureAndStore runs next, forwarding its response to the client, and
// stores the captured response under md.
func (cm *cacheMiddleware) captureAndStore(
	w http.ResponseWriter,
	r *http.Request,
	next http.Handler,
	md cache.Metadata,
) {
	out := newCapture(w, maxStoredBody)
	next.ServeHTTP(out, r)

	if !out.storable() {
		if out.overflow {
			cm.logger.Debug("response too large to cache",
				observability.Route(cm.routeID),
				observability.CacheKey(md.Key),
			)
		}
		return
	}
	// A fallback answer is a replay of an existing entry, not fresh data.
	if out.Header().Get(cache.HeaderCache) == fallback.CacheFallback {
		return
	}
	cc := out.Header().Get(HeaderCacheControl)
	if hasDirective(cc, "no-store") || hasDirective(cc, "private") {
		return
	}

	header := out.Header().Clone()
	header.Del(RequestIDHeader)

	// The client may be gone already; the write must still happen.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), storeTimeout)
	defer cancel()

	if err := cm.engine.Store(ctx, md, cache.Response{
		StatusCode: out.status,
		Header:     header,
		Body:       out.buf.Bytes(),
	}); err != nil {
		cm.logger.Debug("cache store write failed",
			observability.Route(cm.routeID),
			observability.CacheKey(md.Key),
			observability.Error(err),
		)
	}
}

func isBypass(r *http.Request) bool {
	return r.Header.Get(cache.HeaderCacheBypass) != "" ||
		hasDirective(r.Header.Get(HeaderCacheControl), "no-cache")
}

// hasDirective reports whether a Cache-Control value carries name.
func hasDirective(cacheControl, name string) bool {
	if cacheControl == "" {
		return false
	}
	for _, part := range strings.Split(cacheControl, ",") {
		directive, _, _ := strings.Cut(strings.TrimSpace(part), "=")
		if strings.EqualFold(directive, name) {
			return true
		}
	}
	return false
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	return hasDirective(r.Header.Get("Connection"), "upgrade")
}

// capture tees a downstream response to the client and to a buffer of at
// most limit bytes. An oversized body is forwarded but not kept.
type capture struct {
	http.ResponseWriter
	status   int
	buf      bytes.Buffer
	limit    int
	overflow bool
	started  bool
}

func newCapture(w http.ResponseWriter, limit int) *capture {
	return &capture{ResponseWriter: w, status: http.StatusOK, limit: limit}
}

// storable reports whether the captured answer may be cached: a complete
// 2xx body.
func (c *capture) storable() bool {
	return !c.overflow && c.status >= 200 && c.status < 300
}

func (c *capture) WriteHeader(code int) {
	if c.started {
		return
	}
	c.started = true
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *capture) Write(b []byte) (int, error) {
	c.WriteHeader(http.StatusOK)
	switch {
	case c.overflow:
	case c.buf.Len()+len(b) > c.limit:
		c.overflow = true
		c.buf = bytes.Buffer{}
	default:
		c.buf.Write(b)
	}
	return c.ResponseWriter.Write(b)
}

func (c *capture) Flush() {
	_ = http.NewResponseController(c.ResponseWriter).Flush()
}

func (c *capture) Unwrap() http.ResponseWriter {
	return c.ResponseWriter
}
