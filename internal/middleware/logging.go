package middleware

import (
	"net/http"
	"time"

	"github.com/vyrodovalexey/avacache/internal/cache"
	"github.com/vyrodovalexey/avacache/internal/observability"
)

// AccessLog writes one "http request" line per request of routeID and
// records the request metrics. The cache outcome comes from the X-Cache
// header of the answer. Loop-back refresh calls log at debug level.
func AccessLog(routeID string, logger observability.Logger, m *Metrics) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	logger = logger.With(observability.Route(routeID))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &sizeWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)
			took := time.Since(start)

			status := sw.statusCode()
			outcome := sw.Header().Get(cache.HeaderCache)
			m.observe(routeID, r.Method, status, outcome, took)

			l := logger.WithContext(r.Context())
			log := l.Info
			if r.Header.Get(cache.HeaderRefresh) != "" {
				log = l.Debug
			}
			log("http request",
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.String("query", r.URL.RawQuery),
				observability.Int("status", status),
				observability.Int("size", sw.size),
				observability.String("cache", outcome),
				observability.Duration("duration", took),
				observability.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// sizeWriter counts the body bytes written and remembers the status.
type sizeWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *sizeWriter) statusCode() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *sizeWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *sizeWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

func (w *sizeWriter) Flush() {
	_ = http.NewResponseController(w.ResponseWriter).Flush()
}

func (w *sizeWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
