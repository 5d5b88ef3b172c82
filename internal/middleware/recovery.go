package middleware

import (
	"errors"
	"io"
	"net/http"
	"runtime/debug"

	"github.com/vyrodovalexey/avacache/internal/observability"
)

// Recovery turns a panic in the route handler into a 500 with a JSON
// body. http.ErrAbortHandler is re-raised so net/http aborts the
// connection as usual.
func Recovery(routeID string, logger observability.Logger, m *Metrics) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	logger = logger.With(observability.Route(routeID))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(v)
				}

				logger.WithContext(r.Context()).Error("route handler panicked",
					observability.String("method", r.Method),
					observability.String("path", r.URL.Path),
					observability.Any("panic", v),
					observability.String("stack", string(debug.Stack())),
				)
				m.panicked()

				w.Header().Set(HeaderContentType, ContentTypeJSON)
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(w, ErrInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
