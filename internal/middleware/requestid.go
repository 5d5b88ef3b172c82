package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avacache/internal/observability"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestID propagates the caller's request id, or generates one, into the
// request context and the response. A nil generate uses random UUIDs.
// Loop-back refresh calls reuse the id of the instance that issued them
// so the originating and the refreshing request can be correlated.
func RequestID(generate func() string) func(http.Handler) http.Handler {
	if generate == nil {
		generate = func() string { return uuid.New().String() }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = generate()
			}

			ctx := observability.ContextWithRequestID(r.Context(), requestID)
			w.Header().Set(RequestIDHeader, requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
