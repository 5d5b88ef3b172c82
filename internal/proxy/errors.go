package proxy

import "errors"

// Sentinel errors for proxy operations.
var (
	// ErrInvalidBackend indicates that the route backend URL is unusable.
	ErrInvalidBackend = errors.New("invalid backend URL")

	// ErrUpstreamStatus marks a 5xx answer from the backend. It is what
	// the circuit breaker counts for responses that did reach the client.
	ErrUpstreamStatus = errors.New("upstream error status")
)

// Error response bodies.
const (
	errBadGateway         = `{"error":"bad gateway","message":"failed to proxy request"}`
	errGatewayTimeout     = `{"error":"gateway timeout"}`
	errServiceUnavailable = `{"error":"service unavailable","message":"circuit breaker open"}`
)
