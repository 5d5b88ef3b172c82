package middleware

// HTTP header constants.
const (
	// HeaderContentType is the Content-Type header name.
	HeaderContentType = "Content-Type"

	// HeaderCacheControl is the Cache-Control header name.
	HeaderCacheControl = "Cache-Control"

	// HeaderETag is the ETag header name.
	HeaderETag = "ETag"

	// HeaderWarning is the Warning header name.
	HeaderWarning = "Warning"
)

// ContentTypeJSON is the JSON content type.
const ContentTypeJSON = "application/json"

// X-Cache values.
const (
	CacheHit    = "HIT"
	CacheStale  = "STALE"
	CacheMiss   = "MISS"
	CacheBypass = "BYPASS"
)

// Error response constants.
const (
	// ErrInternalServerError is the error message for internal server error.
	ErrInternalServerError = `{"error":"internal server error"}`
)
