package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// CachedResponse is the persisted cache entry.
type CachedResponse struct {
	StatusCode int         `json:"statusCode"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	ETag       string      `json:"etag,omitempty"`
	CachedAt   time.Time   `json:"cachedAt"`
	StaleAt    time.Time   `json:"staleAt"`
	ExpiresAt  time.Time   `json:"expiresAt"`
}

// Response is a downstream response offered to the cache.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StateAt classifies the entry for the normal read path.
func (c *CachedResponse) StateAt(now time.Time) State {
	switch {
	case !now.Before(c.ExpiresAt):
		return StateMiss
	case now.Before(c.StaleAt):
		return StateFresh
	default:
		return StateStale
	}
}

// fallbackStateAt classifies the entry for the fallback path, where an
// expired entry is still usable.
func (c *CachedResponse) fallbackStateAt(now time.Time) State {
	if now.Before(c.StaleAt) {
		return StateFresh
	}
	return StateStale
}

func encodeEntry(c *CachedResponse) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (*CachedResponse, error) {
	var c CachedResponse
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	if c.StatusCode < 100 || c.StatusCode > 999 || c.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("decode cache entry: incomplete entry")
	}
	return &c, nil
}

// hopHeaders are never stored with a cached response.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Set-Cookie",
	"Date",
}

// storableHeader copies h without hop-by-hop, per-client and cache
// annotation headers.
func storableHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, name := range hopHeaders {
		out.Del(name)
	}
	for name := range out {
		if strings.HasPrefix(name, "X-Cache") {
			delete(out, name)
		}
	}
	return out
}

// entityTag returns the response ETag, or a strong tag derived from the
// body when the downstream did not send one.
func entityTag(h http.Header, body []byte) string {
	if etag := h.Get("ETag"); etag != "" {
		return etag
	}
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// etagMatches implements the weak comparison If-None-Match uses.
func etagMatches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" || etag == "" {
		return false
	}
	target := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if strings.TrimPrefix(candidate, "W/") == target {
			return true
		}
	}
	return false
}
