package cache

// Headers exchanged between the cache middleware, the refresh dispatcher
// and clients.
const (
	// HeaderCache reports the lookup outcome to the client.
	HeaderCache = "X-Cache"

	// HeaderCacheBypass forces a downstream call and a store.
	HeaderCacheBypass = "X-Cache-Bypass"

	// HeaderRefresh marks loop-back calls with the issuing instance id.
	HeaderRefresh = "X-Gateway-Refresh"
)
