package cache

// State is the freshness classification of a lookup.
type State int

// Lookup states.
const (
	StateMiss State = iota
	StateFresh
	StateStale
	StateNotModified
)

// String returns the state name used in headers and fallback metadata.
func (s State) String() string {
	switch s {
	case StateFresh:
		return "FRESH"
	case StateStale:
		return "STALE"
	case StateNotModified:
		return "NOT_MODIFIED"
	default:
		return "MISS"
	}
}

// outcome is the metric label for a lookup result.
func (s State) outcome() string {
	switch s {
	case StateFresh:
		return "hit"
	case StateStale:
		return "stale"
	case StateNotModified:
		return "not-modified"
	default:
		return "miss"
	}
}

// Servable reports whether the result carries a response to send.
func (s State) Servable() bool {
	return s == StateFresh || s == StateStale || s == StateNotModified
}

// Result is the outcome of a lookup. Response is non-nil whenever the
// state is servable.
type Result struct {
	State    State
	Metadata Metadata
	Response *CachedResponse
}
