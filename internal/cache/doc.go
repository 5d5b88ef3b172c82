// Package cache implements the tenant-aware response cache.
//
// The Engine resolves a canonical key for a route and request, reads the
// shared store and classifies the entry:
//
//   - FRESH: now is before the entry's stale point; serve it.
//   - STALE: the entry is past its stale point but not expired; serve it
//     and ask the Revalidator to refresh it in the background.
//   - NOT_MODIFIED: the client's If-None-Match matches the entry ETag.
//   - MISS: no usable entry; the caller fetches downstream and calls Store.
//
// Store failures never fail a request: they degrade to MISS and are
// logged. Entries are kept in the store for a retention period past their
// expiry so that Lookup can still return them to the fallback path while a
// downstream circuit breaker is open.
//
// Route policies and the global switch live in an immutable Settings
// snapshot held by a SettingsHolder. A configuration reload builds a new
// snapshot and swaps it in one step.
package cache
