package cache

import "net/url"

const indexPrefix = "idx:route:"

// RouteIndexKey is the set of every cached key of a route.
func RouteIndexKey(routeID string) string {
	return indexPrefix + routeID
}

// TenantIndexKey is the set of cached keys of a tenant-scoped route for
// one tenant. An empty tenant id names the anonymous partition, which no
// tenant id can collide with.
func TenantIndexKey(routeID, tenantID string) string {
	if tenantID == "" {
		return indexPrefix + routeID + ":anon"
	}
	return indexPrefix + routeID + ":tenant:" + url.QueryEscape(tenantID)
}

// indexKeys returns the sets md's key belongs to.
func indexKeys(md Metadata) []string {
	keys := []string{RouteIndexKey(md.RouteID())}
	if md.Policy != nil && md.Policy.TenantScoped {
		keys = append(keys, TenantIndexKey(md.RouteID(), md.TenantID))
	}
	return keys
}
