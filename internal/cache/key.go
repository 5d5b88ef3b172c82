package cache

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// AnonymousTenant names the partition used for tenant-scoped routes when
// the request carries no tenant.
const AnonymousTenant = "anonymous"

// RequestContext is the part of a request the cache keys on.
type RequestContext struct {
	Method string

	// Path is the escaped request path as it goes to the backend, so
	// "/a%3Fb" and "/a?b" stay distinct.
	Path     string
	RawQuery string

	// TenantID is the resolved tenant identity, empty when unknown.
	TenantID string

	// IfNoneMatch is the client's conditional validator, if any.
	IfNoneMatch string
}

// RequestContextFromHTTP extracts the cache-relevant fields of r. The
// tenant is read from tenantHeader.
func RequestContextFromHTTP(r *http.Request, tenantHeader string) RequestContext {
	rc := RequestContext{
		Method:      r.Method,
		Path:        r.URL.EscapedPath(),
		RawQuery:    r.URL.RawQuery,
		IfNoneMatch: r.Header.Get("If-None-Match"),
	}
	if tenantHeader != "" {
		rc.TenantID = strings.TrimSpace(r.Header.Get(tenantHeader))
	}
	return rc
}

// Metadata identifies one cacheable request.
type Metadata struct {
	Key    string
	Policy *RouteCachePolicy

	// TenantID is empty for routes that are not tenant-scoped and for
	// anonymous requests to tenant-scoped routes.
	TenantID string

	Method string

	// Path is escaped and re-issued verbatim by RequestURI.
	Path string

	// Query is the canonical query string.
	Query string
}

// Partition returns the tenant partition of the entry: the tenant id,
// AnonymousTenant, or "" for routes that are not tenant-scoped.
func (m Metadata) Partition() string {
	if m.Policy == nil || !m.Policy.TenantScoped {
		return ""
	}
	if m.TenantID == "" {
		return AnonymousTenant
	}
	return m.TenantID
}

// RouteID returns the id of the route the metadata belongs to.
func (m Metadata) RouteID() string {
	if m.Policy == nil {
		return ""
	}
	return m.Policy.RouteID
}

// RequestURI returns the path and canonical query to re-issue the request.
func (m Metadata) RequestURI() string {
	if m.Query == "" {
		return m.Path
	}
	return m.Path + "?" + m.Query
}

// ResolveKey computes the metadata of req under policy. The key layout is
//
//	<prefix><routeID>:<METHOD>:<path>[?<query>][|t=<tenant>|anon]
//
// The tenant segment is present only for tenant-scoped routes. An absent
// tenant maps to a separate "anon" partition that no real tenant id can
// produce.
func ResolveKey(policy *RouteCachePolicy, req RequestContext) Metadata {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = policy.Method
	}
	path := req.Path
	if path == "" {
		path = "/"
	}
	query := CanonicalQuery(req.RawQuery)

	var b strings.Builder
	b.Grow(len(policy.KeyPrefix) + len(policy.RouteID) + len(method) + len(path) + len(query) + 16)
	b.WriteString(policy.KeyPrefix)
	b.WriteString(policy.RouteID)
	b.WriteByte(':')
	b.WriteString(method)
	b.WriteByte(':')
	b.WriteString(path)
	if query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}

	md := Metadata{
		Policy: policy,
		Method: method,
		Path:   path,
		Query:  query,
	}

	if policy.TenantScoped {
		md.TenantID = req.TenantID
		if req.TenantID == "" {
			b.WriteString("|anon")
		} else {
			b.WriteString("|t=")
			b.WriteString(url.QueryEscape(req.TenantID))
		}
	}

	md.Key = b.String()
	return md
}

// CanonicalQuery sorts parameters by name and the values of each name, and
// re-encodes them. Equivalent query strings yield the same result.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	// ParseQuery keeps every well-formed pair even when it reports an error.
	values, _ := url.ParseQuery(raw)
	if len(values) == 0 {
		return ""
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		vals := append([]string(nil), values[name]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
