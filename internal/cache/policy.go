package cache

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vyrodovalexey/avacache/internal/config"
)

// ErrInvalidPolicy is returned for a policy that cannot be used.
var ErrInvalidPolicy = errors.New("invalid cache policy")

// RouteCachePolicy is the cache configuration of one route.
type RouteCachePolicy struct {
	RouteID string
	Method  string
	TTL     time.Duration

	// StaleAfter starts the stale-while-revalidate window. Zero, or a value
	// not below TTL, makes the entry fresh until it expires.
	StaleAfter time.Duration

	Warm         bool
	TenantScoped bool

	// Path is the route pattern, used for warming when WarmPath is empty.
	Path string

	// WarmPath may contain {tenant} or {tenantId}.
	WarmPath  string
	KeyPrefix string
}

// Validate checks the policy invariants.
func (p *RouteCachePolicy) Validate() error {
	if p.RouteID == "" {
		return fmt.Errorf("%w: route id is required", ErrInvalidPolicy)
	}
	if strings.Contains(p.RouteID, ":") {
		return fmt.Errorf("%w: route id %q must not contain ':'", ErrInvalidPolicy, p.RouteID)
	}
	if p.TTL <= 0 {
		return fmt.Errorf("%w: route %s: ttl must be positive", ErrInvalidPolicy, p.RouteID)
	}
	if p.StaleAfter < 0 {
		return fmt.Errorf("%w: route %s: staleAfter must not be negative", ErrInvalidPolicy, p.RouteID)
	}
	return nil
}

// Window returns the stale and expiry instants of an entry cached at
// cachedAt. cachedAt <= staleAt <= expiresAt always holds.
func (p *RouteCachePolicy) Window(cachedAt time.Time) (staleAt, expiresAt time.Time) {
	expiresAt = cachedAt.Add(p.TTL)
	if p.StaleAfter > 0 && p.StaleAfter < p.TTL {
		return cachedAt.Add(p.StaleAfter), expiresAt
	}
	return expiresAt, expiresAt
}

// PolicyFromRoute builds the policy of a configured route. It returns nil
// when the route has no cache section.
func PolicyFromRoute(route *config.RouteConfig, defaultPrefix string) *RouteCachePolicy {
	if route == nil || route.Cache == nil {
		return nil
	}
	c := route.Cache
	prefix := c.KeyPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	method := strings.ToUpper(route.Method)
	if method == "" {
		method = http.MethodGet
	}
	return &RouteCachePolicy{
		RouteID:      route.ID,
		Method:       method,
		TTL:          c.TTL.Duration(),
		StaleAfter:   c.StaleAfter.Duration(),
		Warm:         c.Warm,
		TenantScoped: c.TenantScoped,
		Path:         route.Path,
		WarmPath:     c.WarmPath,
		KeyPrefix:    prefix,
	}
}
