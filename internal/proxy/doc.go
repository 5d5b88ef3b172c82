// Package proxy forwards a configured route to its backend.
//
// Each route gets an httputil.ReverseProxy guarded by the route's circuit
// breaker. Transport errors and 5xx answers count as breaker failures.
// While the breaker is open the route answers from the response cache
// through the fallback resolver, or with 503 when nothing usable is
// cached.
//
// # Usage
//
//	route, err := proxy.New(&routeConfig,
//	    proxy.WithLogger(logger),
//	    proxy.WithBreakers(breakers),
//	    proxy.WithFallback(resolver, tenantHeader),
//	)
//	if err != nil {
//	    return err
//	}
//	mux.Handle(routeConfig.Path, route)
package proxy
