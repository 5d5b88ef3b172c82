// Package middleware provides the HTTP middleware of the gateway request
// path.
//
// # Middleware Components
//
//   - Cache: serves FRESH and STALE entries, answers conditional requests
//     with 304 and stores downstream responses on a miss
//   - AccessLog: structured request logging and request metrics
//   - Recovery: panic recovery with stack trace logging
//   - RequestID: request identifier propagation
//
// # Usage
//
// Middleware functions follow the standard Go pattern:
//
//	handler := middleware.RequestID(nil)(
//	    middleware.AccessLog(routeID, logger, metrics)(
//	        middleware.Recovery(routeID, logger, metrics)(
//	            middleware.Cache(engine, routeID, tenantHeader, logger)(backend),
//	        ),
//	    ),
//	)
package middleware
