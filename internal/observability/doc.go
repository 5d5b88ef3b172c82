// Package observability provides logging and tracing for the gateway
// response cache.
//
// # Logging
//
// The Logger interface wraps zap and is passed into every component:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Warn("cache store unavailable, treating as miss",
//	    observability.Route("catalog-plans"),
//	    observability.CacheKey(key),
//	    observability.Error(err),
//	)
//
// # Tracing
//
// NewTracer installs an OpenTelemetry tracer provider with an optional
// OTLP gRPC exporter. Store operations start client spans on the global
// provider, so they are no-ops until tracing is enabled.
package observability
