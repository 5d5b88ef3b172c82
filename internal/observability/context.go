package observability

import "context"

type ctxKey int

const (
	requestIDKey ctxKey = iota
	traceIDKey
)

// ContextWithRequestID returns ctx carrying the request id.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id of ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// ContextWithTraceID returns ctx carrying the trace id.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext returns the trace id of ctx, if any.
func TraceIDFromContext(ctx context.Context) string {
	return stringValue(ctx, traceIDKey)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// contextFields are the log fields correlating a record with its request.
func contextFields(ctx context.Context) []Field {
	var fields []Field
	if id := stringValue(ctx, requestIDKey); id != "" {
		fields = append(fields, String("request_id", id))
	}
	if id := stringValue(ctx, traceIDKey); id != "" {
		fields = append(fields, String("trace_id", id))
	}
	return fields
}
