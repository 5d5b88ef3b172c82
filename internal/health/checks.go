package health

import (
	"context"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avacache/internal/circuitbreaker"
	"github.com/vyrodovalexey/avacache/internal/store"
)

// StoreCheck pings the cache store. A failing store degrades the gateway
// without making it unready, since every lookup then turns into a miss.
func StoreCheck(p store.Pinger) CheckFunc {
	return func(ctx context.Context) Check {
		if err := p.Ping(ctx); err != nil {
			return Check{Status: StatusDegraded, Message: err.Error()}
		}
		return Check{Status: StatusHealthy}
	}
}

// Connection reports whether a broker connection is up.
type Connection interface {
	IsConnected() bool
}

// ConnectionCheck reports a lost notification connection as degraded:
// entries then live until their TTL instead of being invalidated early.
func ConnectionCheck(conn Connection) CheckFunc {
	return func(context.Context) Check {
		if !conn.IsConnected() {
			return Check{Status: StatusDegraded, Message: "not connected"}
		}
		return Check{Status: StatusHealthy}
	}
}

// BreakerCheck reports open route breakers.
func BreakerCheck(r *circuitbreaker.Registry) CheckFunc {
	return func(context.Context) Check {
		var open []string
		for _, name := range r.Names() {
			if b, ok := r.Get(name); ok && b.State() == gobreaker.StateOpen {
				open = append(open, name)
			}
		}
		if len(open) > 0 {
			return Check{Status: StatusDegraded, Message: "open: " + strings.Join(open, ",")}
		}
		return Check{Status: StatusHealthy}
	}
}
