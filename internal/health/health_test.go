package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avacache/internal/circuitbreaker"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type connection bool

func (c connection) IsConnected() bool { return bool(c) }

func fixed(status Status) CheckFunc {
	return func(context.Context) Check { return Check{Status: status} }
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		checks         map[string]CheckFunc
		expectedStatus Status
		expectedCode   int
	}{
		{
			name:           "no checks",
			expectedStatus: StatusHealthy,
			expectedCode:   http.StatusOK,
		},
		{
			name:           "all healthy",
			checks:         map[string]CheckFunc{"store": fixed(StatusHealthy), "nats": fixed(StatusHealthy)},
			expectedStatus: StatusHealthy,
			expectedCode:   http.StatusOK,
		},
		{
			name:           "degraded stays ready",
			checks:         map[string]CheckFunc{"store": fixed(StatusDegraded), "nats": fixed(StatusHealthy)},
			expectedStatus: StatusDegraded,
			expectedCode:   http.StatusOK,
		},
		{
			name:           "unhealthy wins",
			checks:         map[string]CheckFunc{"store": fixed(StatusDegraded), "nats": fixed(StatusUnhealthy)},
			expectedStatus: StatusUnhealthy,
			expectedCode:   http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := NewChecker("1.0.0")
			for name, fn := range tt.checks {
				c.RegisterCheck(name, fn)
			}

			rec := httptest.NewRecorder()
			c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			assert.Equal(t, tt.expectedCode, rec.Code)
			var resp ReadinessResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.expectedStatus, resp.Status)
			assert.Len(t, resp.Checks, len(tt.checks))
		})
	}
}

func TestChecker_HealthAndUnregister(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry(), nil)
	c := NewChecker("1.2.3", WithMetrics(m), WithTimeout(time.Second))
	c.RegisterCheck("store", fixed(StatusUnhealthy))

	rec := httptest.NewRecorder()
	c.HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, StatusHealthy, health.Status)
	assert.Equal(t, "1.2.3", health.Version)

	assert.Equal(t, StatusUnhealthy, c.Readiness(context.Background()).Status)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.status.WithLabelValues("store")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("store", "unhealthy")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))

	c.UnregisterCheck("store")
	assert.Equal(t, StatusHealthy, c.Readiness(context.Background()).Status)
}

func TestChecker_ChecksSeeDeadline(t *testing.T) {
	t.Parallel()

	c := NewChecker("", WithTimeout(50*time.Millisecond))
	c.RegisterCheck("slow", func(ctx context.Context) Check {
		if _, ok := ctx.Deadline(); !ok {
			return Check{Status: StatusUnhealthy, Message: "no deadline"}
		}
		return Check{Status: StatusHealthy}
	})
	assert.Equal(t, StatusHealthy, c.Readiness(context.Background()).Status)
}

func TestDependencyChecks(t *testing.T) {
	t.Parallel()

	open := circuitbreaker.NewRegistry(nil, nil)
	b := open.Set("billing", circuitbreaker.Settings{Threshold: 1, FailureRatio: 0.5, Timeout: time.Minute, HalfOpenRequests: 1})
	_ = b.Execute(func() error { return errors.New("down") })
	closed := circuitbreaker.NewRegistry(nil, nil)
	closed.Set("plans", circuitbreaker.Settings{Threshold: 1, Timeout: time.Minute})

	tests := []struct {
		name     string
		check    CheckFunc
		expected Check
	}{
		{name: "store up", check: StoreCheck(pinger{}), expected: Check{Status: StatusHealthy}},
		{
			name:     "store down",
			check:    StoreCheck(pinger{err: errors.New("connection refused")}),
			expected: Check{Status: StatusDegraded, Message: "connection refused"},
		},
		{name: "connected", check: ConnectionCheck(connection(true)), expected: Check{Status: StatusHealthy}},
		{
			name:     "disconnected",
			check:    ConnectionCheck(connection(false)),
			expected: Check{Status: StatusDegraded, Message: "not connected"},
		},
		{name: "breakers closed", check: BreakerCheck(closed), expected: Check{Status: StatusHealthy}},
		{
			name:     "breaker open",
			check:    BreakerCheck(open),
			expected: Check{Status: StatusDegraded, Message: "open: billing"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, tt.check(context.Background()))
		})
	}
}
