package http

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"callpilot/pkg/metrics"
	"callpilot/pkg/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCounter struct {
	n   int
	err error
}

func (c staticCounter) Count(context.Context) (int, error) {
	return c.n, c.err
}

func TestStatusReportsLiveCalls(t *testing.T) {
	server := NewServer(newTestLogger(), DefaultConfig(), staticCounter{n: 4})

	rr := do(server, http.MethodGet, "/status", "")

	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(4), body["live_calls"])
	assert.Contains(t, body, "uptime")
	assert.Contains(t, rr.Header().Get("Server"), "callpilot/")
}

func TestStatusSurfacesStoreErrors(t *testing.T) {
	server := NewServer(newTestLogger(), DefaultConfig(), staticCounter{err: stderrors.New("redis down")})

	rr := do(server, http.MethodGet, "/status", "")

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestHealthChecks(t *testing.T) {
	server := NewServer(newTestLogger(), DefaultConfig(), staticCounter{n: 2})
	server.AddHealthCheck("state_store", true, func(context.Context) error { return nil })
	server.AddHealthCheck("amqp", false, func(context.Context) error { return stderrors.New("disconnected") })

	rr := do(server, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var health HealthStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "healthy", health.Checks["state_store"].Status)
	assert.Equal(t, "degraded", health.Checks["amqp"].Status)
	assert.Equal(t, "disconnected", health.Checks["amqp"].Message)
	assert.Equal(t, 2, health.System.LiveCalls)

	rr = do(server, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rr.Code, "non-critical failures keep the service ready")

	rr = do(server, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestCriticalHealthFailure(t *testing.T) {
	server := NewServer(newTestLogger(), DefaultConfig(), nil)
	server.AddHealthCheck("state_store", true, func(context.Context) error { return stderrors.New("connection refused") })

	rr := do(server, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"unhealthy"`)

	rr = do(server, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "not ready", rr.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	logger := newTestLogger()
	metrics.Init(logger)
	metrics.RecordFragment("customer")

	server := NewServer(logger, DefaultConfig(), nil)
	rr := do(server, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "callpilot_fragments_total")

	cfg := DefaultConfig()
	cfg.EnableMetrics = false
	server = NewServer(logger, cfg, nil)
	rr = do(server, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRateLimitMiddlewareApplies(t *testing.T) {
	logger := newTestLogger()
	server := NewServer(logger, DefaultConfig(), nil)
	server.SetRateLimitMiddleware(ratelimit.NewHTTPMiddleware(&ratelimit.HTTPConfig{
		Enabled:           true,
		RequestsPerSecond: 0.001,
		BurstSize:         2,
		WhitelistedPaths:  []string{"/health*"},
	}, nil, logger))

	assert.Equal(t, http.StatusOK, do(server, http.MethodGet, "/status", "").Code)
	assert.Equal(t, http.StatusOK, do(server, http.MethodGet, "/status", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(server, http.MethodGet, "/status", "").Code)
	assert.Equal(t, http.StatusOK, do(server, http.MethodGet, "/health/live", "").Code)
}

func TestStartServesAndShutsDown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 0
	server := NewServer(newTestLogger(), cfg, staticCounter{n: 1})

	require.NoError(t, server.Start())
	addr := server.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get(fmt.Sprintf("http://%s/health/live", addr))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
}

func TestStartRejectsIncompleteTLS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.TLSEnabled = true

	server := NewServer(newTestLogger(), cfg, nil)

	assert.Error(t, server.Start())
}
