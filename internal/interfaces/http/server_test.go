package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/boxscan/internal/box"
	"github.com/sawpanic/boxscan/internal/metrics"
	"github.com/sawpanic/boxscan/internal/net/ratelimit"
	"github.com/sawpanic/boxscan/internal/store"
)

type staticBreaker string

func (b staticBreaker) BreakerState() string { return string(b) }

type staticPool struct{ size, active, queued int }

func (p staticPool) Size() int        { return p.size }
func (p staticPool) ActiveCount() int { return p.active }
func (p staticPool) QueueDepth() int  { return p.queued }

type staticHosts map[string]ratelimit.HostStats

func (h staticHosts) HostStats() map[string]ratelimit.HostStats { return h }

type brokenStore struct{}

func (brokenStore) Save(context.Context, store.Run) error       { return errors.New("down") }
func (brokenStore) Latest(context.Context) (*store.Run, error) { return nil, errors.New("down") }

func seededStore(t *testing.T) store.Store {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.Save(context.Background(), store.Run{
		ID:         "run-42",
		Underlying: "NIFTY",
		StartedAt:  time.Date(2024, 3, 20, 9, 30, 0, 0, time.UTC),
		Duration:   2 * time.Second,
		Spreads:    []box.Spread{{ID: "a", Score: 3}, {ID: "b", Score: 2}, {ID: "c", Score: 1}},
	}))
	return mem
}

func do(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s := NewServer(DefaultServerConfig(), Sources{
		Store:   seededStore(t),
		Pool:    staticPool{size: 4, active: 1, queued: 7},
		Breaker: staticBreaker("closed"),
		Version: "v1.0.0",
	})

	rec := do(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 8)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "v1.0.0", resp.Version)
	require.NotNil(t, resp.Pool)
	assert.Equal(t, 7, resp.Pool.Queued)
	require.NotNil(t, resp.LastRun)
	assert.Equal(t, "run-42", resp.LastRun.ID)
	assert.Equal(t, int64(2000), resp.LastRun.DurationMS)
	assert.Equal(t, 3, resp.LastRun.Opportunities)
}

func TestHealth_DegradedWhenBreakerOpen(t *testing.T) {
	s := NewServer(DefaultServerConfig(), Sources{Breaker: staticBreaker("open")})
	rec := do(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}

func TestOpportunities(t *testing.T) {
	s := NewServer(DefaultServerConfig(), Sources{Store: seededStore(t)})

	rec := do(t, s, "/opportunities?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp OpportunitiesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-42", resp.RunID)
	assert.Equal(t, 3, resp.Total)
	require.Len(t, resp.Spreads, 2)
	assert.Equal(t, "a", resp.Spreads[0].ID)

	rec = do(t, s, "/opportunities?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_limit")
}

func TestOpportunities_EmptyAndFailingStore(t *testing.T) {
	s := NewServer(DefaultServerConfig(), Sources{Store: store.NewMemory()})
	rec := do(t, s, "/opportunities")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"spreads":[]`)

	s = NewServer(DefaultServerConfig(), Sources{Store: brokenStore{}})
	rec = do(t, s, "/opportunities")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLimits(t *testing.T) {
	w := ratelimit.NewWindow(map[string]int{"/quote": 15})
	require.NoError(t, w.Acquire(context.Background(), "/quote"))

	s := NewServer(DefaultServerConfig(), Sources{Limits: w, Hosts: staticHosts{
		"b.example": {Host: "b.example", RPS: 3, Burst: 3},
		"a.example": {Host: "a.example", RPS: 1, Burst: 1},
	}})
	rec := do(t, s, "/limits")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp LimitsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Endpoints, 1)
	assert.Equal(t, "/quote", resp.Endpoints[0].Endpoint)
	assert.Equal(t, 15, resp.Endpoints[0].Limit)
	assert.Equal(t, 1, resp.Endpoints[0].InWindow)
	require.Len(t, resp.Hosts, 2)
	assert.Equal(t, "a.example", resp.Hosts[0].Host)
	assert.Equal(t, 3.0, resp.Hosts[1].RPS)
}

func TestMetricsAndNotFound(t *testing.T) {
	m := metrics.New()
	m.RecordRequest("/quote", "200")
	s := NewServer(DefaultServerConfig(), Sources{Metrics: m})

	rec := do(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))

	rec = do(t, s, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "endpoint_not_found")
}
