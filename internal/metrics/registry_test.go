package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestRegistry_RecordsGatewayActivity(t *testing.T) {
	r := New()

	r.RecordRequest("/quote", "200")
	r.RecordRequest("/quote", "200")
	r.RecordThrottle("/quote", 12)
	r.RecordWait("/quote", 3*time.Second)
	r.RecordCacheHit("catalog")

	assert.Equal(t, 2.0, counterValue(t, r.GatewayRequests.WithLabelValues("/quote", "200")))
	assert.Equal(t, 1.0, counterValue(t, r.Throttles.WithLabelValues("/quote")))
	assert.Equal(t, 12.0, gaugeValue(t, r.EndpointLimit.WithLabelValues("/quote")))
	assert.Equal(t, 1.0, counterValue(t, r.LimiterWaits.WithLabelValues("/quote")))
	assert.Equal(t, 1.0, counterValue(t, r.CacheHits.WithLabelValues("catalog")))
}

func TestRegistry_RecordScanKeepsLastGoodGauges(t *testing.T) {
	r := New()

	r.RecordScan(time.Second, 4, 1.5, nil)
	r.RecordScan(time.Second, 0, 0, errors.New("boom"))

	assert.Equal(t, 4.0, gaugeValue(t, r.Opportunities))
	assert.Equal(t, 1.0, counterValue(t, r.Scans.WithLabelValues("success")))
	assert.Equal(t, 1.0, counterValue(t, r.Scans.WithLabelValues("error")))
}

func TestRegistry_NilIsSafe(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.RecordRequest("/quote", "200")
		r.RecordWait("/quote", time.Second)
		r.RecordThrottle("/quote", 1)
		r.RecordCacheHit("catalog")
		r.RecordCacheMiss("catalog")
		r.RecordScan(time.Second, 1, 1, nil)
		r.RecordPool(1, 1, 1)
		r.StartStepTimer("x").Stop("success")
	})
}

func TestRegistry_HandlerExposesMetrics(t *testing.T) {
	r := New()
	r.RecordPool(4, 2, 10)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "boxscan_pool_workers 4")
	assert.Contains(t, string(body), "boxscan_pool_queued_tasks 10")
}
