package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry holds every boxscan metric. All methods are safe on a nil
// *Registry so components can run without metrics.
type Registry struct {
	reg *prometheus.Registry

	// Gateway metrics
	GatewayRequests *prometheus.CounterVec
	LimiterWaits    *prometheus.CounterVec
	LimiterWaitSecs *prometheus.HistogramVec
	Throttles       *prometheus.CounterVec
	EndpointLimit   *prometheus.GaugeVec

	// Cache performance metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Pipeline metrics
	StepDuration  *prometheus.HistogramVec
	ScanDuration  prometheus.Histogram
	Scans         *prometheus.CounterVec
	Opportunities prometheus.Gauge
	BestROI       prometheus.Gauge

	// Worker pool metrics
	PoolWorkers prometheus.Gauge
	PoolActive  prometheus.Gauge
	PoolQueued  prometheus.Gauge
}

// New creates a registry backed by its own prometheus.Registry, with Go and
// process collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		GatewayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boxscan_gateway_requests_total",
				Help: "Market data requests by endpoint and HTTP status",
			},
			[]string{"endpoint", "status"},
		),

		LimiterWaits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boxscan_ratelimit_waits_total",
				Help: "Times a caller slept on a full rate-limit window",
			},
			[]string{"endpoint"},
		),

		LimiterWaitSecs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "boxscan_ratelimit_wait_seconds",
				Help:    "Sleep durations imposed by the rate limiter",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
			},
			[]string{"endpoint"},
		),

		Throttles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boxscan_ratelimit_throttles_total",
				Help: "Upstream 429 responses by endpoint",
			},
			[]string{"endpoint"},
		),

		EndpointLimit: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "boxscan_ratelimit_limit_per_minute",
				Help: "Current requests-per-minute limit by endpoint",
			},
			[]string{"endpoint"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boxscan_cache_hits_total",
				Help: "Cache hits by cache type",
			},
			[]string{"cache_type"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boxscan_cache_misses_total",
				Help: "Cache misses by cache type",
			},
			[]string{"cache_type"},
		),

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "boxscan_step_duration_seconds",
				Help:    "Duration of each pipeline step in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"step", "result"},
		),

		ScanDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "boxscan_scan_duration_seconds",
				Help:    "Duration of full scans",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),

		Scans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boxscan_scans_total",
				Help: "Completed scans by result",
			},
			[]string{"result"},
		),

		Opportunities: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "boxscan_opportunities",
				Help: "Box spreads passing all filters in the latest scan",
			},
		),

		BestROI: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "boxscan_best_roi_percent",
				Help: "ROI of the top ranked box spread in the latest scan",
			},
		),

		PoolWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "boxscan_pool_workers",
			Help: "Live worker pool size",
		}),
		PoolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "boxscan_pool_active_tasks",
			Help: "Tasks currently executing",
		}),
		PoolQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "boxscan_pool_queued_tasks",
			Help: "Tasks waiting for a worker",
		}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.GatewayRequests,
		r.LimiterWaits,
		r.LimiterWaitSecs,
		r.Throttles,
		r.EndpointLimit,
		r.CacheHits,
		r.CacheMisses,
		r.StepDuration,
		r.ScanDuration,
		r.Scans,
		r.Opportunities,
		r.BestROI,
		r.PoolWorkers,
		r.PoolActive,
		r.PoolQueued,
	)
	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{})
}

// RecordRequest counts a gateway call. status is the HTTP code or an error class.
func (r *Registry) RecordRequest(endpoint, status string) {
	if r == nil {
		return
	}
	r.GatewayRequests.WithLabelValues(endpoint, status).Inc()
}

// RecordWait records a rate-limiter sleep.
func (r *Registry) RecordWait(endpoint string, d time.Duration) {
	if r == nil {
		return
	}
	r.LimiterWaits.WithLabelValues(endpoint).Inc()
	r.LimiterWaitSecs.WithLabelValues(endpoint).Observe(d.Seconds())
}

// RecordThrottle records a 429 and the endpoint's reduced limit.
func (r *Registry) RecordThrottle(endpoint string, newLimit int) {
	if r == nil {
		return
	}
	r.Throttles.WithLabelValues(endpoint).Inc()
	r.EndpointLimit.WithLabelValues(endpoint).Set(float64(newLimit))
}

// RecordCacheHit records a cache hit for the specified cache type.
func (r *Registry) RecordCacheHit(cacheType string) {
	if r == nil {
		return
	}
	r.CacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss for the specified cache type.
func (r *Registry) RecordCacheMiss(cacheType string) {
	if r == nil {
		return
	}
	r.CacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordScan records a finished scan.
func (r *Registry) RecordScan(d time.Duration, found int, bestROI float64, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	r.Scans.WithLabelValues(result).Inc()
	r.ScanDuration.Observe(d.Seconds())
	if err == nil {
		r.Opportunities.Set(float64(found))
		r.BestROI.Set(bestROI)
	}
}

// RecordPool samples worker pool occupancy.
func (r *Registry) RecordPool(workers, active, queued int) {
	if r == nil {
		return
	}
	r.PoolWorkers.Set(float64(workers))
	r.PoolActive.Set(float64(active))
	r.PoolQueued.Set(float64(queued))
}

// StepTimer tracks execution time for pipeline steps
type StepTimer struct {
	metrics *Registry
	step    string
	start   time.Time
}

// StartStepTimer begins timing a pipeline step
func (r *Registry) StartStepTimer(step string) *StepTimer {
	return &StepTimer{metrics: r, step: step, start: time.Now()}
}

// Stop completes the step timing and records the metric
func (st *StepTimer) Stop(result string) time.Duration {
	duration := time.Since(st.start)
	if st.metrics != nil {
		st.metrics.StepDuration.WithLabelValues(st.step, result).Observe(duration.Seconds())
	}

	log.Debug().
		Str("step", st.step).
		Str("result", result).
		Dur("duration", duration).
		Msg("Pipeline step completed")
	return duration
}
