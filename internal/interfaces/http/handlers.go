package http

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/boxscan/internal/box"
	"github.com/sawpanic/boxscan/internal/net/ratelimit"
)

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse reports process and scan state.
type HealthResponse struct {
	Status        string    `json:"status"` // "healthy" or "degraded"
	Timestamp     time.Time `json:"timestamp"`
	Uptime        string    `json:"uptime"`
	Version       string    `json:"version"`
	GoVersion     string    `json:"go_version"`
	NumGoroutines int       `json:"num_goroutines"`
	Breaker       string    `json:"breaker,omitempty"`
	Pool          *PoolInfo `json:"pool,omitempty"`
	LastRun       *RunInfo  `json:"last_run,omitempty"`
}

// PoolInfo is worker pool occupancy.
type PoolInfo struct {
	Workers int `json:"workers"`
	Active  int `json:"active"`
	Queued  int `json:"queued"`
}

// RunInfo summarises the latest stored scan.
type RunInfo struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	DurationMS    int64     `json:"duration_ms"`
	Opportunities int       `json:"opportunities"`
}

// OpportunitiesResponse lists ranked spreads of the latest run.
type OpportunitiesResponse struct {
	RunID      string       `json:"run_id,omitempty"`
	Underlying string       `json:"underlying,omitempty"`
	StartedAt  time.Time    `json:"started_at,omitempty"`
	Total      int          `json:"total"`
	Spreads    []box.Spread `json:"spreads"`
}

// LimitsResponse lists rate-limit windows and per-host buckets.
type LimitsResponse struct {
	Endpoints []ratelimit.WindowStats `json:"endpoints"`
	Hosts     []ratelimit.HostStats   `json:"hosts,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestID(r),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeError(w, r, http.StatusNotFound, "endpoint_not_found", "The requested endpoint does not exist")
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     time.Now().UTC(),
		Uptime:        time.Since(s.started).Round(time.Second).String(),
		Version:       s.src.Version,
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
	}
	if s.src.Breaker != nil {
		resp.Breaker = s.src.Breaker.BreakerState()
		if resp.Breaker == "open" {
			resp.Status = "degraded"
		}
	}
	if p := s.src.Pool; p != nil {
		resp.Pool = &PoolInfo{Workers: p.Size(), Active: p.ActiveCount(), Queued: p.QueueDepth()}
	}
	if s.src.Store != nil {
		run, err := s.src.Store.Latest(r.Context())
		if err != nil {
			resp.Status = "degraded"
		} else if run != nil {
			resp.LastRun = &RunInfo{
				ID:            run.ID,
				StartedAt:     run.StartedAt,
				DurationMS:    run.Duration.Milliseconds(),
				Opportunities: len(run.Spreads),
			}
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// opportunities serves the latest ranked spreads. ?limit=N caps the list.
func (s *Server) opportunities(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	if s.src.Store == nil {
		writeError(w, r, http.StatusServiceUnavailable, "store_unavailable", "No result store configured")
		return
	}

	run, err := s.src.Store.Latest(r.Context())
	if err != nil {
		log.Warn().Err(err).Str("request_id", requestID(r)).Msg("Failed to load latest run")
		writeError(w, r, http.StatusServiceUnavailable, "store_error", "Latest scan results unavailable")
		return
	}
	resp := OpportunitiesResponse{Spreads: []box.Spread{}}
	if run != nil {
		resp.RunID = run.ID
		resp.Underlying = run.Underlying
		resp.StartedAt = run.StartedAt
		resp.Total = len(run.Spreads)
		resp.Spreads = run.Spreads
		if limit > 0 && len(resp.Spreads) > limit {
			resp.Spreads = resp.Spreads[:limit]
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) limits(w http.ResponseWriter, r *http.Request) {
	if s.src.Limits == nil {
		writeError(w, r, http.StatusServiceUnavailable, "limiter_unavailable", "No rate limiter configured")
		return
	}
	resp := LimitsResponse{Endpoints: s.src.Limits.Stats()}
	if s.src.Hosts != nil {
		for _, h := range s.src.Hosts.HostStats() {
			resp.Hosts = append(resp.Hosts, h)
		}
		sort.Slice(resp.Hosts, func(i, j int) bool { return resp.Hosts[i].Host < resp.Hosts[j].Host })
	}
	writeJSON(w, http.StatusOK, resp)
}
