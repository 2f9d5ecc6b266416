package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/boxscan/internal/box"
	"github.com/sawpanic/boxscan/internal/metrics"
	"github.com/sawpanic/boxscan/internal/store"
)

// Finder is what the Runner scans with; *Scanner implements it.
type Finder interface {
	FindProfitable(ctx context.Context, underlying, exchange string) ([]box.Spread, error)
}

// RunnerConfig configures the scan loop.
type RunnerConfig struct {
	Underlying string
	Exchange   string
	Interval   time.Duration
	Backoff    time.Duration
	TopN       int
}

// Runner repeats full scans and records their results.
type Runner struct {
	finder  Finder
	store   store.Store
	metrics *metrics.Registry
	cfg     RunnerConfig
}

// NewRunner creates a Runner. st and m may be nil.
func NewRunner(finder Finder, st store.Store, m *metrics.Registry, cfg RunnerConfig) *Runner {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	return &Runner{finder: finder, store: st, metrics: m, cfg: cfg}
}

// RunOnce performs one scan. A panic in the scan is returned as an error.
func (r *Runner) RunOnce(ctx context.Context) (run store.Run, err error) {
	run = store.Run{
		ID:         uuid.NewString(),
		Underlying: r.cfg.Underlying,
		Exchange:   r.cfg.Exchange,
		StartedAt:  time.Now().UTC(),
	}
	logger := log.With().Str("run_id", run.ID).Str("underlying", run.Underlying).Logger()
	logger.Info().Msg("Scan started")

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("scan panicked: %v", rec)
		}
		run.Duration = time.Since(run.StartedAt)
		bestROI := 0.0
		if best, ok := run.Best(); ok {
			bestROI = best.ROI
		}
		r.metrics.RecordScan(run.Duration, len(run.Spreads), bestROI, err)
	}()

	run.Spreads, err = r.finder.FindProfitable(ctx, r.cfg.Underlying, r.cfg.Exchange)
	if err != nil {
		return run, err
	}
	run.Duration = time.Since(run.StartedAt)

	if r.store != nil {
		if serr := r.store.Save(ctx, run); serr != nil {
			logger.Warn().Err(serr).Msg("Failed to store scan results")
		}
	}
	r.logTop(run)
	return run, nil
}

func (r *Runner) logTop(run store.Run) {
	if len(run.Spreads) == 0 {
		log.Info().Str("run_id", run.ID).Dur("elapsed", run.Duration).Msg("No profitable box spreads found")
		return
	}
	n := len(run.Spreads)
	if r.cfg.TopN > 0 && n > r.cfg.TopN {
		n = r.cfg.TopN
	}
	for i, s := range run.Spreads[:n] {
		log.Info().
			Str("run_id", run.ID).
			Int("rank", i+1).
			Str("id", s.ID).
			Float64("roi", s.ROI).
			Float64("profitability", s.Score).
			Float64("net_premium", s.NetPremium).
			Float64("slippage", s.Slippage).
			Float64("fees", s.Fees).
			Float64("margin", s.Margin).
			Msg("Opportunity")
	}
	log.Info().Str("run_id", run.ID).Int("found", len(run.Spreads)).Dur("elapsed", run.Duration).Msg("Scan finished")
}

// Run scans until ctx is cancelled. Cancellation is observed only between
// scans; a scan in flight runs to completion. Failed scans are retried after
// the backoff.
func (r *Runner) Run(ctx context.Context) error {
	for {
		wait := r.cfg.Interval
		if _, err := r.RunOnce(context.WithoutCancel(ctx)); err != nil {
			log.Error().Err(err).Dur("backoff", r.cfg.Backoff).Msg("Scan failed")
			wait = r.cfg.Backoff
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			log.Info().Msg("Scan loop stopped")
			return nil
		case <-t.C:
		}
	}
}
