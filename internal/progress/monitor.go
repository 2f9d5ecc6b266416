package progress

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// pollInterval is how often completion is checked between reports.
const pollInterval = 200 * time.Millisecond

// Counter is a monotonically increasing completed-items count, e.g. *atomic.Int64.
type Counter interface {
	Load() int64
}

// Report is one progress sample.
type Report struct {
	Label   string
	Done    int64
	Total   int64
	Percent float64
	Rate    float64 // items per second
	ETA     time.Duration
	Elapsed time.Duration
	Final   bool
}

// OptimalBatchSize is total/(workers*3) clamped to [minSize, maxSize].
func OptimalBatchSize(total, workers, minSize, maxSize int) int {
	if workers < 1 {
		workers = 1
	}
	size := total / (workers * 3)
	if size < minSize {
		size = minSize
	}
	if maxSize > 0 && size > maxSize {
		size = maxSize
	}
	return size
}

// Monitor logs progress of counter towards total every interval until the
// counter reaches total or stop is called. Stop does not wait for the
// reporter to exit.
func Monitor(total int64, counter Counter, interval time.Duration, label string) (stop func()) {
	return monitor(total, counter, interval, label, logReport)
}

func monitor(total int64, counter Counter, interval time.Duration, label string, report func(Report)) func() {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		start := time.Now()
		poll := time.NewTicker(min(pollInterval, interval))
		defer poll.Stop()
		lastReport := start

		for {
			select {
			case <-done:
				return
			case now := <-poll.C:
				completed := counter.Load()
				if completed >= total {
					report(sample(label, completed, total, now.Sub(start), true))
					return
				}
				if now.Sub(lastReport) >= interval {
					report(sample(label, completed, total, now.Sub(start), false))
					lastReport = now
				}
			}
		}
	}()

	return stop
}

func sample(label string, done, total int64, elapsed time.Duration, final bool) Report {
	r := Report{Label: label, Done: done, Total: total, Elapsed: elapsed, Final: final}
	if total > 0 {
		r.Percent = float64(done) / float64(total) * 100
	}
	if secs := elapsed.Seconds(); secs > 0 {
		r.Rate = float64(done) / secs
	}
	if r.Rate > 0 && done < total {
		r.ETA = time.Duration(float64(total-done) / r.Rate * float64(time.Second))
	}
	return r
}

func logReport(r Report) {
	if r.Final {
		log.Info().
			Str("task", r.Label).
			Int64("items", r.Total).
			Dur("elapsed", r.Elapsed.Round(time.Millisecond)).
			Float64("items_per_sec", round1(r.Rate)).
			Msg("Completed")
		return
	}
	log.Info().
		Str("task", r.Label).
		Int64("done", r.Done).
		Int64("total", r.Total).
		Float64("percent", round1(r.Percent)).
		Float64("items_per_sec", round1(r.Rate)).
		Dur("eta", r.ETA.Round(time.Second)).
		Msg("Progress")
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
