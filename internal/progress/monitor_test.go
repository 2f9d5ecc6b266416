package progress

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptimalBatchSize(t *testing.T) {
	assert.Equal(t, 10, OptimalBatchSize(120, 4, 1, 50))
	assert.Equal(t, 50, OptimalBatchSize(10000, 4, 1, 50))
	assert.Equal(t, 5, OptimalBatchSize(3, 4, 5, 50))
	assert.Equal(t, 33, OptimalBatchSize(100, 0, 1, 0))
}

type recorder struct {
	mu      sync.Mutex
	reports []Report
}

func (r *recorder) add(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

func (r *recorder) snapshot() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.reports...)
}

func TestMonitor_FinalReportWhenCounterReachesTotal(t *testing.T) {
	var counter atomic.Int64
	rec := &recorder{}
	stop := monitor(10, &counter, 20*time.Millisecond, "analysis", rec.add)
	defer stop()

	counter.Store(4)
	time.Sleep(60 * time.Millisecond)
	counter.Store(10)

	require.Eventually(t, func() bool {
		reps := rec.snapshot()
		return len(reps) > 0 && reps[len(reps)-1].Final
	}, 2*time.Second, 10*time.Millisecond)

	reps := rec.snapshot()
	last := reps[len(reps)-1]
	assert.Equal(t, int64(10), last.Done)
	assert.Equal(t, 100.0, last.Percent)
	for _, r := range reps[:len(reps)-1] {
		assert.False(t, r.Final)
		assert.Equal(t, "analysis", r.Label)
	}
}

func TestMonitor_StopEndsReporting(t *testing.T) {
	var counter atomic.Int64
	rec := &recorder{}
	stop := monitor(10, &counter, 10*time.Millisecond, "quotes", rec.add)

	stop()
	stop() // idempotent
	time.Sleep(50 * time.Millisecond)
	n := len(rec.snapshot())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, len(rec.snapshot()))
}

func TestSample_RateAndETA(t *testing.T) {
	r := sample("x", 50, 100, 10*time.Second, false)
	assert.Equal(t, 50.0, r.Percent)
	assert.Equal(t, 5.0, r.Rate)
	assert.Equal(t, 10*time.Second, r.ETA)
}
