package scan

import (
	"sort"
	"sync"

	"github.com/sawpanic/boxscan/internal/box"
	"github.com/sawpanic/boxscan/internal/pool"
)

// GenerateCombinations returns every (lower, higher) pair of strikes whose
// width lies in [minDiff, maxDiff]. Strikes are sorted and deduplicated first.
func GenerateCombinations(strikes []float64, minDiff, maxDiff float64) []box.Combination {
	s := uniqueSorted(strikes)
	var out []box.Combination
	for i := range s {
		out = appendPairs(out, s, i, minDiff, maxDiff)
	}
	return out
}

// GenerateCombinationsParallel produces the same set as GenerateCombinations.
// Lower-strike indices are dealt round-robin into one chunk per worker and
// each chunk runs as a pool task. Result order is unspecified.
func GenerateCombinationsParallel(p *pool.Pool, strikes []float64, minDiff, maxDiff float64) ([]box.Combination, error) {
	s := uniqueSorted(strikes)
	chunks := p.Size()
	if chunks < 1 {
		chunks = 1
	}

	var (
		mu  sync.Mutex
		out []box.Combination
	)
	futures := make([]*pool.Future[struct{}], 0, chunks)
	for c := 0; c < chunks; c++ {
		c := c
		futures = append(futures, p.Go(func() error {
			var local []box.Combination
			for i := c; i < len(s); i += chunks {
				local = appendPairs(local, s, i, minDiff, maxDiff)
			}
			mu.Lock()
			out = append(out, local...)
			mu.Unlock()
			return nil
		}))
	}
	if _, err := pool.WaitAll(futures); err != nil {
		return nil, err
	}
	return out, nil
}

func appendPairs(out []box.Combination, s []float64, i int, minDiff, maxDiff float64) []box.Combination {
	for j := i + 1; j < len(s); j++ {
		diff := s[j] - s[i]
		if diff > maxDiff {
			break
		}
		if diff >= minDiff {
			out = append(out, box.Combination{Lower: s[i], Higher: s[j]})
		}
	}
	return out
}

func uniqueSorted(strikes []float64) []float64 {
	s := append([]float64(nil), strikes...)
	sort.Float64s(s)
	out := s[:0]
	for _, v := range s {
		if len(out) > 0 && v == out[len(out)-1] {
			continue
		}
		out = append(out, v)
	}
	return out
}
