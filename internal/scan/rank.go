package scan

import (
	"sort"

	"github.com/sawpanic/boxscan/internal/box"
)

// Filter holds the thresholds a spread must meet to be reported.
type Filter struct {
	MinROI           float64
	MinProfitability float64
	MaxSlippage      float64
	// MinDepth is the fill-side quantity every leg needs; 0 disables the check.
	MinDepth int64
}

// Accept reports whether s is complete and passes every threshold.
func (f Filter) Accept(s *box.Spread) bool {
	if !s.Complete() {
		return false
	}
	if s.ROI < f.MinROI || s.Score < f.MinProfitability || s.Slippage > f.MaxSlippage {
		return false
	}
	if f.MinDepth > 0 && !box.HasSufficientLiquidity(s.Legs(), f.MinDepth) {
		return false
	}
	return true
}

// Rank keeps the spreads f accepts and orders them by score descending.
// Equal scores are ordered by ID ascending.
func Rank(spreads []box.Spread, f Filter) []box.Spread {
	out := make([]box.Spread, 0, len(spreads))
	for i := range spreads {
		if f.Accept(&spreads[i]) {
			out = append(out, spreads[i])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}
