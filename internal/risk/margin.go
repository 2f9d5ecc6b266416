package risk

import (
	"math"

	"github.com/sawpanic/boxscan/internal/box"
)

// MarginModel estimates SPAN plus exposure margin for a box spread.
type MarginModel struct {
	SpanBufferPct float64 `yaml:"margin_buffer_percentage"`
	ExposurePct   float64 `yaml:"exposure_margin_percentage"`
}

// DefaultMarginModel uses a 25% SPAN buffer and 3% exposure margin.
func DefaultMarginModel() MarginModel {
	return MarginModel{SpanBufferPct: 25, ExposurePct: 3}
}

// MaxLoss is the net debit for qty units when the box is bought for a premium,
// otherwise the trading costs, which s already carries for qty units.
func MaxLoss(s *box.Spread, qty int64) float64 {
	if s.NetPremium < 0 {
		return -s.NetPremium * float64(qty)
	}
	return s.Fees + s.Slippage
}

// MarginRequired returns SPAN (max loss plus buffer) plus exposure margin on
// total premium. Fees and Slippage must already be set on s.
func (m MarginModel) MarginRequired(s *box.Spread, qty int64) float64 {
	span := MaxLoss(s, qty) * (1 + m.SpanBufferPct/100)

	premium := 0.0
	for _, l := range s.Legs() {
		premium += math.Abs(l.Price())
	}
	exposure := premium * float64(qty) * m.ExposurePct / 100
	return span + exposure
}
