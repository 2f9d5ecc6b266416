package box

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sawpanic/boxscan/internal/market"
)

// Side is the direction of a leg.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Leg is one priced option of a box spread.
type Leg struct {
	Instrument market.Instrument `json:"instrument"`
	Quote      market.Quote      `json:"quote"`
	Side       Side              `json:"side"`
}

// Price is the leg's last traded price.
func (l Leg) Price() float64 { return l.Quote.LastPrice }

// Combination is a candidate (lower, higher) strike pair.
type Combination struct {
	Lower  float64 `json:"lower"`
	Higher float64 `json:"higher"`
}

// Width returns Higher - Lower.
func (c Combination) Width() float64 { return c.Higher - c.Lower }

// Spread is an analysed box: long call and short put at Lower, short call and
// long put at Higher, with its derived economics.
type Spread struct {
	ID         string    `json:"id"`
	Underlying string    `json:"underlying"`
	Exchange   string    `json:"exchange"`
	Expiry     time.Time `json:"expiry"`
	Lower      float64   `json:"lower_strike"`
	Higher     float64   `json:"higher_strike"`
	Quantity   int64     `json:"quantity"`

	LongCall  Leg `json:"long_call"`
	ShortCall Leg `json:"short_call"`
	LongPut   Leg `json:"long_put"`
	ShortPut  Leg `json:"short_put"`

	// TheoreticalValue and NetPremium are per unit; the remaining amounts
	// are for Quantity units.
	TheoreticalValue float64 `json:"theoretical_value"`
	NetPremium       float64 `json:"net_premium"`
	ProfitLoss       float64 `json:"profit_loss"`
	Slippage         float64 `json:"slippage"`
	Fees             float64 `json:"fees"`
	Margin           float64 `json:"margin"`
	ROI              float64 `json:"roi"`
	Score            float64 `json:"profitability"`
}

// Legs returns the four legs in long call, short call, long put, short put order.
func (s *Spread) Legs() []Leg {
	return []Leg{s.LongCall, s.ShortCall, s.LongPut, s.ShortPut}
}

// Complete reports whether every leg has a positive price.
func (s *Spread) Complete() bool {
	for _, l := range s.Legs() {
		if l.Price() <= 0 {
			return false
		}
	}
	return true
}

// NetEdge is profit after slippage and fees.
func (s *Spread) NetEdge() float64 {
	return s.ProfitLoss - s.Slippage - s.Fees
}

// Tokens returns the instrument tokens of the four legs.
func (s *Spread) Tokens() []int64 {
	legs := s.Legs()
	out := make([]int64, len(legs))
	for i, l := range legs {
		out[i] = l.Instrument.Token
	}
	return out
}

// SpreadID formats UNDERLYING_EXCHANGE_lower_higher_YYYY-MM-DD.
func SpreadID(underlying, exchange string, lower, higher float64, expiry time.Time) string {
	return fmt.Sprintf("%s_%s_%.2f_%.2f_%s",
		strings.ToUpper(underlying), strings.ToUpper(exchange), lower, higher, expiry.Format(market.ExpiryLayout))
}

// NetPremium is -longCall + shortCall - longPut + shortPut; negative means paid.
func NetPremium(longCall, shortCall, longPut, shortPut float64) float64 {
	return -longCall + shortCall - longPut + shortPut
}

// ROI returns net edge over margin in percent, or 0 when margin is not positive.
func ROI(netEdge, margin float64) float64 {
	if margin <= 0 {
		return 0
	}
	return netEdge / margin * 100
}

// Score weights ROI by the log of the absolute net edge.
func Score(roi, netEdge float64) float64 {
	return roi * math.Log1p(math.Abs(netEdge))
}
