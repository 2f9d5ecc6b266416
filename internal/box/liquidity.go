package box

import "github.com/sawpanic/boxscan/internal/market"

// fillSide returns the ladder a leg trades against: asks for buys, bids for sells.
func fillSide(l Leg) []market.DepthLevel {
	if l.Side == Buy {
		return l.Quote.Depth.Sell
	}
	return l.Quote.Depth.Buy
}

// LegSlippage is the adverse cost of filling qty against the book relative to
// the last price. Without enough depth it falls back to worstCasePct of notional.
// Price improvement counts as zero.
func LegSlippage(l Leg, qty int64, worstCasePct float64) float64 {
	last := l.Price()
	if qty <= 0 || last <= 0 {
		return 0
	}
	fallback := last * float64(qty) * worstCasePct / 100

	levels := fillSide(l)
	if len(levels) == 0 {
		return fallback
	}

	remaining := qty
	cost := 0.0
	for _, lvl := range levels {
		if remaining == 0 {
			break
		}
		if lvl.Price <= 0 || lvl.Quantity <= 0 {
			continue
		}
		take := min(remaining, lvl.Quantity)
		cost += float64(take) * lvl.Price
		remaining -= take
	}
	if remaining > 0 {
		return fallback
	}

	vwap := cost / float64(qty)
	adverse := vwap - last
	if l.Side == Sell {
		adverse = last - vwap
	}
	if adverse < 0 {
		return 0
	}
	return adverse * float64(qty)
}

// TotalSlippage sums LegSlippage over legs.
func TotalSlippage(legs []Leg, qty int64, worstCasePct float64) float64 {
	total := 0.0
	for _, l := range legs {
		total += LegSlippage(l, qty, worstCasePct)
	}
	return total
}

// AvailableDepth sums the quantity on the side a leg would fill against.
func AvailableDepth(l Leg) int64 {
	var total int64
	for _, lvl := range fillSide(l) {
		total += lvl.Quantity
	}
	return total
}

// HasSufficientLiquidity reports whether every leg has at least minQty on its fill side.
func HasSufficientLiquidity(legs []Leg, minQty int64) bool {
	for _, l := range legs {
		if AvailableDepth(l) < minQty {
			return false
		}
	}
	return true
}

// BidAskSpreadPercent is (ask-bid)/mid*100, or 0 without a two-sided book.
func BidAskSpreadPercent(q market.Quote) float64 {
	bid, ask := q.BestBid(), q.BestAsk()
	if bid <= 0 || ask <= 0 {
		return 0
	}
	mid := (bid + ask) / 2
	return (ask - bid) / mid * 100
}
