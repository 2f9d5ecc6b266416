package risk

import (
	"github.com/shopspring/decimal"

	"github.com/sawpanic/boxscan/internal/box"
)

// FeeSchedule holds the commission and tax schedule. Percent fields are
// percentages, e.g. 0.03 means 0.03%.
type FeeSchedule struct {
	BrokeragePct       float64 `yaml:"brokerage_percentage"`
	BrokeragePerOrder  float64 `yaml:"max_brokerage_per_order"`
	STTPct             float64 `yaml:"stt_percentage"`
	ExchangeChargesPct float64 `yaml:"exchange_charges_percentage"`
	GSTPct             float64 `yaml:"gst_percentage"`
	SEBIPerCrore       float64 `yaml:"sebi_charges_per_crore"`
	StampDutyPct       float64 `yaml:"stamp_duty_percentage"`
}

// DefaultFeeSchedule is the NSE F&O discount-broker schedule.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		BrokeragePct:       0.03,
		BrokeragePerOrder:  20,
		STTPct:             0.05,
		ExchangeChargesPct: 0.00053,
		GSTPct:             18,
		SEBIPerCrore:       10,
		StampDutyPct:       0.003,
	}
}

// FeeBreakdown itemises the charges of a trade.
type FeeBreakdown struct {
	Turnover        float64 `json:"turnover"`
	Brokerage       float64 `json:"brokerage"`
	STT             float64 `json:"stt"`
	ExchangeCharges float64 `json:"exchange_charges"`
	GST             float64 `json:"gst"`
	SEBI            float64 `json:"sebi"`
	StampDuty       float64 `json:"stamp_duty"`
	Total           float64 `json:"total"`
}

var (
	hundred = decimal.NewFromInt(100)
	crore   = decimal.NewFromInt(10_000_000)
)

func pct(v decimal.Decimal, p float64) decimal.Decimal {
	return v.Mul(decimal.NewFromFloat(p)).Div(hundred)
}

// Breakdown computes every charge for trading qty of each leg.
// STT applies to sell legs and stamp duty to buy legs.
func (f FeeSchedule) Breakdown(legs []box.Leg, qty int64) FeeBreakdown {
	q := decimal.NewFromInt(qty)
	turnover, buys, sells := decimal.Zero, decimal.Zero, decimal.Zero
	for _, l := range legs {
		value := decimal.NewFromFloat(l.Price()).Mul(q)
		turnover = turnover.Add(value)
		if l.Side == box.Sell {
			sells = sells.Add(value)
		} else {
			buys = buys.Add(value)
		}
	}

	brokerage := pct(turnover, f.BrokeragePct)
	if capAmt := decimal.NewFromFloat(f.BrokeragePerOrder).Mul(decimal.NewFromInt(int64(len(legs)))); f.BrokeragePerOrder > 0 && brokerage.GreaterThan(capAmt) {
		brokerage = capAmt
	}
	stt := pct(sells, f.STTPct)
	exchange := pct(turnover, f.ExchangeChargesPct)
	gst := pct(brokerage.Add(exchange), f.GSTPct)
	sebi := turnover.Mul(decimal.NewFromFloat(f.SEBIPerCrore)).Div(crore)
	stamp := pct(buys, f.StampDutyPct)
	total := brokerage.Add(stt).Add(exchange).Add(gst).Add(sebi).Add(stamp)

	return FeeBreakdown{
		Turnover:        turnover.InexactFloat64(),
		Brokerage:       brokerage.InexactFloat64(),
		STT:             stt.InexactFloat64(),
		ExchangeCharges: exchange.InexactFloat64(),
		GST:             gst.InexactFloat64(),
		SEBI:            sebi.InexactFloat64(),
		StampDuty:       stamp.InexactFloat64(),
		Total:           total.Round(2).InexactFloat64(),
	}
}

// Fees returns the total charges for trading qty of each leg.
func (f FeeSchedule) Fees(legs []box.Leg, qty int64) float64 {
	return f.Breakdown(legs, qty).Total
}
