package scan

import (
	"context"
	"errors"
	"math"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/boxscan/internal/box"
	"github.com/sawpanic/boxscan/internal/config"
	"github.com/sawpanic/boxscan/internal/market"
	"github.com/sawpanic/boxscan/internal/pool"
	"github.com/sawpanic/boxscan/internal/risk"
)

var testExpiry = time.Date(2024, 3, 28, 0, 0, 0, 0, time.UTC)

func callToken(strike float64) int64 { return int64(strike)*10 + 1 }
func putToken(strike float64) int64  { return int64(strike)*10 + 2 }

func option(token int64, strike float64, typ, symbol string) market.Instrument {
	return market.Instrument{
		Token:    token,
		Symbol:   symbol,
		Name:     "TEST",
		Expiry:   testExpiry,
		Strike:   strike,
		LotSize:  50,
		Type:     typ,
		Exchange: "NFO",
	}
}

// chainFor lists a call and a put per strike.
func chainFor(strikes ...float64) []market.Instrument {
	var out []market.Instrument
	for _, k := range strikes {
		out = append(out,
			option(callToken(k), k, market.TypeCall, "TEST"+strconv.Itoa(int(k))+"CE"),
			option(putToken(k), k, market.TypePut, "TEST"+strconv.Itoa(int(k))+"PE"))
	}
	return out
}

type fakeMarket struct {
	mu          sync.Mutex
	chain       []market.Instrument
	filteredErr error
	chainErr    error
	prices      map[int64]float64
	batchCap    int
	batches     [][]int64
	panicQuotes bool
}

func (f *fakeMarket) FilteredOptionChain(_ context.Context, _ market.ChainRequest) ([]market.Instrument, error) {
	if f.filteredErr != nil {
		return nil, f.filteredErr
	}
	return f.chain, nil
}

func (f *fakeMarket) OptionChain(_ context.Context, _ market.ChainRequest) ([]market.Instrument, error) {
	if f.chainErr != nil {
		return nil, f.chainErr
	}
	return f.chain, nil
}

func (f *fakeMarket) FetchQuotes(_ context.Context, tokens []int64) (map[int64]market.Quote, error) {
	if f.panicQuotes {
		panic("quote decoder exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]int64(nil), tokens...))
	out := make(map[int64]market.Quote)
	for _, tok := range tokens {
		if p, ok := f.prices[tok]; ok {
			out[tok] = market.Quote{Token: tok, LastPrice: p}
		}
	}
	return out, nil
}

func (f *fakeMarket) QuoteBatchCap() int { return f.batchCap }

type fakeExpiries []time.Time

func (f fakeExpiries) NextExpiries(context.Context, string, string) ([]time.Time, error) {
	return f, nil
}

// pricesFor quotes every leg with a positive price.
func pricesFor(strikes ...float64) map[int64]float64 {
	out := make(map[int64]float64)
	for _, k := range strikes {
		out[callToken(k)] = 400 - k
		out[putToken(k)] = k / 4
	}
	return out
}

func openFilter() Filter {
	return Filter{MinROI: math.Inf(-1), MinProfitability: math.Inf(-1), MaxSlippage: math.Inf(1)}
}

func newTestScanner(t *testing.T, data MarketData, expiries ExpirySource, opts Options) *Scanner {
	t.Helper()
	p := pool.New(4)
	t.Cleanup(p.Shutdown)
	return New(data, expiries, p, risk.DefaultFeeSchedule(), risk.DefaultMarginModel(), nil, opts)
}

func baseOptions() Options {
	return Options{
		Quantity:             1,
		MinStrikeDiff:        50,
		MaxStrikeDiff:        150,
		WorstCaseSlippagePct: 5,
		Filter:               openFilter(),
		QuoteBatchSize:       3,
		ParallelThreshold:    50,
		ProgressInterval:     time.Second,
	}
}

func pairs(spreads []box.Spread) [][2]float64 {
	out := make([][2]float64, 0, len(spreads))
	for _, s := range spreads {
		out = append(out, [2]float64{s.Lower, s.Higher})
	}
	return out
}

func TestGenerateCombinations_Scenario(t *testing.T) {
	got := GenerateCombinations([]float64{300, 100, 200, 150, 150}, 50, 150)
	assert.ElementsMatch(t, []box.Combination{
		{Lower: 100, Higher: 150},
		{Lower: 100, Higher: 200},
		{Lower: 150, Higher: 200},
		{Lower: 150, Higher: 300},
		{Lower: 200, Higher: 300},
	}, got)
}

func TestGenerateCombinations_SequentialMatchesParallel(t *testing.T) {
	var strikes []float64
	for i := 0; i < 120; i++ {
		strikes = append(strikes, 17000+float64(i)*50)
	}
	p := pool.New(4)
	defer p.Shutdown()

	for _, bounds := range [][2]float64{{50, 1000}, {0, 100000}, {500, 500}, {2000, 100}} {
		seq := GenerateCombinations(strikes, bounds[0], bounds[1])
		par, err := GenerateCombinationsParallel(p, strikes, bounds[0], bounds[1])
		require.NoError(t, err)
		assert.ElementsMatch(t, seq, par, "bounds %v", bounds)
	}
}

func TestFindProfitable_ScenarioPairs(t *testing.T) {
	strikes := []float64{100, 150, 200, 300}
	data := &fakeMarket{chain: chainFor(strikes...), prices: pricesFor(strikes...)}
	s := newTestScanner(t, data, fakeExpiries{testExpiry}, baseOptions())

	got, err := s.FindProfitable(context.Background(), "TEST", "NFO")
	require.NoError(t, err)
	assert.ElementsMatch(t, [][2]float64{{100, 150}, {100, 200}, {150, 200}, {150, 300}, {200, 300}}, pairs(got))

	for _, sp := range got {
		assert.True(t, sp.Complete(), sp.ID)
		for _, l := range sp.Legs() {
			assert.Greater(t, l.Price(), 0.0)
		}
	}
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
}

func TestFindProfitable_Economics(t *testing.T) {
	strikes := []float64{100, 150}
	data := &fakeMarket{chain: chainFor(strikes...), prices: map[int64]float64{
		callToken(100): 60, callToken(150): 20,
		putToken(100): 10, putToken(150): 55,
	}}
	s := newTestScanner(t, data, fakeExpiries{testExpiry}, baseOptions())

	got, err := s.FindProfitable(context.Background(), "TEST", "NFO")
	require.NoError(t, err)
	require.Len(t, got, 1)
	sp := got[0]

	assert.Equal(t, "TEST_NFO_100.00_150.00_2024-03-28", sp.ID)
	assert.Equal(t, callToken(100), sp.LongCall.Instrument.Token)
	assert.Equal(t, callToken(150), sp.ShortCall.Instrument.Token)
	assert.Equal(t, putToken(150), sp.LongPut.Instrument.Token)
	assert.Equal(t, putToken(100), sp.ShortPut.Instrument.Token)
	assert.Equal(t, box.Buy, sp.LongCall.Side)
	assert.Equal(t, box.Sell, sp.ShortPut.Side)

	assert.Equal(t, 50.0, sp.TheoreticalValue)
	assert.Equal(t, -85.0, sp.NetPremium)
	assert.Equal(t, 135.0, sp.ProfitLoss)
	// no depth: worst case 5% of each leg's notional
	assert.InDelta(t, (60+20+55+10)*0.05, sp.Slippage, 1e-9)
	assert.InDelta(t, risk.DefaultFeeSchedule().Fees(sp.Legs(), 1), sp.Fees, 1e-9)
	assert.InDelta(t, box.ROI(sp.NetEdge(), sp.Margin), sp.ROI, 1e-9)
	assert.InDelta(t, box.Score(sp.ROI, sp.NetEdge()), sp.Score, 1e-9)
}

func TestFindProfitable_EconomicsScaleWithQuantity(t *testing.T) {
	strikes := []float64{100, 150}
	data := &fakeMarket{chain: chainFor(strikes...), prices: map[int64]float64{
		callToken(100): 60, callToken(150): 20,
		putToken(100): 10, putToken(150): 55,
	}}
	opts := baseOptions()
	opts.Quantity = 50
	s := newTestScanner(t, data, fakeExpiries{testExpiry}, opts)

	got, err := s.FindProfitable(context.Background(), "TEST", "NFO")
	require.NoError(t, err)
	require.Len(t, got, 1)
	sp := got[0]

	assert.Equal(t, int64(50), sp.Quantity)
	assert.Equal(t, 50.0, sp.TheoreticalValue)
	assert.Equal(t, -85.0, sp.NetPremium)
	assert.Equal(t, 135.0*50, sp.ProfitLoss)
	assert.InDelta(t, (60+20+55+10)*0.05*50, sp.Slippage, 1e-9)
	assert.InDelta(t, risk.DefaultFeeSchedule().Fees(sp.Legs(), 50), sp.Fees, 1e-9)
	assert.InDelta(t, 6750-362.5-sp.Fees, sp.NetEdge(), 1e-9)
	// net debit 85 per unit: span 85*50*1.25 + exposure 145*50*3%
	assert.InDelta(t, 5312.5+217.5, sp.Margin, 1e-9)
	assert.Greater(t, sp.ROI, 100.0)
	assert.InDelta(t, box.ROI(sp.NetEdge(), sp.Margin), sp.ROI, 1e-9)
}

func TestFindProfitable_UnpricedLegExcluded(t *testing.T) {
	strikes := []float64{100, 150, 200, 300}
	prices := pricesFor(strikes...)
	delete(prices, putToken(150))
	data := &fakeMarket{chain: chainFor(strikes...), prices: prices}
	s := newTestScanner(t, data, fakeExpiries{testExpiry}, baseOptions())

	got, err := s.FindProfitable(context.Background(), "TEST", "NFO")
	require.NoError(t, err)
	assert.ElementsMatch(t, [][2]float64{{100, 200}, {200, 300}}, pairs(got))
}

func TestFindProfitable_ZeroPriceExcluded(t *testing.T) {
	strikes := []float64{100, 150}
	prices := pricesFor(strikes...)
	prices[callToken(150)] = 0
	data := &fakeMarket{chain: chainFor(strikes...), prices: prices}
	s := newTestScanner(t, data, fakeExpiries{testExpiry}, baseOptions())

	got, err := s.FindProfitable(context.Background(), "TEST", "NFO")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindProfitable_FallsBackToFullChain(t *testing.T) {
	strikes := []float64{100, 150}
	data := &fakeMarket{
		chain:       chainFor(strikes...),
		prices:      pricesFor(strikes...),
		filteredErr: errors.New("spot unavailable"),
	}
	s := newTestScanner(t, data, fakeExpiries{testExpiry}, baseOptions())

	got, err := s.FindProfitable(context.Background(), "TEST", "NFO")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFindProfitable_EmptyUniverse(t *testing.T) {
	opts := baseOptions()

	s := newTestScanner(t, &fakeMarket{chain: chainFor(100)}, fakeExpiries{testExpiry}, opts)
	got, err := s.FindProfitable(context.Background(), "TEST", "NFO")
	require.NoError(t, err)
	assert.Empty(t, got)

	s = newTestScanner(t, &fakeMarket{}, fakeExpiries{}, opts)
	got, err = s.FindProfitable(context.Background(), "TEST", "NFO")
	require.NoError(t, err)
	assert.Empty(t, got)

	broken := &fakeMarket{filteredErr: errors.New("x"), chainErr: errors.New("catalog down")}
	s = newTestScanner(t, broken, fakeExpiries{testExpiry}, opts)
	got, err = s.FindProfitable(context.Background(), "TEST", "NFO")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindProfitable_ParallelExpiries(t *testing.T) {
	strikes := []float64{100, 150, 200, 300}
	data := &fakeMarket{chain: chainFor(strikes...), prices: pricesFor(strikes...)}
	opts := baseOptions()
	opts.ParallelExpiries = true
	opts.ParallelThreshold = 0
	second := testExpiry.AddDate(0, 0, 7)
	s := newTestScanner(t, data, fakeExpiries{testExpiry, second}, opts)

	got, err := s.FindProfitable(context.Background(), "TEST", "NFO")
	require.NoError(t, err)
	assert.Len(t, got, 10)

	ids := make(map[string]bool)
	for _, sp := range got {
		ids[sp.ID] = true
	}
	assert.Len(t, ids, 10)
}

func TestFindProfitable_QuoteTaskPanicYieldsEmptyExpiry(t *testing.T) {
	strikes := []float64{100, 150}
	data := &fakeMarket{chain: chainFor(strikes...), prices: pricesFor(strikes...), panicQuotes: true}
	s := newTestScanner(t, data, fakeExpiries{testExpiry}, baseOptions())

	got, err := s.FindProfitable(context.Background(), "TEST", "NFO")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchQuotes_PartialResponse(t *testing.T) {
	data := &fakeMarket{prices: map[int64]float64{1: 10, 3: 30}}
	s := newTestScanner(t, data, nil, baseOptions())

	book, err := s.fetchQuotes(context.Background(), []int64{1, 2, 3}, "test")
	require.NoError(t, err)
	assert.Equal(t, 2, book.Len())
	_, ok := book.Get(2)
	assert.False(t, ok)
}

func TestFetchQuotes_BatchesRespectCap(t *testing.T) {
	tokens := make([]int64, 10)
	for i := range tokens {
		tokens[i] = int64(i + 1)
	}
	data := &fakeMarket{batchCap: 4}
	opts := baseOptions()
	opts.QuoteBatchSize = 100
	s := newTestScanner(t, data, nil, opts)

	_, err := s.fetchQuotes(context.Background(), tokens, "test")
	require.NoError(t, err)

	var seen []int64
	for _, b := range data.batches {
		assert.LessOrEqual(t, len(b), 4)
		seen = append(seen, b...)
	}
	sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })
	assert.Equal(t, tokens, seen)
}

func TestFetchQuotes_CancelledDuringStagger(t *testing.T) {
	opts := baseOptions()
	opts.QuoteBatchSize = 1
	opts.BatchDelay = time.Hour
	s := newTestScanner(t, &fakeMarket{}, nil, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.fetchQuotes(ctx, []int64{1, 2}, "test")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolveLegs_DeterministicBySymbol(t *testing.T) {
	chain := []market.Instrument{
		option(5, 100, market.TypeCall, "TESTZCE"),
		option(4, 100, market.TypeCall, "TESTACE"),
		option(7, 100, market.TypePut, "TESTYPE"),
		option(6, 100, market.TypePut, "TESTBPE"),
		option(8, 200, market.TypeCall, "TEST200CE"),
	}
	s := newTestScanner(t, &fakeMarket{}, nil, baseOptions())

	for i := 0; i < 5; i++ {
		legs, err := s.resolveLegs(chain)
		require.NoError(t, err)
		require.NotNil(t, legs[100].call)
		assert.Equal(t, int64(4), legs[100].call.Token)
		assert.Equal(t, int64(6), legs[100].put.Token)
		assert.Nil(t, legs[200].put)
	}
}

func TestRank_OrdersByScoreThenID(t *testing.T) {
	priced := func(id string, score, roi, slip float64) box.Spread {
		l := box.Leg{Quote: market.Quote{LastPrice: 1}}
		return box.Spread{ID: id, Score: score, ROI: roi, Slippage: slip, LongCall: l, ShortCall: l, LongPut: l, ShortPut: l}
	}
	in := []box.Spread{
		priced("b", 2, 1, 0),
		priced("a", 2, 1, 0),
		priced("c", 5, 1, 0),
		priced("low-roi", 9, 0.1, 0),
		priced("slippy", 9, 1, 50),
		{ID: "incomplete", Score: 100, ROI: 100},
	}
	got := Rank(in, Filter{MinROI: 0.5, MinProfitability: 1, MaxSlippage: 20})

	ids := make([]string, len(got))
	for i, s := range got {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestFilter_MinDepth(t *testing.T) {
	deep := market.Quote{LastPrice: 1, Depth: market.Depth{
		Buy:  []market.DepthLevel{{Price: 1, Quantity: 100}},
		Sell: []market.DepthLevel{{Price: 1, Quantity: 100}},
	}}
	s := box.Spread{
		LongCall: box.Leg{Quote: deep, Side: box.Buy}, ShortCall: box.Leg{Quote: deep, Side: box.Sell},
		LongPut: box.Leg{Quote: deep, Side: box.Buy}, ShortPut: box.Leg{Quote: market.Quote{LastPrice: 1}, Side: box.Sell},
	}
	f := openFilter()
	assert.True(t, f.Accept(&s))
	f.MinDepth = 10
	assert.False(t, f.Accept(&s))
	s.ShortPut.Quote = deep
	assert.True(t, f.Accept(&s))
}

func TestRank_DefaultConfigDropsUnfillableSpreads(t *testing.T) {
	cfg := config.Default()
	f := Filter{
		MinROI:           cfg.Strategy.MinROI,
		MinProfitability: cfg.Strategy.MinProfitability,
		MaxSlippage:      cfg.Strategy.MaxSlippage,
		MinDepth:         cfg.Strategy.LiquidityFloor(),
	}
	deep := market.Depth{
		Buy:  []market.DepthLevel{{Price: 1, Quantity: 10}},
		Sell: []market.DepthLevel{{Price: 1, Quantity: 10}},
	}
	spread := func(id string, depth market.Depth) box.Spread {
		q := market.Quote{LastPrice: 1, Depth: depth}
		return box.Spread{
			ID:       id,
			LongCall: box.Leg{Quote: q, Side: box.Buy}, ShortCall: box.Leg{Quote: q, Side: box.Sell},
			LongPut: box.Leg{Quote: q, Side: box.Buy}, ShortPut: box.Leg{Quote: q, Side: box.Sell},
			ROI: 5, Score: 3,
		}
	}

	got := Rank([]box.Spread{spread("empty", market.Depth{}), spread("fillable", deep)}, f)
	require.Len(t, got, 1)
	assert.Equal(t, "fillable", got[0].ID)
}
