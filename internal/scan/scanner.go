package scan

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/boxscan/internal/box"
	"github.com/sawpanic/boxscan/internal/market"
	"github.com/sawpanic/boxscan/internal/metrics"
	"github.com/sawpanic/boxscan/internal/pool"
	"github.com/sawpanic/boxscan/internal/progress"
	"github.com/sawpanic/boxscan/internal/risk"
)

// MarketData is the subset of the gateway the scanner needs.
type MarketData interface {
	FilteredOptionChain(ctx context.Context, req market.ChainRequest) ([]market.Instrument, error)
	OptionChain(ctx context.Context, req market.ChainRequest) ([]market.Instrument, error)
	FetchQuotes(ctx context.Context, tokens []int64) (map[int64]market.Quote, error)
	QuoteBatchCap() int
}

// ExpirySource supplies the ordered expiries to scan.
type ExpirySource interface {
	NextExpiries(ctx context.Context, underlying, exchange string) ([]time.Time, error)
}

// Options tunes a Scanner.
type Options struct {
	Quantity             int64
	MinStrikeDiff        float64
	MaxStrikeDiff        float64
	WorstCaseSlippagePct float64
	Filter               Filter

	StrikeRangePercent float64
	SpotSymbol         string
	SpotExchange       string

	QuoteBatchSize   int
	AnalysisChunkMax int
	BatchDelay       time.Duration
	ExpiryDelay      time.Duration
	JitterMax        time.Duration

	// ParallelThreshold is the strike count above which combinations are
	// generated on the pool. Zero always uses the pool.
	ParallelThreshold int
	ParallelExpiries  bool
	ProgressInterval  time.Duration
}

// Scanner finds profitable box spreads for an underlying.
type Scanner struct {
	data     MarketData
	expiries ExpirySource
	pool     *pool.Pool
	fees     risk.FeeSchedule
	margin   risk.MarginModel
	metrics  *metrics.Registry
	opts     Options
}

// New creates a Scanner. m may be nil.
func New(data MarketData, expiries ExpirySource, p *pool.Pool, fees risk.FeeSchedule, margin risk.MarginModel, m *metrics.Registry, opts Options) *Scanner {
	if opts.Quantity <= 0 {
		opts.Quantity = 1
	}
	if opts.AnalysisChunkMax <= 0 {
		opts.AnalysisChunkMax = 50
	}
	return &Scanner{
		data:     data,
		expiries: expiries,
		pool:     p,
		fees:     fees,
		margin:   margin,
		metrics:  m,
		opts:     opts,
	}
}

// FindProfitable scans the upcoming expiries of underlying and returns the
// spreads passing the filter, best first. An empty universe yields an empty
// list, not an error.
func (s *Scanner) FindProfitable(ctx context.Context, underlying, exchange string) ([]box.Spread, error) {
	expiries, err := s.expiries.NextExpiries(ctx, underlying, exchange)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiries for %s: %w", underlying, err)
	}
	if len(expiries) == 0 {
		log.Warn().Str("underlying", underlying).Str("exchange", exchange).Msg("No expiries to scan")
		return nil, nil
	}

	var all []box.Spread
	if s.opts.ParallelExpiries {
		all, err = s.scanParallel(ctx, underlying, exchange, expiries)
	} else {
		all, err = s.scanSequential(ctx, underlying, exchange, expiries)
	}
	if err != nil {
		return nil, err
	}

	ranked := Rank(all, s.opts.Filter)
	log.Info().
		Str("underlying", underlying).
		Int("expiries", len(expiries)).
		Int("analysed", len(all)).
		Int("profitable", len(ranked)).
		Msg("Scan complete")
	return ranked, nil
}

func (s *Scanner) scanSequential(ctx context.Context, underlying, exchange string, expiries []time.Time) ([]box.Spread, error) {
	var all []box.Spread
	for i, exp := range expiries {
		if i > 0 {
			if err := sleepCtx(ctx, s.opts.ExpiryDelay); err != nil {
				return nil, err
			}
		}
		spreads, err := s.scanExpiry(ctx, underlying, exchange, exp)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn().Err(err).Str("expiry", exp.Format(market.ExpiryLayout)).Msg("Expiry scan failed")
			continue
		}
		all = append(all, spreads...)
	}
	return all, nil
}

// scanParallel runs one goroutine per expiry. Stage work still goes to the
// pool; expiries are not pool tasks because they block on pool futures.
func (s *Scanner) scanParallel(ctx context.Context, underlying, exchange string, expiries []time.Time) ([]box.Spread, error) {
	var (
		mu  sync.Mutex
		all []box.Spread
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, exp := range expiries {
		g.Go(func() error {
			spreads, err := s.scanExpiry(gctx, underlying, exchange, exp)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn().Err(err).Str("expiry", exp.Format(market.ExpiryLayout)).Msg("Expiry scan failed")
				return nil
			}
			mu.Lock()
			all = append(all, spreads...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

func (s *Scanner) scanExpiry(ctx context.Context, underlying, exchange string, expiry time.Time) ([]box.Spread, error) {
	label := fmt.Sprintf("%s %s", underlying, expiry.Format(market.ExpiryLayout))

	timer := s.metrics.StartStepTimer("strikes")
	chain, err := s.discoverChain(ctx, underlying, exchange, expiry)
	if err != nil {
		timer.Stop("error")
		return nil, err
	}
	strikes := strikesOf(chain)
	timer.Stop("success")
	if len(strikes) < 2 {
		log.Info().Str("scan", label).Int("strikes", len(strikes)).Msg("Not enough strikes")
		return nil, nil
	}

	timer = s.metrics.StartStepTimer("combinations")
	combos, err := s.generate(strikes)
	if err != nil {
		timer.Stop("error")
		return nil, fmt.Errorf("failed to generate combinations: %w", err)
	}
	timer.Stop("success")
	if len(combos) == 0 {
		log.Info().Str("scan", label).Int("strikes", len(strikes)).Msg("No strike pairs within width bounds")
		return nil, nil
	}

	timer = s.metrics.StartStepTimer("legs")
	legs, err := s.resolveLegs(chain)
	if err != nil {
		timer.Stop("error")
		return nil, fmt.Errorf("failed to resolve legs: %w", err)
	}
	timer.Stop("success")

	timer = s.metrics.StartStepTimer("quotes")
	book, err := s.fetchQuotes(ctx, neededTokens(combos, legs), label)
	if err != nil {
		timer.Stop("error")
		return nil, err
	}
	timer.Stop("success")

	timer = s.metrics.StartStepTimer("analysis")
	base := box.Spread{Underlying: underlying, Exchange: exchange, Expiry: expiry, Quantity: s.opts.Quantity}
	spreads, err := s.analyze(combos, legs, book, base, label)
	if err != nil {
		timer.Stop("error")
		return nil, fmt.Errorf("analysis failed: %w", err)
	}
	timer.Stop("success")
	s.metrics.RecordPool(s.pool.Size(), s.pool.ActiveCount(), s.pool.QueueDepth())

	log.Debug().
		Str("scan", label).
		Int("strikes", len(strikes)).
		Int("combinations", len(combos)).
		Int("quoted", book.Len()).
		Int("complete", len(spreads)).
		Msg("Expiry analysed")
	return spreads, nil
}

// discoverChain prefers the spot-centred chain and falls back to the full
// chain for the expiry on any failure.
func (s *Scanner) discoverChain(ctx context.Context, underlying, exchange string, expiry time.Time) ([]market.Instrument, error) {
	req := market.ChainRequest{
		Underlying:   underlying,
		Exchange:     exchange,
		Expiry:       expiry,
		SpotSymbol:   s.opts.SpotSymbol,
		SpotExchange: s.opts.SpotExchange,
		RangePercent: s.opts.StrikeRangePercent,
	}
	chain, err := s.data.FilteredOptionChain(ctx, req)
	if err == nil {
		return chain, nil
	}
	log.Debug().Err(err).Str("underlying", underlying).Msg("Filtered chain unavailable, using full chain")

	chain, err = s.data.OptionChain(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to load option chain: %w", err)
	}
	return chain, nil
}

func (s *Scanner) generate(strikes []float64) ([]box.Combination, error) {
	if len(strikes) <= s.opts.ParallelThreshold {
		return GenerateCombinations(strikes, s.opts.MinStrikeDiff, s.opts.MaxStrikeDiff), nil
	}
	return GenerateCombinationsParallel(s.pool, strikes, s.opts.MinStrikeDiff, s.opts.MaxStrikeDiff)
}

func strikesOf(chain []market.Instrument) []float64 {
	seen := make(map[float64]struct{})
	var out []float64
	for _, inst := range chain {
		if !inst.IsOption() || inst.Strike <= 0 {
			continue
		}
		if _, ok := seen[inst.Strike]; ok {
			continue
		}
		seen[inst.Strike] = struct{}{}
		out = append(out, inst.Strike)
	}
	sort.Float64s(out)
	return out
}

// strikeLegs holds the call and put chosen for one strike.
type strikeLegs struct {
	strike float64
	call   *market.Instrument
	put    *market.Instrument
}

// resolveLegs picks a call and a put per strike on the pool. Among several
// candidates of one type the lowest trading symbol wins.
func (s *Scanner) resolveLegs(chain []market.Instrument) (map[float64]strikeLegs, error) {
	byStrike := make(map[float64][]market.Instrument)
	for _, inst := range chain {
		if inst.IsOption() {
			byStrike[inst.Strike] = append(byStrike[inst.Strike], inst)
		}
	}
	strikes := make([]float64, 0, len(byStrike))
	for k := range byStrike {
		strikes = append(strikes, k)
	}
	sort.Float64s(strikes)

	size := progress.OptimalBatchSize(len(strikes), s.pool.Size(), 1, 50)
	var futures []*pool.Future[[]strikeLegs]
	for lo := 0; lo < len(strikes); lo += size {
		batch := strikes[lo:min(lo+size, len(strikes))]
		futures = append(futures, pool.Submit(s.pool, func() ([]strikeLegs, error) {
			out := make([]strikeLegs, 0, len(batch))
			for _, k := range batch {
				out = append(out, pickLegs(k, byStrike[k]))
			}
			return out, nil
		}))
	}

	batches, err := pool.WaitAll(futures)
	if err != nil {
		return nil, err
	}
	legs := make(map[float64]strikeLegs, len(strikes))
	for _, b := range batches {
		for _, sl := range b {
			legs[sl.strike] = sl
		}
	}
	return legs, nil
}

func pickLegs(strike float64, candidates []market.Instrument) strikeLegs {
	sorted := append([]market.Instrument(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Symbol < sorted[j].Symbol })

	sl := strikeLegs{strike: strike}
	for i := range sorted {
		inst := &sorted[i]
		switch {
		case inst.IsCall() && sl.call == nil:
			sl.call = inst
		case inst.IsPut() && sl.put == nil:
			sl.put = inst
		}
	}
	return sl
}

// neededTokens returns the sorted tokens of every leg some combination uses.
func neededTokens(combos []box.Combination, legs map[float64]strikeLegs) []int64 {
	used := make(map[float64]struct{})
	for _, c := range combos {
		used[c.Lower] = struct{}{}
		used[c.Higher] = struct{}{}
	}
	var tokens []int64
	for k := range used {
		sl := legs[k]
		if sl.call != nil {
			tokens = append(tokens, sl.call.Token)
		}
		if sl.put != nil {
			tokens = append(tokens, sl.put.Token)
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

// fetchQuotes prices tokens in capped batches dispatched on the pool. Batch i
// starts no earlier than i*BatchDelay plus jitter after dispatch. A failed
// batch only leaves its tokens unpriced.
func (s *Scanner) fetchQuotes(ctx context.Context, tokens []int64, label string) (*market.QuoteBook, error) {
	book := market.NewQuoteBook()
	if len(tokens) == 0 {
		return book, nil
	}

	size := s.opts.QuoteBatchSize
	if limit := s.data.QuoteBatchCap(); limit > 0 && (size <= 0 || size > limit) {
		size = limit
	}
	if size <= 0 {
		size = market.DefaultQuoteBatchCap
	}

	var attempted atomic.Int64
	stop := progress.Monitor(int64(len(tokens)), &attempted, s.opts.ProgressInterval, label+" quotes")
	defer stop()

	start := time.Now()
	var futures []*pool.Future[struct{}]
	for i, lo := 0, 0; lo < len(tokens); i, lo = i+1, lo+size {
		batch := tokens[lo:min(lo+size, len(tokens))]
		due := start.Add(time.Duration(i)*s.opts.BatchDelay + s.jitter())
		futures = append(futures, s.pool.Go(func() error {
			defer attempted.Add(int64(len(batch)))
			if err := sleepCtx(ctx, time.Until(due)); err != nil {
				return err
			}
			quotes, err := s.data.FetchQuotes(ctx, batch)
			if err != nil {
				log.Warn().Err(err).Int("tokens", len(batch)).Msg("Quote batch failed")
				return nil
			}
			book.Merge(quotes)
			return nil
		}))
	}
	if _, err := pool.WaitAll(futures); err != nil {
		return nil, fmt.Errorf("quote fetch interrupted: %w", err)
	}
	return book, nil
}

func (s *Scanner) jitter() time.Duration {
	if s.opts.JitterMax <= 0 {
		return 0
	}
	return rand.N(s.opts.JitterMax)
}

// analyze evaluates combos with one drainer per worker. Each drainer claims
// max(1, min(AnalysisChunkMax, remaining/workers)) combinations at a time.
func (s *Scanner) analyze(combos []box.Combination, legs map[float64]strikeLegs, book *market.QuoteBook, base box.Spread, label string) ([]box.Spread, error) {
	workers := max(1, s.pool.Size())

	var (
		claimMu sync.Mutex
		next    int
		resMu   sync.Mutex
		results []box.Spread
		done    atomic.Int64
	)
	claim := func() (int, int) {
		claimMu.Lock()
		defer claimMu.Unlock()
		remaining := len(combos) - next
		if remaining <= 0 {
			return 0, 0
		}
		chunk := max(1, min(s.opts.AnalysisChunkMax, remaining/workers))
		lo := next
		next += chunk
		return lo, next
	}

	stop := progress.Monitor(int64(len(combos)), &done, s.opts.ProgressInterval, label+" analysis")
	defer stop()

	futures := make([]*pool.Future[struct{}], 0, workers)
	for w := 0; w < workers; w++ {
		futures = append(futures, s.pool.Go(func() error {
			var local []box.Spread
			for {
				lo, hi := claim()
				if lo == hi {
					break
				}
				for _, c := range combos[lo:hi] {
					if sp, ok := s.evaluate(c, legs, book, base); ok {
						local = append(local, sp)
					}
				}
				done.Add(int64(hi - lo))
			}
			resMu.Lock()
			results = append(results, local...)
			resMu.Unlock()
			return nil
		}))
	}
	if _, err := pool.WaitAll(futures); err != nil {
		return nil, err
	}
	return results, nil
}

// evaluate prices one combination. It reports false when a leg is missing,
// unquoted or not positively priced.
func (s *Scanner) evaluate(c box.Combination, legs map[float64]strikeLegs, book *market.QuoteBook, base box.Spread) (box.Spread, bool) {
	low, high := legs[c.Lower], legs[c.Higher]
	if low.call == nil || low.put == nil || high.call == nil || high.put == nil {
		return box.Spread{}, false
	}

	leg := func(inst *market.Instrument, side box.Side) (box.Leg, bool) {
		q, ok := book.Get(inst.Token)
		return box.Leg{Instrument: *inst, Quote: q, Side: side}, ok
	}
	lc, ok1 := leg(low.call, box.Buy)
	sc, ok2 := leg(high.call, box.Sell)
	lp, ok3 := leg(high.put, box.Buy)
	sp, ok4 := leg(low.put, box.Sell)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return box.Spread{}, false
	}

	out := base
	out.ID = box.SpreadID(base.Underlying, base.Exchange, c.Lower, c.Higher, base.Expiry)
	out.Lower, out.Higher = c.Lower, c.Higher
	out.LongCall, out.ShortCall, out.LongPut, out.ShortPut = lc, sc, lp, sp
	if !out.Complete() {
		return box.Spread{}, false
	}

	qty := out.Quantity
	all := out.Legs()
	out.TheoreticalValue = c.Width()
	out.NetPremium = box.NetPremium(lc.Price(), sc.Price(), lp.Price(), sp.Price())
	out.ProfitLoss = (out.TheoreticalValue - out.NetPremium) * float64(qty)
	out.Slippage = box.TotalSlippage(all, qty, s.opts.WorstCaseSlippagePct)
	out.Fees = s.fees.Fees(all, qty)
	out.Margin = s.margin.MarginRequired(&out, qty)
	out.ROI = box.ROI(out.NetEdge(), out.Margin)
	out.Score = box.Score(out.ROI, out.NetEdge())
	return out, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
