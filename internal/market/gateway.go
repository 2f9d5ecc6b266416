package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/sawpanic/boxscan/internal/metrics"
	"github.com/sawpanic/boxscan/internal/net/client"
	"github.com/sawpanic/boxscan/internal/net/ratelimit"
)

// Upstream endpoints, also used as rate-limit keys.
const (
	EndpointInstruments = "/instruments"
	EndpointQuote       = "/quote"
	EndpointLTP         = "/quote/ltp"
	EndpointOHLC        = "/quote/ohlc"
)

// DefaultLimits are the per-endpoint requests-per-minute limits.
var DefaultLimits = map[string]int{
	EndpointInstruments:       1,
	EndpointQuote:             15,
	EndpointLTP:               15,
	EndpointOHLC:              15,
	ratelimit.DefaultEndpoint: 10,
}

// DefaultQuoteBatchCap is the upstream limit on instruments per quote call.
const DefaultQuoteBatchCap = 250

var (
	// ErrUnauthenticated is returned without any network call when no valid token is held.
	ErrUnauthenticated = errors.New("access token missing or invalid")
	// ErrUnauthorized wraps 401/403 responses.
	ErrUnauthorized = errors.New("upstream rejected credentials")
	// ErrThrottled wraps 429 responses.
	ErrThrottled = errors.New("upstream rate limit exceeded")
	// ErrNotFound is returned when an instrument is not in the catalog.
	ErrNotFound = errors.New("instrument not found")
)

// APIError is a non-2xx upstream response.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrThrottled
	}
	return nil
}

// Doer is the HTTP transport.
type Doer interface {
	Do(ctx context.Context, req client.Request) (*client.Response, error)
}

// Authenticator supplies credentials and is told when they are rejected.
type Authenticator interface {
	IsTokenValid() bool
	Invalidate()
	APIKey() string
	AccessToken() string
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	BaseURL       string
	QuoteBatchCap int
	QuoteTTL      time.Duration // ad-hoc quote cache; 0 disables
}

// Gateway is the rate-limited, cached market data source.
type Gateway struct {
	cfg     GatewayConfig
	http    Doer
	auth    Authenticator
	limiter *ratelimit.Window
	catalog *CatalogCache
	recent  *QuoteBook
	metrics *metrics.Registry
	group   singleflight.Group
	now     func() time.Time
}

// NewGateway wires a gateway. m may be nil.
func NewGateway(cfg GatewayConfig, doer Doer, auth Authenticator, limiter *ratelimit.Window, cache *CatalogCache, m *metrics.Registry) *Gateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.kite.trade"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.QuoteBatchCap <= 0 {
		cfg.QuoteBatchCap = DefaultQuoteBatchCap
	}
	return &Gateway{
		cfg:     cfg,
		http:    doer,
		auth:    auth,
		limiter: limiter,
		catalog: cache,
		recent:  NewQuoteBook(),
		metrics: m,
		now:     time.Now,
	}
}

// QuoteBatchCap returns the per-call instrument cap.
func (g *Gateway) QuoteBatchCap() int { return g.cfg.QuoteBatchCap }

// Limiter exposes the endpoint limiter for reporting.
func (g *Gateway) Limiter() *ratelimit.Window { return g.limiter }

// call performs one authenticated, rate-limited GET and maps upstream failures.
func (g *Gateway) call(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	if !g.auth.IsTokenValid() {
		g.metrics.RecordRequest(endpoint, "unauthenticated")
		return nil, fmt.Errorf("%s: %w", endpoint, ErrUnauthenticated)
	}
	if err := g.limiter.Acquire(ctx, endpoint); err != nil {
		g.metrics.RecordRequest(endpoint, "rate_limit_wait")
		return nil, err
	}

	u := g.cfg.BaseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := g.http.Do(ctx, client.Request{
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{
			"X-Kite-Version": []string{"3"},
			"Authorization":  []string{"token " + g.auth.APIKey() + ":" + g.auth.AccessToken()},
		},
	})
	if err != nil {
		g.metrics.RecordRequest(endpoint, "transport_error")
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	g.metrics.RecordRequest(endpoint, strconv.Itoa(resp.Status))

	if resp.Status >= 200 && resp.Status < 300 {
		return resp.Body, nil
	}

	apiErr := &APIError{Endpoint: endpoint, StatusCode: resp.Status, Body: truncate(string(resp.Body), 256)}
	switch resp.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		g.auth.Invalidate()
		log.Error().Str("endpoint", endpoint).Int("status", resp.Status).Msg("Credentials rejected, token invalidated")
	case http.StatusTooManyRequests:
		limit := g.limiter.Throttled(endpoint)
		g.metrics.RecordThrottle(endpoint, limit)
		log.Warn().Str("endpoint", endpoint).Int("new_limit", limit).Msg("Upstream throttled, reducing rate limit")
	default:
		log.Warn().Str("endpoint", endpoint).Int("status", resp.Status).Msg("Upstream request failed")
	}
	return nil, apiErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// FetchCatalog returns the instrument catalog, from cache while it is younger
// than the TTL and from the network otherwise. Concurrent misses share one fetch.
func (g *Gateway) FetchCatalog(ctx context.Context) (*Catalog, error) {
	if cat, src, ok := g.catalog.Fresh(); ok {
		g.metrics.RecordCacheHit("catalog_" + src)
		return cat, nil
	}
	g.metrics.RecordCacheMiss("catalog")

	v, err, _ := g.group.Do("catalog", func() (any, error) {
		if cat, _, ok := g.catalog.Fresh(); ok {
			return cat, nil
		}
		return g.fetchCatalog(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Catalog), nil
}

// RefreshCatalog fetches the catalog from the network regardless of cache age.
func (g *Gateway) RefreshCatalog(ctx context.Context) (*Catalog, error) {
	v, err, _ := g.group.Do("catalog", func() (any, error) {
		return g.fetchCatalog(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Catalog), nil
}

// ClearCatalog drops the cached catalog from disk and memory.
func (g *Gateway) ClearCatalog() error {
	return g.catalog.Clear()
}

func (g *Gateway) fetchCatalog(ctx context.Context) (*Catalog, error) {
	start := g.now()
	body, err := g.call(ctx, EndpointInstruments, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	cat, err := g.catalog.Store(body)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	log.Info().
		Int("instruments", cat.Len()).
		Int("bytes", len(body)).
		Dur("took", g.now().Sub(start)).
		Str("cache_file", g.catalog.Path()).
		Msg("Instrument catalog fetched")
	return cat, nil
}

// FetchQuotes returns quotes for tokens, split into calls of at most
// QuoteBatchCap instruments. A failed batch does not stop later ones; its
// tokens are simply absent. An error is returned only when every batch failed.
func (g *Gateway) FetchQuotes(ctx context.Context, tokens []int64) (map[int64]Quote, error) {
	tokens = dedupe(tokens)
	merged := make(map[int64]Quote, len(tokens))
	if len(tokens) == 0 {
		return merged, nil
	}

	var (
		lastErr error
		failed  int
		batches int
	)
	for start := 0; start < len(tokens); start += g.cfg.QuoteBatchCap {
		end := min(start+g.cfg.QuoteBatchCap, len(tokens))
		batches++

		quotes, err := g.fetchQuoteBatch(ctx, tokens[start:end])
		if err != nil {
			failed++
			lastErr = err
			log.Warn().Err(err).Int("batch_start", start).Int("batch_size", end-start).Msg("Quote batch failed")
			continue
		}
		for token, q := range quotes {
			merged[token] = q
		}
	}

	if g.cfg.QuoteTTL > 0 {
		g.recent.Merge(merged)
		g.recent.Prune(g.now().Add(-g.cfg.QuoteTTL))
	}
	if failed == batches {
		return merged, fmt.Errorf("all %d quote batches failed: %w", batches, lastErr)
	}
	if len(merged) < len(tokens) {
		log.Debug().Int("requested", len(tokens)).Int("priced", len(merged)).Msg("Quote response incomplete")
	}
	return merged, nil
}

func (g *Gateway) fetchQuoteBatch(ctx context.Context, tokens []int64) (map[int64]Quote, error) {
	body, err := g.call(ctx, EndpointQuote, url.Values{"i": tokenParams(tokens)})
	if err != nil {
		return nil, err
	}
	return ParseQuotes(body, g.now())
}

// FetchLTP returns last traded prices for tokens.
func (g *Gateway) FetchLTP(ctx context.Context, tokens []int64) (map[int64]float64, error) {
	body, err := g.call(ctx, EndpointLTP, url.Values{"i": tokenParams(dedupe(tokens))})
	if err != nil {
		return nil, err
	}
	return ParseLTP(body)
}

// FetchOHLC returns last price and session OHLC for tokens.
func (g *Gateway) FetchOHLC(ctx context.Context, tokens []int64) (map[int64]SessionOHLC, error) {
	body, err := g.call(ctx, EndpointOHLC, url.Values{"i": tokenParams(dedupe(tokens))})
	if err != nil {
		return nil, err
	}
	return ParseOHLC(body)
}

// FetchSpotOHLC resolves symbol on exchange through the catalog and returns
// its session OHLC.
func (g *Gateway) FetchSpotOHLC(ctx context.Context, symbol, exchange string) (SessionOHLC, error) {
	cat, err := g.FetchCatalog(ctx)
	if err != nil {
		return SessionOHLC{}, err
	}
	inst, ok := cat.Lookup(symbol, exchange)
	if !ok {
		return SessionOHLC{}, fmt.Errorf("%w: %s", ErrNotFound, InstrumentKey(symbol, exchange))
	}
	res, err := g.FetchOHLC(ctx, []int64{inst.Token})
	if err != nil {
		return SessionOHLC{}, err
	}
	s, ok := res[inst.Token]
	if !ok {
		return SessionOHLC{}, fmt.Errorf("no OHLC for %s", inst.Key())
	}
	return s, nil
}

// LastQuote returns a quote seen by FetchQuotes if it is younger than the quote TTL.
func (g *Gateway) LastQuote(token int64) (Quote, bool) {
	return g.recent.GetFresh(token, g.cfg.QuoteTTL, g.now())
}

// FetchSpotPrice resolves symbol on exchange through the catalog and returns
// its last price. A recent cached quote is used when the LTP call fails.
func (g *Gateway) FetchSpotPrice(ctx context.Context, symbol, exchange string) (float64, error) {
	cat, err := g.FetchCatalog(ctx)
	if err != nil {
		return 0, err
	}
	inst, ok := cat.Lookup(symbol, exchange)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, InstrumentKey(symbol, exchange))
	}

	prices, err := g.FetchLTP(ctx, []int64{inst.Token})
	if err == nil {
		if p := prices[inst.Token]; p > 0 {
			return p, nil
		}
		err = fmt.Errorf("no last price for %s", inst.Key())
	}
	if q, ok := g.LastQuote(inst.Token); ok && q.LastPrice > 0 {
		log.Debug().Err(err).Str("symbol", inst.Key()).Msg("Spot price served from quote cache")
		return q.LastPrice, nil
	}
	return 0, fmt.Errorf("spot price %s: %w", inst.Key(), err)
}

// ChainRequest describes an option chain lookup.
type ChainRequest struct {
	Underlying   string
	Exchange     string
	Expiry       time.Time
	SpotSymbol   string
	SpotExchange string
	RangePercent float64
}

// OptionChain returns every option of the underlying for the expiry.
func (g *Gateway) OptionChain(ctx context.Context, req ChainRequest) ([]Instrument, error) {
	cat, err := g.FetchCatalog(ctx)
	if err != nil {
		return nil, err
	}
	return cat.OptionChain(ChainFilter{Underlying: req.Underlying, Exchange: req.Exchange, Expiry: req.Expiry}), nil
}

// FilteredOptionChain returns options within RangePercent of the spot price.
// It fails when the spot price is unavailable or nothing is in range.
func (g *Gateway) FilteredOptionChain(ctx context.Context, req ChainRequest) ([]Instrument, error) {
	cat, err := g.FetchCatalog(ctx)
	if err != nil {
		return nil, err
	}
	symbol := req.SpotSymbol
	if symbol == "" {
		symbol = req.Underlying
	}
	spot, err := g.FetchSpotPrice(ctx, symbol, req.SpotExchange)
	if err != nil {
		return nil, err
	}

	band := spot * req.RangePercent / 100
	chain := cat.OptionChain(ChainFilter{
		Underlying: req.Underlying,
		Exchange:   req.Exchange,
		Expiry:     req.Expiry,
		MinStrike:  spot - band,
		MaxStrike:  spot + band,
	})
	if len(chain) == 0 {
		return nil, fmt.Errorf("no options within %.1f%% of spot %.2f", req.RangePercent, spot)
	}
	log.Debug().
		Str("underlying", req.Underlying).
		Float64("spot", spot).
		Int("options", len(chain)).
		Msg("Filtered option chain")
	return chain, nil
}

func dedupe(tokens []int64) []int64 {
	seen := make(map[int64]struct{}, len(tokens))
	out := make([]int64, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
