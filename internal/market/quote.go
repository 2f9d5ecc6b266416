package market

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DepthLevel is one price level of the order book.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int     `json:"orders"`
}

// Depth holds the bid (Buy) and ask (Sell) ladders.
type Depth struct {
	Buy  []DepthLevel `json:"buy"`
	Sell []DepthLevel `json:"sell"`
}

// OHLC is the session's open/high/low/close.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Quote is a market snapshot for one instrument.
type Quote struct {
	Token        int64     `json:"instrument_token"`
	LastPrice    float64   `json:"last_price"`
	OHLC         OHLC      `json:"ohlc"`
	AveragePrice float64   `json:"average_price"`
	Volume       int64     `json:"volume"`
	BuyQuantity  int64     `json:"buy_quantity"`
	SellQuantity int64     `json:"sell_quantity"`
	OpenInterest float64   `json:"oi"`
	Depth        Depth     `json:"depth"`
	FetchedAt    time.Time `json:"-"`
}

// BestBid returns the top bid, or zero.
func (q Quote) BestBid() float64 {
	if len(q.Depth.Buy) == 0 {
		return 0
	}
	return q.Depth.Buy[0].Price
}

// BestAsk returns the top ask, or zero.
func (q Quote) BestAsk() float64 {
	if len(q.Depth.Sell) == 0 {
		return 0
	}
	return q.Depth.Sell[0].Price
}

type envelope struct {
	Status    string                     `json:"status"`
	Data      map[string]json.RawMessage `json:"data"`
	Message   string                     `json:"message"`
	ErrorType string                     `json:"error_type"`
}

func decodeEnvelope(body []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if env.Status != "" && env.Status != "success" {
		return nil, fmt.Errorf("upstream status %q: %s", env.Status, env.Message)
	}
	return &env, nil
}

// ParseQuotes decodes a /quote payload keyed by instrument token. Entries that
// fail to decode are logged and skipped.
func ParseQuotes(body []byte, fetchedAt time.Time) (map[int64]Quote, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}

	out := make(map[int64]Quote, len(env.Data))
	for key, raw := range env.Data {
		var q Quote
		if err := json.Unmarshal(raw, &q); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping malformed quote")
			continue
		}
		if q.Token == 0 {
			q.Token = parseInt(key)
		}
		if q.Token == 0 {
			log.Warn().Str("key", key).Msg("Skipping quote without instrument token")
			continue
		}
		q.FetchedAt = fetchedAt
		out[q.Token] = q
	}
	return out, nil
}

// ParseLTP decodes a /quote/ltp payload into token → last price.
func ParseLTP(body []byte) (map[int64]float64, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}

	out := make(map[int64]float64, len(env.Data))
	for key, raw := range env.Data {
		var v struct {
			Token     int64   `json:"instrument_token"`
			LastPrice float64 `json:"last_price"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping malformed LTP")
			continue
		}
		if v.Token == 0 {
			v.Token = parseInt(key)
		}
		if v.Token != 0 {
			out[v.Token] = v.LastPrice
		}
	}
	return out, nil
}

// SessionOHLC is a /quote/ohlc entry: last price plus the session's range.
type SessionOHLC struct {
	Token     int64   `json:"instrument_token"`
	LastPrice float64 `json:"last_price"`
	OHLC      OHLC    `json:"ohlc"`
}

// ParseOHLC decodes a /quote/ohlc payload keyed by instrument token.
func ParseOHLC(body []byte) (map[int64]SessionOHLC, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}

	out := make(map[int64]SessionOHLC, len(env.Data))
	for key, raw := range env.Data {
		var v SessionOHLC
		if err := json.Unmarshal(raw, &v); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping malformed OHLC")
			continue
		}
		if v.Token == 0 {
			v.Token = parseInt(key)
		}
		if v.Token != 0 {
			out[v.Token] = v
		}
	}
	return out, nil
}

// QuoteBook is a concurrency-safe token → quote map.
type QuoteBook struct {
	mu     sync.RWMutex
	quotes map[int64]Quote
}

// NewQuoteBook returns an empty book.
func NewQuoteBook() *QuoteBook {
	return &QuoteBook{quotes: make(map[int64]Quote)}
}

// Merge adds or replaces quotes.
func (b *QuoteBook) Merge(quotes map[int64]Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for token, q := range quotes {
		b.quotes[token] = q
	}
}

// Get returns the stored quote for token.
func (b *QuoteBook) Get(token int64) (Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[token]
	return q, ok
}

// GetFresh returns the quote only if it was fetched less than ttl before now.
func (b *QuoteBook) GetFresh(token int64, ttl time.Duration, now time.Time) (Quote, bool) {
	q, ok := b.Get(token)
	if !ok || ttl <= 0 || now.Sub(q.FetchedAt) >= ttl {
		return Quote{}, false
	}
	return q, true
}

// Prune drops quotes fetched at or before cutoff and returns how many were removed.
func (b *QuoteBook) Prune(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for token, q := range b.quotes {
		if !q.FetchedAt.After(cutoff) {
			delete(b.quotes, token)
			n++
		}
	}
	return n
}

// Len returns the number of stored quotes.
func (b *QuoteBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.quotes)
}

func tokenParams(tokens []int64) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = strconv.FormatInt(t, 10)
	}
	return out
}
