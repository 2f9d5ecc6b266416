package market

import (
	"sort"
	"strings"
	"time"
)

// Catalog is an immutable indexed snapshot of the instrument list.
type Catalog struct {
	list      []Instrument
	byToken   map[int64]int
	byKey     map[string]int64
	fetchedAt time.Time
}

// NewCatalog indexes instruments by token and by "symbol:exchange". When a key
// repeats, the first instrument in catalog order wins.
func NewCatalog(instruments []Instrument, fetchedAt time.Time) *Catalog {
	c := &Catalog{
		list:      instruments,
		byToken:   make(map[int64]int, len(instruments)),
		byKey:     make(map[string]int64, len(instruments)),
		fetchedAt: fetchedAt,
	}
	for i, inst := range instruments {
		if _, ok := c.byToken[inst.Token]; !ok {
			c.byToken[inst.Token] = i
		}
		if _, ok := c.byKey[inst.Key()]; !ok {
			c.byKey[inst.Key()] = inst.Token
		}
	}
	return c
}

// Len returns the number of instruments.
func (c *Catalog) Len() int { return len(c.list) }

// FetchedAt is the time the underlying data was fetched.
func (c *Catalog) FetchedAt() time.Time { return c.fetchedAt }

// All returns the instruments in catalog order. Callers must not modify the slice.
func (c *Catalog) All() []Instrument { return c.list }

// Get returns the instrument with token.
func (c *Catalog) Get(token int64) (Instrument, bool) {
	i, ok := c.byToken[token]
	if !ok {
		return Instrument{}, false
	}
	return c.list[i], true
}

// Lookup resolves a trading symbol on an exchange.
func (c *Catalog) Lookup(symbol, exchange string) (Instrument, bool) {
	token, ok := c.byKey[InstrumentKey(symbol, exchange)]
	if !ok {
		return Instrument{}, false
	}
	return c.Get(token)
}

// ChainFilter selects options from the catalog. Zero strike bounds are open.
type ChainFilter struct {
	Underlying string
	Exchange   string
	Expiry     time.Time
	MinStrike  float64
	MaxStrike  float64
}

// expiryTolerance absorbs timezone skew between catalog dates and requested expiries.
const expiryTolerance = 24 * time.Hour

func (f ChainFilter) matches(inst Instrument) bool {
	if !inst.IsOption() {
		return false
	}
	if f.Exchange != "" && !strings.EqualFold(inst.Exchange, f.Exchange) {
		return false
	}
	if !matchesUnderlying(inst, f.Underlying) {
		return false
	}
	if !f.Expiry.IsZero() {
		d := inst.Expiry.Sub(f.Expiry)
		if d < 0 {
			d = -d
		}
		if d >= expiryTolerance {
			return false
		}
	}
	if f.MinStrike > 0 && inst.Strike < f.MinStrike {
		return false
	}
	if f.MaxStrike > 0 && inst.Strike > f.MaxStrike {
		return false
	}
	return true
}

func matchesUnderlying(inst Instrument, underlying string) bool {
	if underlying == "" {
		return true
	}
	if inst.Name != "" {
		return strings.EqualFold(inst.Name, underlying)
	}
	return strings.HasPrefix(strings.ToUpper(inst.Symbol), strings.ToUpper(underlying))
}

// OptionChain returns matching options sorted by strike, then type, then symbol.
func (c *Catalog) OptionChain(f ChainFilter) []Instrument {
	var out []Instrument
	for _, inst := range c.list {
		if f.matches(inst) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strike != out[j].Strike {
			return out[i].Strike < out[j].Strike
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Expiries returns the distinct option expiries of underlying on exchange, ascending.
func (c *Catalog) Expiries(underlying, exchange string) []time.Time {
	seen := make(map[time.Time]struct{})
	f := ChainFilter{Underlying: underlying, Exchange: exchange}
	for _, inst := range c.list {
		if inst.Expiry.IsZero() || !f.matches(inst) {
			continue
		}
		seen[inst.Expiry] = struct{}{}
	}
	out := make([]time.Time, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
