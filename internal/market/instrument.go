package market

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Instrument types as published in the catalog.
const (
	TypeCall   = "CE"
	TypePut    = "PE"
	TypeFuture = "FUT"
	TypeEquity = "EQ"
)

// ExpiryLayout is the catalog's expiry date format.
const ExpiryLayout = "2006-01-02"

// minCatalogFields is the shortest row accepted from the catalog file.
const minCatalogFields = 11

// Instrument is one tradeable contract from the catalog.
type Instrument struct {
	Token         int64     `json:"instrument_token"`
	ExchangeToken int64     `json:"exchange_token"`
	Symbol        string    `json:"tradingsymbol"`
	Name          string    `json:"name"`
	LastPrice     float64   `json:"last_price"`
	Expiry        time.Time `json:"expiry"`
	Strike        float64   `json:"strike"`
	TickSize      float64   `json:"tick_size"`
	LotSize       int       `json:"lot_size"`
	Type          string    `json:"instrument_type"`
	Segment       string    `json:"segment"`
	Exchange      string    `json:"exchange"`
}

// Key returns "symbol:exchange".
func (i Instrument) Key() string {
	return InstrumentKey(i.Symbol, i.Exchange)
}

// InstrumentKey builds the "symbol:exchange" lookup key.
func InstrumentKey(symbol, exchange string) string {
	return symbol + ":" + exchange
}

// IsCall reports whether the instrument is a call option.
func (i Instrument) IsCall() bool { return i.Type == TypeCall }

// IsPut reports whether the instrument is a put option.
func (i Instrument) IsPut() bool { return i.Type == TypePut }

// IsOption reports whether the instrument is a call or a put.
func (i Instrument) IsOption() bool { return i.IsCall() || i.IsPut() }

// ParseCatalog reads the instruments CSV. A header row is skipped, rows with
// fewer than 11 fields are dropped and unparseable numbers default to zero.
func ParseCatalog(data []byte) ([]Instrument, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.ReuseRecord = true
	r.LazyQuotes = true

	var (
		out     []Instrument
		skipped int
	)
	for line := 1; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				skipped++
				continue
			}
			return nil, fmt.Errorf("read catalog line %d: %w", line, err)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "instrument_token") {
			continue
		}
		if len(rec) < minCatalogFields {
			skipped++
			continue
		}
		out = append(out, parseRecord(rec))
	}

	if skipped > 0 {
		log.Debug().Int("skipped", skipped).Int("parsed", len(out)).Msg("Catalog rows skipped")
	}
	return out, nil
}

func parseRecord(rec []string) Instrument {
	field := func(i int) string {
		if i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	inst := Instrument{
		Token:         parseInt(field(0)),
		ExchangeToken: parseInt(field(1)),
		Symbol:        field(2),
		Name:          strings.Trim(field(3), `"`),
		LastPrice:     parseFloat(field(4)),
		Strike:        parseFloat(field(6)),
		TickSize:      parseFloat(field(7)),
		LotSize:       int(parseInt(field(8))),
		Type:          field(9),
		Segment:       field(10),
		Exchange:      field(11),
	}
	if raw := field(5); raw != "" {
		if t, err := time.Parse(ExpiryLayout, raw); err == nil {
			inst.Expiry = t
		}
	}
	// Older dumps carry the exchange only as the segment prefix, e.g. "NFO-OPT".
	if inst.Exchange == "" {
		if idx := strings.IndexByte(inst.Segment, '-'); idx > 0 {
			inst.Exchange = inst.Segment[:idx]
		} else {
			inst.Exchange = inst.Segment
		}
	}
	return inst
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
