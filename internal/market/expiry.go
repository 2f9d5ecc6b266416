package market

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// ExchangeLocation is the exchange calendar's time zone (IST, no DST).
var ExchangeLocation = time.FixedZone("IST", 5*60*60+30*60)

// ExpiryConfig selects which expiries are scanned.
type ExpiryConfig struct {
	MaxCount       int
	MinDays        int
	MaxDays        int
	IncludeWeekly  bool
	IncludeMonthly bool
	// Location dates "today" for days-to-expiry; nil means ExchangeLocation.
	Location       *time.Location
}

// CatalogSource provides the instrument catalog.
type CatalogSource interface {
	FetchCatalog(ctx context.Context) (*Catalog, error)
}

// ExpiryManager picks the upcoming expiries of an underlying from the catalog.
type ExpiryManager struct {
	src CatalogSource
	cfg ExpiryConfig
	now func() time.Time
}

// NewExpiryManager creates an ExpiryManager.
func NewExpiryManager(src CatalogSource, cfg ExpiryConfig) *ExpiryManager {
	return &ExpiryManager{src: src, cfg: cfg, now: time.Now}
}

// IsMonthly reports whether expiry is the last listed expiry of its calendar month.
func IsMonthly(expiry time.Time, all []time.Time) bool {
	for _, other := range all {
		if other.After(expiry) && other.Year() == expiry.Year() && other.Month() == expiry.Month() {
			return false
		}
	}
	return true
}

func daysUntil(from, to time.Time) int {
	fy, fm, fd := from.Date()
	ty, tm, td := to.Date()
	a := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// NextExpiries returns up to MaxCount expiries of underlying ascending,
// filtered by days-to-expiry and weekly/monthly selection.
func (m *ExpiryManager) NextExpiries(ctx context.Context, underlying, exchange string) ([]time.Time, error) {
	cat, err := m.src.FetchCatalog(ctx)
	if err != nil {
		return nil, err
	}

	all := cat.Expiries(underlying, exchange)
	loc := m.cfg.Location
	if loc == nil {
		loc = ExchangeLocation
	}
	today := m.now().In(loc)

	var out []time.Time
	for _, exp := range all {
		days := daysUntil(today, exp)
		if days < m.cfg.MinDays || (m.cfg.MaxDays > 0 && days > m.cfg.MaxDays) {
			continue
		}
		monthly := IsMonthly(exp, all)
		if monthly && !m.cfg.IncludeMonthly {
			continue
		}
		if !monthly && !m.cfg.IncludeWeekly {
			continue
		}
		out = append(out, exp)
		if m.cfg.MaxCount > 0 && len(out) == m.cfg.MaxCount {
			break
		}
	}

	log.Debug().
		Str("underlying", underlying).
		Int("listed", len(all)).
		Int("selected", len(out)).
		Msg("Expiries selected")
	return out, nil
}
