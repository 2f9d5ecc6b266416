package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS box_scan_runs (
	id            TEXT PRIMARY KEY,
	underlying    TEXT NOT NULL,
	exchange      TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	duration_ms   BIGINT NOT NULL,
	opportunities INTEGER NOT NULL,
	best_roi      DOUBLE PRECISION,
	spreads       JSONB NOT NULL
)`

// Postgres appends every run to box_scan_runs.
type Postgres struct {
	db      *sqlx.DB
	timeout time.Duration
}

type runRow struct {
	ID            string          `db:"id"`
	Underlying    string          `db:"underlying"`
	Exchange      string          `db:"exchange"`
	StartedAt     time.Time       `db:"started_at"`
	DurationMS    int64           `db:"duration_ms"`
	Opportunities int             `db:"opportunities"`
	BestROI       sql.NullFloat64 `db:"best_roi"`
	Spreads       []byte          `db:"spreads"`
}

// NewPostgres wraps db with a per-query timeout.
func NewPostgres(db *sqlx.DB, timeout time.Duration) *Postgres {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Postgres{db: db, timeout: timeout}
}

// OpenPostgres connects to dsn and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string, timeout time.Duration) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	p := NewPostgres(db, timeout)
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// Migrate creates the runs table if missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (p *Postgres) Save(ctx context.Context, run Run) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	spreads, err := json.Marshal(run.Spreads)
	if err != nil {
		return fmt.Errorf("failed to marshal spreads: %w", err)
	}
	var best sql.NullFloat64
	if b, ok := run.Best(); ok {
		best = sql.NullFloat64{Float64: b.ROI, Valid: true}
	}

	query := `
		INSERT INTO box_scan_runs
		(id, underlying, exchange, started_at, duration_ms, opportunities, best_roi, spreads)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	_, err = p.db.ExecContext(ctx, query,
		run.ID, run.Underlying, run.Exchange, run.StartedAt,
		run.Duration.Milliseconds(), len(run.Spreads), best, spreads)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

func (p *Postgres) Latest(ctx context.Context) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := `
		SELECT id, underlying, exchange, started_at, duration_ms, opportunities, best_roi, spreads
		FROM box_scan_runs
		ORDER BY started_at DESC
		LIMIT 1`

	var row runRow
	if err := p.db.QueryRowxContext(ctx, query).StructScan(&row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}

	run := &Run{
		ID:         row.ID,
		Underlying: row.Underlying,
		Exchange:   row.Exchange,
		StartedAt:  row.StartedAt,
		Duration:   time.Duration(row.DurationMS) * time.Millisecond,
	}
	if err := json.Unmarshal(row.Spreads, &run.Spreads); err != nil {
		return nil, fmt.Errorf("failed to unmarshal spreads: %w", err)
	}
	return run, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}
