package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/boxscan/internal/box"
)

func testRun() Run {
	return Run{
		ID:         "run-1",
		Underlying: "NIFTY",
		Exchange:   "NFO",
		StartedAt:  time.Date(2024, 3, 20, 9, 30, 0, 0, time.UTC),
		Duration:   1500 * time.Millisecond,
		Spreads: []box.Spread{
			{ID: "NIFTY_NFO_22000.00_22100.00_2024-03-28", ROI: 2.5, Score: 4.1},
			{ID: "NIFTY_NFO_22100.00_22200.00_2024-03-28", ROI: 1.0, Score: 1.2},
		},
	}
}

func TestMemory_SaveAndLatest(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	got, err := m.Latest(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, m.Save(ctx, testRun()))
	got, err = m.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-1", got.ID)

	best, ok := got.Best()
	require.True(t, ok)
	assert.Equal(t, 2.5, best.ROI)
}

func TestRedis_Save(t *testing.T) {
	client, mock := redismock.NewClientMock()
	r := NewRedis(client, "boxscan:latest", time.Hour)
	run := testRun()
	data, err := json.Marshal(run)
	require.NoError(t, err)

	mock.ExpectSet("boxscan:latest", data, time.Hour).SetVal("OK")
	require.NoError(t, r.Save(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_SaveError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	r := NewRedis(client, "boxscan:latest", time.Hour)
	run := testRun()
	data, _ := json.Marshal(run)

	mock.ExpectSet("boxscan:latest", data, time.Hour).SetErr(redis.TxFailedErr)
	assert.Error(t, r.Save(context.Background(), run))
}

func TestRedis_Latest(t *testing.T) {
	client, mock := redismock.NewClientMock()
	r := NewRedis(client, "boxscan:latest", 0)
	data, _ := json.Marshal(testRun())

	mock.ExpectGet("boxscan:latest").SetVal(string(data))
	got, err := r.Latest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, testRun().StartedAt, got.StartedAt.UTC())
	assert.Len(t, got.Spreads, 2)

	mock.ExpectGet("boxscan:latest").RedisNil()
	got, err = r.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(sqlx.NewDb(db, "postgres"), time.Second), mock
}

func TestPostgres_Save(t *testing.T) {
	p, mock := newMockPostgres(t)
	run := testRun()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO box_scan_runs")).
		WithArgs(run.ID, run.Underlying, run.Exchange, run.StartedAt, int64(1500), 2, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Save(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveError(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO box_scan_runs")).
		WillReturnError(errors.New("connection reset"))

	err := p.Save(context.Background(), testRun())
	assert.ErrorContains(t, err, "failed to insert run run-1")
}

func TestPostgres_Latest(t *testing.T) {
	p, mock := newMockPostgres(t)
	run := testRun()
	spreads, _ := json.Marshal(run.Spreads)
	cols := []string{"id", "underlying", "exchange", "started_at", "duration_ms", "opportunities", "best_roi", "spreads"}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, underlying, exchange")).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(run.ID, run.Underlying, run.Exchange, run.StartedAt, int64(1500), 2, 2.5, spreads))

	got, err := p.Latest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, run.Duration, got.Duration)
	assert.Equal(t, run.Spreads[0].ID, got.Spreads[0].ID)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, underlying, exchange")).
		WillReturnRows(sqlmock.NewRows(cols))
	got, err = p.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Migrate(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS box_scan_runs")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, p.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

type failingStore struct{ err error }

func (f failingStore) Save(context.Context, Run) error       { return f.err }
func (f failingStore) Latest(context.Context) (*Run, error) { return nil, f.err }

func TestMulti(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	boom := errors.New("boom")
	m := Multi{failingStore{err: boom}, mem}

	err := m.Save(ctx, testRun())
	assert.ErrorIs(t, err, boom)

	got, err := m.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-1", got.ID)

	_, err = Multi{failingStore{err: boom}}.Latest(ctx)
	assert.ErrorIs(t, err, boom)
}
