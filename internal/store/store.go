package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sawpanic/boxscan/internal/box"
)

// Run is the outcome of one full scan.
type Run struct {
	ID         string        `json:"id"`
	Underlying string        `json:"underlying"`
	Exchange   string        `json:"exchange"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
	Spreads    []box.Spread  `json:"spreads"`
}

// Best returns the top ranked spread, if any.
func (r Run) Best() (box.Spread, bool) {
	if len(r.Spreads) == 0 {
		return box.Spread{}, false
	}
	return r.Spreads[0], true
}

// Store keeps scan runs. Latest returns nil without error when nothing is stored.
type Store interface {
	Save(ctx context.Context, run Run) error
	Latest(ctx context.Context) (*Run, error)
}

// Memory keeps the most recent run in process.
type Memory struct {
	mu     sync.RWMutex
	latest *Run
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Save(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = &run
	return nil
}

func (m *Memory) Latest(_ context.Context) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return nil, nil
	}
	r := *m.latest
	return &r, nil
}

// Multi fans saves out to every store and reads from the first store that
// has a run.
type Multi []Store

func (m Multi) Save(ctx context.Context, run Run) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Latest(ctx context.Context) (*Run, error) {
	var errs []error
	for _, s := range m {
		r, err := s.Latest(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if r != nil {
			return r, nil
		}
	}
	return nil, errors.Join(errs...)
}
