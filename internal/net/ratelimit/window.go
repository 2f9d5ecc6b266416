package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultEndpoint names the window shared by endpoints without their own entry.
const DefaultEndpoint = "default"

// ThrottleFactor is applied to an endpoint's limit each time upstream answers 429.
const ThrottleFactor = 0.8

// ErrWaitLimit is returned when a caller has waited MaxWaits times without admission.
var ErrWaitLimit = errors.New("rate limit wait cap reached")

// Window admits at most Limit events per trailing Span for every endpoint.
type Window struct {
	mu       sync.RWMutex
	windows  map[string]*endpointWindow
	limits   map[string]int
	span     time.Duration
	maxWaits int

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	onWait func(endpoint string, d time.Duration)
}

type endpointWindow struct {
	mu     sync.Mutex
	limit  int
	stamps []time.Time
}

// WindowOption configures a Window.
type WindowOption func(*Window)

// WithSpan overrides the 60s window length.
func WithSpan(span time.Duration) WindowOption {
	return func(w *Window) { w.span = span }
}

// WithMaxWaits caps the number of sleeps a single Acquire may perform. Zero means unbounded.
func WithMaxWaits(n int) WindowOption {
	return func(w *Window) { w.maxWaits = n }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) WindowOption {
	return func(w *Window) {
		w.now = now
		w.sleep = sleep
	}
}

// WithWaitHook registers a callback invoked before every sleep.
func WithWaitHook(fn func(endpoint string, d time.Duration)) WindowOption {
	return func(w *Window) { w.onWait = fn }
}

// NewWindow builds a limiter from requests-per-minute limits keyed by endpoint.
// A missing DefaultEndpoint entry defaults to 10.
func NewWindow(limits map[string]int, opts ...WindowOption) *Window {
	w := &Window{
		windows: make(map[string]*endpointWindow),
		limits:  make(map[string]int, len(limits)+1),
		span:    time.Minute,
		now:     time.Now,
		sleep:   sleepContext,
	}
	for endpoint, limit := range limits {
		w.limits[endpoint] = clampLimit(limit)
	}
	if _, ok := w.limits[DefaultEndpoint]; !ok {
		w.limits[DefaultEndpoint] = 10
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	return limit
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// endpoint returns name's window. Endpoints without a configured limit all
// share the DefaultEndpoint window.
func (w *Window) endpoint(name string) *endpointWindow {
	if _, ok := w.limits[name]; !ok {
		name = DefaultEndpoint
	}
	w.mu.RLock()
	ew, ok := w.windows[name]
	w.mu.RUnlock()
	if ok {
		return ew
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if ew, ok := w.windows[name]; ok {
		return ew
	}
	ew = &endpointWindow{limit: w.limits[name]}
	w.windows[name] = ew
	return ew
}

// admit evicts expired stamps and either records now or reports how long to wait.
func (ew *endpointWindow) admit(now time.Time, span time.Duration) (time.Duration, bool) {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	cut := 0
	for cut < len(ew.stamps) && now.Sub(ew.stamps[cut]) >= span {
		cut++
	}
	if cut > 0 {
		ew.stamps = append(ew.stamps[:0], ew.stamps[cut:]...)
	}

	if len(ew.stamps) < ew.limit {
		ew.stamps = append(ew.stamps, now)
		return 0, true
	}
	wait := ew.stamps[0].Add(span).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

// Acquire blocks until endpoint has room in its window, then records the call.
func (w *Window) Acquire(ctx context.Context, endpoint string) error {
	ew := w.endpoint(endpoint)
	for waits := 0; ; waits++ {
		wait, ok := ew.admit(w.now(), w.span)
		if ok {
			return nil
		}
		if w.maxWaits > 0 && waits >= w.maxWaits {
			return fmt.Errorf("%w: %s after %d waits", ErrWaitLimit, endpoint, waits)
		}
		if w.onWait != nil {
			w.onWait(endpoint, wait)
		}
		if err := w.sleep(ctx, wait); err != nil {
			return fmt.Errorf("rate limit wait for %s: %w", endpoint, err)
		}
	}
}

// Throttled reduces endpoint's limit by ThrottleFactor (never below 1) and
// returns the new limit. The reduction lasts for the life of the Window.
func (w *Window) Throttled(endpoint string) int {
	ew := w.endpoint(endpoint)
	ew.mu.Lock()
	defer ew.mu.Unlock()
	ew.limit = clampLimit(int(float64(ew.limit) * ThrottleFactor))
	return ew.limit
}

// Limit returns the current requests-per-minute limit for endpoint.
func (w *Window) Limit(endpoint string) int {
	ew := w.endpoint(endpoint)
	ew.mu.Lock()
	defer ew.mu.Unlock()
	return ew.limit
}

// WindowStats is a snapshot of one endpoint window.
type WindowStats struct {
	Endpoint string    `json:"endpoint"`
	Limit    int       `json:"limit"`
	InWindow int       `json:"in_window"`
	NextSlot time.Time `json:"next_slot,omitempty"`
}

// Stats returns a snapshot of every endpoint used so far, sorted by endpoint.
func (w *Window) Stats() []WindowStats {
	w.mu.RLock()
	names := make([]string, 0, len(w.windows))
	for name := range w.windows {
		names = append(names, name)
	}
	w.mu.RUnlock()
	sort.Strings(names)

	now := w.now()
	out := make([]WindowStats, 0, len(names))
	for _, name := range names {
		ew := w.endpoint(name)
		ew.mu.Lock()
		s := WindowStats{Endpoint: name, Limit: ew.limit}
		for _, ts := range ew.stamps {
			if now.Sub(ts) < w.span {
				s.InWindow++
			}
		}
		if s.InWindow >= ew.limit && len(ew.stamps) > 0 {
			s.NextSlot = ew.stamps[len(ew.stamps)-s.InWindow].Add(w.span)
		}
		ew.mu.Unlock()
		out = append(out, s)
	}
	return out
}
