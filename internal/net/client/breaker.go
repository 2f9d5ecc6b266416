package client

import (
	"time"

	cb "github.com/sony/gobreaker"
)

// Breaker trips after repeated transport or 5xx failures against one host.
type Breaker struct{ cb *cb.CircuitBreaker }

// NewBreaker builds a breaker with the given consecutive-failure threshold and open timeout.
func NewBreaker(name string, consecutiveFailures uint32, openTimeout time.Duration) *Breaker {
	if consecutiveFailures == 0 {
		consecutiveFailures = 3
	}
	if openTimeout <= 0 {
		openTimeout = 60 * time.Second
	}
	st := cb.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = openTimeout
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= consecutiveFailures {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) { return b.cb.Execute(fn) }

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string { return b.cb.State().String() }
