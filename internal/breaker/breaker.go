// Package breaker is a thin sony/gobreaker wrapper shared by every venue
// client's REST priming calls.
package breaker

import (
	"time"

	cb "github.com/sony/gobreaker"
)

// Breaker gates one venue's public REST endpoints (depth snapshots,
// instruments discovery) behind a per-venue circuit: it
// trips after 5 consecutive failures, or once a 60s window shows a >25%
// failure ratio over at least 10 requests, and stays open for 30s, one
// reconnect-backoff cap, before letting a single probe request through.
// Priming fetches one symbol at a time, so a lone bad symbol must not
// take the whole endpoint's circuit down; only sustained failure does.
type Breaker struct {
	cb *cb.CircuitBreaker
}

// New builds a breaker scoped to name (conventionally "<venue>-rest").
func New(name string) *Breaker {
	st := cb.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 5 {
			return true
		}
		total := counts.Requests
		if total < 10 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.25
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

// Execute runs fn through the breaker, short-circuiting when open.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}

// State reports the breaker's current state.
func (b *Breaker) State() cb.State {
	return b.cb.State()
}
