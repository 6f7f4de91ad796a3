// Package venue defines the polymorphic client capability that every
// per-venue implementation satisfies, plus the reconnect-backoff and
// rate-limiting helpers shared across all six wire-format variants.
package venue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sawpanic/arbmon/internal/book"
	"github.com/sawpanic/arbmon/internal/symbol"
	"golang.org/x/time/rate"
)

// State is a venue client's lifecycle state.
type State int

const (
	StateIdle State = iota
	StatePriming
	StateLive
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePriming:
		return "priming"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MaxReconnectAttempts is the consecutive-failure cap before a client gives
// up and transitions to Failed.
const MaxReconnectAttempts = 5

// ReconnectDelay returns the capped exponential backoff for the given
// attempt count: min(2^attempts * 1s, 30s).
func ReconnectDelay(attempt int) time.Duration {
	d := time.Duration(1) << uint(attempt)
	d *= time.Second
	const maxDelay = 30 * time.Second
	if d > maxDelay || d <= 0 {
		return maxDelay
	}
	return d
}

// ErrTerminal is wrapped into the error passed to Listener.OnError when a
// client exhausts MaxReconnectAttempts.
var ErrTerminal = errors.New("venue: exhausted reconnect attempts")

// Listener receives lifecycle and data events from a Client. It replaces
// the source's generic on(event, ...) emitter with a typed capability the
// dynamic manager implements once per managed client.
type Listener interface {
	OnConnected(venueID string)
	OnOrderBook(b *book.OrderBook)
	OnError(venueID string, err error)
	OnDisconnected(venueID string)
}

// Client is the capability every venue variant implements: connect,
// disconnect, report which symbols are live, and hand back the most
// recently reconstructed local books.
type Client interface {
	VenueID() string
	Connect(ctx context.Context, nativeSymbols []string, listener Listener) error
	Disconnect() error
	SubscribedSymbols() []string
	LocalBooks() map[string]*book.OrderBook
}

// PairDiscoverer is the discovery capability: clients whose venue exposes a
// public instruments/symbols endpoint implement it, and the manager uses it
// to seed the symbol registry before resolving the configured symbol set.
// A venue actually listing a pair is what makes the pair tradable there;
// the registry's spelling recipe alone cannot tell.
type PairDiscoverer interface {
	DiscoverPairs(ctx context.Context) ([]symbol.TradingPair, error)
}

// RateLimiter is a small token-bucket wrapper around golang.org/x/time/rate,
// shared by every venue's REST priming calls.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter allowing perMinute requests per minute,
// with a burst of one.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1)}
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// BookStore is a concurrency-safe native-symbol -> OrderBook map shared by
// every venue client implementation.
type BookStore struct {
	mu    sync.RWMutex
	books map[string]*book.OrderBook
}

func NewBookStore() *BookStore {
	return &BookStore{books: make(map[string]*book.OrderBook)}
}

func (s *BookStore) Set(nativeSymbol string, b *book.OrderBook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[nativeSymbol] = b
}

func (s *BookStore) Get(nativeSymbol string) (*book.OrderBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[nativeSymbol]
	return b, ok
}

func (s *BookStore) Snapshot() map[string]*book.OrderBook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*book.OrderBook, len(s.books))
	for k, v := range s.books {
		out[k] = v
	}
	return out
}

func (s *BookStore) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.books))
	for k := range s.books {
		out = append(out, k)
	}
	return out
}
