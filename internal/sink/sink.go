// Package sink defines the opportunity-persistence contract shared by the
// detector and its concrete backing stores.
package sink

import (
	"context"

	"github.com/sawpanic/arbmon/internal/detector"
)

// VenueDescriptor is the row a sink's venue table keys opportunities
// against. Name must match the venue id used throughout the rest of the
// system (e.g. "binance", "kraken").
type VenueDescriptor struct {
	Name    string
	WSURL   string
	RestURL string
}

// Sink persists detected opportunities under a rolling retention bound and
// satisfies detector.Sink.
type Sink interface {
	Append(o detector.Opportunity) error
	Count(ctx context.Context) (int, error)
	Latest(ctx context.Context, n int) ([]detector.Opportunity, error)
	Close() error
}

// DefaultVenueDescriptors is the fallback (ws_url, rest_url) pair used when
// a sink must upsert a venue row it has never seen before. It is populated
// by this package's init with one entry per supported venue; it exists only
// to satisfy the not-null venue-table columns on the one-shot
// upsert-and-retry path described for a sink append racing venue-table
// population.
var DefaultVenueDescriptors = map[string]VenueDescriptor{}

// RegisterVenueDescriptor records the (ws_url, rest_url) pair a sink should
// use if it ever needs to upsert that venue's row on a foreign-key miss.
func RegisterVenueDescriptor(d VenueDescriptor) {
	DefaultVenueDescriptors[d.Name] = d
}

func init() {
	RegisterVenueDescriptor(VenueDescriptor{Name: "binance", WSURL: "wss://stream.binance.com:9443", RestURL: "https://api.binance.com"})
	RegisterVenueDescriptor(VenueDescriptor{Name: "kraken", WSURL: "wss://ws.kraken.com", RestURL: "https://api.kraken.com"})
	RegisterVenueDescriptor(VenueDescriptor{Name: "coinbase", WSURL: "wss://ws-feed.exchange.coinbase.com", RestURL: "https://api.exchange.coinbase.com"})
	RegisterVenueDescriptor(VenueDescriptor{Name: "bybit", WSURL: "wss://stream.bybit.com/v5/public/spot", RestURL: "https://api.bybit.com"})
	RegisterVenueDescriptor(VenueDescriptor{Name: "kucoin", WSURL: "wss://ws-api-spot.kucoin.com", RestURL: "https://api.kucoin.com"})
	RegisterVenueDescriptor(VenueDescriptor{Name: "gemini", WSURL: "wss://api.gemini.com/v1/marketdata", RestURL: "https://api.gemini.com/v1/book"})
}
