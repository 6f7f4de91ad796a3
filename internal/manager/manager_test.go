package manager

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/arbmon/internal/book"
	"github.com/sawpanic/arbmon/internal/config"
	"github.com/sawpanic/arbmon/internal/symbol"
	"github.com/sawpanic/arbmon/internal/venue"
)

type fakeClient struct {
	venueID   string
	connected []string
	failErr   error
}

func (f *fakeClient) VenueID() string { return f.venueID }

func (f *fakeClient) Connect(ctx context.Context, nativeSymbols []string, listener venue.Listener) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.connected = nativeSymbols
	listener.OnConnected(f.venueID)
	return nil
}

func (f *fakeClient) Disconnect() error                     { return nil }
func (f *fakeClient) SubscribedSymbols() []string            { return f.connected }
func (f *fakeClient) LocalBooks() map[string]*book.OrderBook { return nil }

type fakeListener struct {
	books []*book.OrderBook
}

func (l *fakeListener) OnConnected(string) {}
func (l *fakeListener) OnOrderBook(b *book.OrderBook) { l.books = append(l.books, b) }
func (l *fakeListener) OnError(string, error) {}
func (l *fakeListener) OnDisconnected(string) {}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	r := symbol.NewRegistry()
	m := New(nil, nil, nil, r, nil)
	m.factories = map[string]func() venue.Client{
		"binance":  func() venue.Client { return &fakeClient{venueID: "binance"} },
		"coinbase": func() venue.Client { return &fakeClient{venueID: "coinbase"} },
	}
	return m
}

func configFor(venues ...string) config.BotConfig {
	return config.BotConfig{Exchanges: venues, Symbols: []string{"BTCUSD"}}
}

func TestReshapeConnectsEnabledVenuesForResolvableSymbols(t *testing.T) {
	m := newTestManager(t)
	err := m.reshape(context.Background(), configFor("binance", "coinbase"))
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.exchangeClients, 2)
	assert.Contains(t, m.exchangeClients, "binance")
	assert.Contains(t, m.exchangeClients, "coinbase")
}

func TestReshapeRejectsConfigThatWouldEmptyVenueSet(t *testing.T) {
	m := newTestManager(t)
	m.factories = map[string]func() venue.Client{
		"binance": func() venue.Client {
			return &fakeClient{venueID: "binance", failErr: errors.New("fake connect failure")}
		},
	}
	err := m.reshape(context.Background(), configFor("binance"))
	assert.Error(t, err)
}

func TestReshapeDropsUnknownVenueID(t *testing.T) {
	m := newTestManager(t)
	err := m.reshape(context.Background(), configFor("binance", "not-a-venue"))
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.exchangeClients, 1)
	assert.Contains(t, m.exchangeClients, "binance")
}

// discoveringClient is a fakeClient whose venue advertises an instruments
// endpoint; reshape must intersect configured symbols against its listings.
type discoveringClient struct {
	fakeClient
	pairs []symbol.TradingPair
}

func (d *discoveringClient) DiscoverPairs(ctx context.Context) ([]symbol.TradingPair, error) {
	return d.pairs, nil
}

func TestReshapeIntersectsDiscoveredPairsAcrossVenues(t *testing.T) {
	r := symbol.NewRegistry()
	m := New(nil, nil, nil, r, nil)

	binance := &discoveringClient{fakeClient: fakeClient{venueID: "binance"}, pairs: []symbol.TradingPair{
		{NativeSymbol: "BTCUSDT", Active: true},
		{NativeSymbol: "ETHUSDT", Active: true},
	}}
	coinbase := &discoveringClient{fakeClient: fakeClient{venueID: "coinbase"}, pairs: []symbol.TradingPair{
		{NativeSymbol: "BTC-USD", Active: true},
	}}
	m.factories = map[string]func() venue.Client{
		"binance":  func() venue.Client { return binance },
		"coinbase": func() venue.Client { return coinbase },
	}

	cfg := config.BotConfig{Exchanges: []string{"binance", "coinbase"}, Symbols: []string{"BTCUSD", "ETHUSD"}}
	require.NoError(t, m.reshape(context.Background(), cfg))

	assert.ElementsMatch(t, []string{"BTCUSDT"}, binance.connected,
		"a symbol unlisted on any one venue is dropped for every venue")
	assert.ElementsMatch(t, []string{"BTC-USD"}, coinbase.connected)
}

func TestIntakeReEmitsToLocalSubscribers(t *testing.T) {
	m := newTestManager(t)
	l := &fakeListener{}
	m.Subscribe(l)

	b := &book.OrderBook{VenueID: "binance", NativeSymbol: "BTCUSDT"}
	m.intake(b)

	require.Len(t, l.books, 1)
	assert.Same(t, b, l.books[0])
}

func TestVenueOrSymbolSetChangedIsOrderInsensitive(t *testing.T) {
	a := configFor("binance", "coinbase")
	b := configFor("coinbase", "binance")
	assert.False(t, venueOrSymbolSetChanged(a, b))
}

func TestVenueOrSymbolSetChangedDetectsAddedVenue(t *testing.T) {
	a := configFor("binance", "coinbase")
	b := configFor("binance", "coinbase", "kraken")
	assert.True(t, venueOrSymbolSetChanged(a, b))
}

func TestSameSetHandlesEmptyAndDifferentLengths(t *testing.T) {
	assert.True(t, sameSet(nil, nil))
	assert.False(t, sameSet([]string{"a"}, []string{"a", "b"}))
}
