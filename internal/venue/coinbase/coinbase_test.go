package coinbase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/arbmon/internal/book"
	"github.com/sawpanic/arbmon/internal/venue"
)

type fakeListener struct {
	books []*book.OrderBook
}

func (f *fakeListener) OnConnected(string) {}
func (f *fakeListener) OnOrderBook(b *book.OrderBook) { f.books = append(f.books, b) }
func (f *fakeListener) OnError(string, error) {}
func (f *fakeListener) OnDisconnected(string) {}

var _ venue.Listener = (*fakeListener)(nil)

func TestApplyTickerUpdatesOnlyTopOfBook(t *testing.T) {
	c := New()
	c.books.Set("BTC-USD", &book.OrderBook{
		VenueID:      venueID,
		NativeSymbol: "BTC-USD",
		Bids:         []book.PriceLevel{{Price: "100", Quantity: "1"}, {Price: "99", Quantity: "1"}},
		Asks:         []book.PriceLevel{{Price: "101", Quantity: "1"}, {Price: "102", Quantity: "1"}},
		TimestampMs:  time.Now().UnixMilli(),
	})
	l := &fakeListener{}

	msg := []byte(`{"type":"ticker","product_id":"BTC-USD","best_bid":"100.5","best_ask":"100.8"}`)
	require.NoError(t, c.applyTicker(msg, l))
	require.Len(t, l.books, 1)

	b := l.books[0]
	assert.Equal(t, "100.5", b.Bids[0].Price)
	assert.Equal(t, "100.8", b.Asks[0].Price)
	assert.Len(t, b.Bids, 3, "depth below top stays from priming")
}

func TestApplyTickerUnknownSymbol(t *testing.T) {
	c := New()
	l := &fakeListener{}
	msg := []byte(`{"type":"ticker","product_id":"ETH-USD","best_bid":"1","best_ask":"2"}`)
	err := c.applyTicker(msg, l)
	assert.Error(t, err)
}

func TestApplyTickerIgnoresNonTickerType(t *testing.T) {
	c := New()
	l := &fakeListener{}
	require.NoError(t, c.applyTicker([]byte(`{"type":"subscriptions"}`), l))
	assert.Empty(t, l.books)
}

var _ venue.PairDiscoverer = (*Client)(nil)

func TestPairsFromProductsHonorsStatusAndTradingDisabled(t *testing.T) {
	pairs := pairsFromProducts([]product{
		{ID: "BTC-USD", BaseCurrency: "BTC", QuoteCurrency: "USD", Status: "online"},
		{ID: "ETH-USD", BaseCurrency: "ETH", QuoteCurrency: "USD", Status: "online", TradingDisabled: true},
		{ID: "REP-USD", BaseCurrency: "REP", QuoteCurrency: "USD", Status: "delisted"},
	})
	require.Len(t, pairs, 3)
	assert.True(t, pairs[0].Active)
	assert.False(t, pairs[1].Active)
	assert.False(t, pairs[2].Active)
}
