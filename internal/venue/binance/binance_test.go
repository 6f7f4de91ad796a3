package binance

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/arbmon/internal/book"
	"github.com/sawpanic/arbmon/internal/venue"
)

type fakeListener struct {
	books []*book.OrderBook
	errs  []error
}

func (f *fakeListener) OnConnected(string) {}
func (f *fakeListener) OnOrderBook(b *book.OrderBook) { f.books = append(f.books, b) }
func (f *fakeListener) OnError(_ string, err error) { f.errs = append(f.errs, err) }
func (f *fakeListener) OnDisconnected(string) {}

var _ venue.Listener = (*fakeListener)(nil)

func primedClient() (*Client, *fakeListener) {
	c := New()
	c.books.Set("BTCUSDT", &book.OrderBook{
		VenueID:      venueID,
		NativeSymbol: "BTCUSDT",
		Bids:         []book.PriceLevel{{Price: "100", Quantity: "1"}},
		Asks:         []book.PriceLevel{{Price: "101", Quantity: "1"}},
		TimestampMs:  time.Now().UnixMilli(),
		SeqID:        10,
	})
	return c, &fakeListener{}
}

func TestApplyDepthUpdateAppliesAndSkipsStale(t *testing.T) {
	c, l := primedClient()

	fresh := []byte(`{"e":"depthUpdate","s":"BTCUSDT","U":11,"u":11,"b":[["99","1"]],"a":[]}`)
	require.NoError(t, c.applyDepthUpdate(fresh, l))
	require.Len(t, l.books, 1)
	assert.Equal(t, int64(11), l.books[0].SeqID)

	stale := []byte(`{"e":"depthUpdate","s":"BTCUSDT","U":5,"u":5,"b":[["50","1"]],"a":[]}`)
	require.NoError(t, c.applyDepthUpdate(stale, l))
	assert.Len(t, l.books, 1, "stale update must be skipped, not applied")
}

func TestApplyDepthUpdateUnknownSymbolIgnored(t *testing.T) {
	c, l := primedClient()
	msg := []byte(`{"e":"depthUpdate","s":"ETHUSDT","U":1,"u":1,"b":[],"a":[]}`)
	err := c.applyDepthUpdate(msg, l)
	assert.Error(t, err)
	assert.Empty(t, l.books)
}

func TestApplyDepthUpdateMalformedDiscarded(t *testing.T) {
	c, l := primedClient()
	err := c.applyDepthUpdate([]byte(`not json`), l)
	assert.Error(t, err)
	assert.Empty(t, l.books)
}

func TestCombinedStreamPath(t *testing.T) {
	path := combinedStreamPath([]string{"BTCUSDT", "ETHUSDT"})
	assert.Equal(t, "btcusdt@depth/ethusdt@depth", path)
}

var _ venue.PairDiscoverer = (*Client)(nil)

func TestPairsFromExchangeInfoMarksNonTradingInactive(t *testing.T) {
	var info exchangeInfoResponse
	raw := []byte(`{"symbols":[
		{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT"},
		{"symbol":"LUNAUSDT","status":"BREAK","baseAsset":"LUNA","quoteAsset":"USDT"}]}`)
	require.NoError(t, json.Unmarshal(raw, &info))

	pairs := pairsFromExchangeInfo(&info)
	require.Len(t, pairs, 2)
	assert.True(t, pairs[0].Active)
	assert.Equal(t, "BTCUSDT", pairs[0].NativeSymbol)
	assert.False(t, pairs[1].Active)
}
