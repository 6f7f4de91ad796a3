package kucoin

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
var _ venue.PairDiscoverer = (*Client)(nil)

func TestSymbolFromTopic(t *testing.T) {
	assert.Equal(t, "BTC-USDT", symbolFromTopic("/market/level2:BTC-USDT"))
	assert.Equal(t, "", symbolFromTopic("/market/ticker:BTC-USDT"))
}

func TestApplyMessageAppliesChanges(t *testing.T) {
	c := New()
	c.books.Set("BTC-USDT", &book.OrderBook{
		VenueID:      venueID,
		NativeSymbol: "BTC-USDT",
		Bids:         []book.PriceLevel{{Price: "100", Quantity: "1"}},
		Asks:         []book.PriceLevel{{Price: "101", Quantity: "1"}},
		TimestampMs:  time.Now().UnixMilli(),
	})
	l := &fakeListener{}

	msg := []byte(`{"type":"message","topic":"/market/level2:BTC-USDT","data":{"changes":{"bids":[["99","1","1"]],"asks":[]}}}`)
	require.NoError(t, c.applyMessage(msg, l))
	require.Len(t, l.books, 1)
	assert.Len(t, l.books[0].Bids, 2)
}

func TestApplyMessageUnknownSymbol(t *testing.T) {
	c := New()
	l := &fakeListener{}
	msg := []byte(`{"type":"message","topic":"/market/level2:ETH-USDT","data":{"changes":{}}}`)
	err := c.applyMessage(msg, l)
	assert.Error(t, err)
}

func TestApplyMessageIgnoresNonMessageFrames(t *testing.T) {
	c := New()
	l := &fakeListener{}
	require.NoError(t, c.applyMessage([]byte(`{"type":"welcome","id":"1"}`), l))
	assert.Empty(t, l.books)
}
