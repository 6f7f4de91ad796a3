package bybit

import (
	"testing"

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

func TestApplyMessageSnapshotThenDelta(t *testing.T) {
	c := New()
	l := &fakeListener{}

	snap := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","data":{"s":"BTCUSDT","b":[["100","1"]],"a":[["101","1"]]}}`)
	require.NoError(t, c.applyMessage(snap, l))
	require.Len(t, l.books, 1)

	delta := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta","data":{"s":"BTCUSDT","b":[["99","1"]],"a":[]}}`)
	require.NoError(t, c.applyMessage(delta, l))
	require.Len(t, l.books, 2)
	assert.Equal(t, "100", l.books[1].Bids[0].Price)
	assert.Equal(t, "99", l.books[1].Bids[1].Price)
}

func TestApplyMessageDeltaUnknownSymbol(t *testing.T) {
	c := New()
	l := &fakeListener{}
	delta := []byte(`{"type":"delta","data":{"s":"ETHUSDT","b":[["1","1"]]}}`)
	err := c.applyMessage(delta, l)
	assert.Error(t, err)
}

func TestApplyMessageRejectsCrossedSnapshot(t *testing.T) {
	c := New()
	l := &fakeListener{}

	// bid (100) >= ask (99): genuinely crossed, resort cannot uncross it.
	snap := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","data":{"s":"BTCUSDT","b":[["100","1"]],"a":[["99","1"]]}}`)
	err := c.applyMessage(snap, l)
	assert.Error(t, err)
	assert.Empty(t, l.books, "a crossed snapshot must never reach the listener")

	_, ok := c.books.Get("BTCUSDT")
	assert.False(t, ok, "a crossed snapshot must never be stored")
}

func TestApplyMessageIgnoresControlFrames(t *testing.T) {
	c := New()
	l := &fakeListener{}
	require.NoError(t, c.applyMessage([]byte(`{"op":"subscribe","success":true}`), l))
	assert.Empty(t, l.books)
}
