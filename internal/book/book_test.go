package book

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyUpdateInsertsAndSorts(t *testing.T) {
	bids := []PriceLevel{{Price: "100", Quantity: "1"}, {Price: "98", Quantity: "1"}}
	bids = ApplyUpdate(bids, PriceLevel{Price: "99", Quantity: "1"}, true, MaxLevels)

	want := []string{"100", "99", "98"}
	got := make([]string, len(bids))
	for i, l := range bids {
		got[i] = l.Price
	}
	assert.Equal(t, want, got)
}

func TestApplyUpdateRemovesOnZeroQuantity(t *testing.T) {
	bids := []PriceLevel{{Price: "100", Quantity: "1"}, {Price: "99", Quantity: "1"}}
	bids = ApplyUpdate(bids, PriceLevel{Price: "99", Quantity: "0"}, true, MaxLevels)

	assert.Len(t, bids, 1)
	assert.Equal(t, "100", bids[0].Price)
}

func TestApplyUpdateIdempotent(t *testing.T) {
	bids := []PriceLevel{{Price: "100", Quantity: "1"}}
	once := ApplyUpdate(bids, PriceLevel{Price: "99", Quantity: "2"}, true, MaxLevels)
	twice := ApplyUpdate(once, PriceLevel{Price: "99", Quantity: "2"}, true, MaxLevels)
	assert.Equal(t, once, twice)
}

func TestApplyUpdateTruncatesToK(t *testing.T) {
	var bids []PriceLevel
	for i := 0; i < 5; i++ {
		bids = ApplyUpdate(bids, PriceLevel{Price: strconv.Itoa(100 - i), Quantity: "1"}, true, 3)
	}
	assert.Len(t, bids, 3)
	assert.Equal(t, "100", bids[0].Price)
}

func TestReplaceSnapshotDedupAndSort(t *testing.T) {
	levels := []PriceLevel{
		{Price: "100", Quantity: "1"},
		{Price: "100", Quantity: "2"},
		{Price: "98", Quantity: "1"},
		{Price: "99", Quantity: "0"},
	}
	out := ReplaceSnapshot(levels, true, MaxLevels)
	assert.Len(t, out, 2)
	assert.Equal(t, "100", out[0].Price)
	assert.Equal(t, "98", out[1].Price)
}

func TestReplaceSnapshotIsIdempotent(t *testing.T) {
	levels := []PriceLevel{{Price: "100", Quantity: "1"}, {Price: "99", Quantity: "1"}}
	once := ReplaceSnapshot(levels, true, MaxLevels)
	twice := ReplaceSnapshot(once, true, MaxLevels)
	assert.Equal(t, once, twice)
}

func TestIsCrossedAndRecompute(t *testing.T) {
	b := &OrderBook{
		Bids: []PriceLevel{{Price: "100", Quantity: "1"}, {Price: "99", Quantity: "1"}},
		Asks: []PriceLevel{{Price: "98", Quantity: "1"}, {Price: "101", Quantity: "1"}},
	}
	assert.True(t, b.IsCrossed())

	b.Recompute(MaxLevels)
	assert.True(t, b.IsCrossed(), "resorting stored entries cannot uncross a genuinely crossed source")
}

func TestShouldSkipSequence(t *testing.T) {
	assert.False(t, ShouldSkipSequence(0, 5))
	assert.True(t, ShouldSkipSequence(10, 10))
	assert.True(t, ShouldSkipSequence(10, 5))
	assert.False(t, ShouldSkipSequence(10, 11))
}
