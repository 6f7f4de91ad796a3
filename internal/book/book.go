// Package book implements the canonical order-book representation shared by
// every venue client: price levels carried as exact-decimal strings, the
// side-update rule, and the crossed-book guard.
package book

import (
	"sort"
	"strconv"
)

// PriceLevel is a single book level. Price and Quantity are carried as
// strings through the pipeline to preserve venue precision; they are parsed
// to float64 only at comparison or fee-math time.
type PriceLevel struct {
	Price    string
	Quantity string
}

func (l PriceLevel) priceFloat() float64 {
	f, _ := strconv.ParseFloat(l.Price, 64)
	return f
}

func (l PriceLevel) qtyFloat() float64 {
	f, _ := strconv.ParseFloat(l.Quantity, 64)
	return f
}

// OrderBook is the locally reconstructed book for one (venue, native symbol).
type OrderBook struct {
	VenueID      string
	NativeSymbol string
	Bids         []PriceLevel // strictly descending by price
	Asks         []PriceLevel // strictly ascending by price
	TimestampMs  int64
	SeqID        int64 // 0 when the venue exposes no monotonic update id
}

// MaxLevels is the default per-side depth truncation; each venue client
// may override it with its own depth.
const MaxLevels = 50

// ApplyUpdate applies one incremental (price, quantity) update to a side
// following the side-update rule: remove the existing entry at that price;
// if quantity > 0, insert the new entry; re-sort; truncate to maxLevels.
// desc selects bid-side (descending) vs ask-side (ascending) ordering.
func ApplyUpdate(side []PriceLevel, update PriceLevel, desc bool, maxLevels int) []PriceLevel {
	out := make([]PriceLevel, 0, len(side)+1)
	for _, lvl := range side {
		if lvl.Price != update.Price {
			out = append(out, lvl)
		}
	}
	if update.qtyFloat() > 0 {
		out = append(out, update)
	}
	sortSide(out, desc)
	if len(out) > maxLevels {
		out = out[:maxLevels]
	}
	return out
}

// ReplaceSnapshot replaces a side wholesale with a snapshot's levels,
// deduplicated, sorted, and truncated to maxLevels.
func ReplaceSnapshot(levels []PriceLevel, desc bool, maxLevels int) []PriceLevel {
	seen := make(map[string]PriceLevel, len(levels))
	for _, lvl := range levels {
		if lvl.qtyFloat() > 0 {
			seen[lvl.Price] = lvl
		}
	}
	out := make([]PriceLevel, 0, len(seen))
	for _, lvl := range seen {
		out = append(out, lvl)
	}
	sortSide(out, desc)
	if len(out) > maxLevels {
		out = out[:maxLevels]
	}
	return out
}

func sortSide(side []PriceLevel, desc bool) {
	sort.Slice(side, func(i, j int) bool {
		pi, pj := side[i].priceFloat(), side[j].priceFloat()
		if desc {
			return pi > pj
		}
		return pi < pj
	})
}

// IsCrossed reports whether the book's best bid is at or above its best ask.
func (b *OrderBook) IsCrossed() bool {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return false
	}
	return b.Bids[0].priceFloat() >= b.Asks[0].priceFloat()
}

// Recompute re-sorts and re-truncates both sides in place; it does not by
// itself resolve a cross (resorting stored entries cannot uncross a book
// whose two sides genuinely overlap at the source).
func (b *OrderBook) Recompute(maxLevels int) {
	b.Bids = ReplaceSnapshot(b.Bids, true, maxLevels)
	b.Asks = ReplaceSnapshot(b.Asks, false, maxLevels)
}

// ShouldSkipSequence implements the monotonic seq_id skip rule: an update
// whose final id is <= the book's current id is stale and must be dropped.
func ShouldSkipSequence(currentSeqID, updateFinalID int64) bool {
	if currentSeqID == 0 {
		return false
	}
	return updateFinalID <= currentSeqID
}
