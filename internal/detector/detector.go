// Package detector transforms order-book updates into qualifying two-leg
// arbitrage opportunities: throttled scan, fee-adjusted evaluation, and
// deterministic emission ordering.
package detector

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/arbmon/internal/book"
	"github.com/sawpanic/arbmon/internal/metrics"
	"github.com/sawpanic/arbmon/internal/symbol"
)

// DefaultTakerFee is used for any venue absent from the fee schedule.
const DefaultTakerFee = 0.001

// Config holds the detector's tunables; zero values are replaced by
// defaults in New.
type Config struct {
	MinProfitPercent float64
	SlippageBuffer   float64
	MaxSpreadAgeMs   int64
	TickIntervalMs   int64
	TradeAmountUSD   float64
	RetentionCount   int
}

func (c Config) withDefaults() Config {
	if c.MinProfitPercent == 0 {
		c.MinProfitPercent = 0.1
	}
	// SlippageBuffer's zero value is itself a valid configured value, so it
	// is not defaulted.
	if c.MaxSpreadAgeMs == 0 {
		c.MaxSpreadAgeMs = 5000
	}
	if c.TickIntervalMs == 0 {
		c.TickIntervalMs = 1000
	}
	if c.TradeAmountUSD == 0 {
		c.TradeAmountUSD = 1000
	}
	if c.RetentionCount == 0 {
		c.RetentionCount = 1000
	}
	return c
}

// Opportunity is one qualifying two-leg evaluation result.
type Opportunity struct {
	ID                 string
	CanonicalSymbol    string
	BuyVenue           string
	SellVenue          string
	BuyPrice           float64
	SellPrice          float64
	GrossSpread        float64
	SpreadPercent      float64
	EstimatedNetProfit float64
	BuyFee             float64
	SellFee            float64
	TotalFee           float64
	DetectedAt         time.Time
}

// Sink persists detected opportunities. Defined here (rather than imported
// from internal/sink) to keep the detector's dependency on persistence
// abstract.
type Sink interface {
	Append(o Opportunity) error
}

// Clock abstracts "now" for deterministic tests.
type Clock func() time.Time

// Detector holds per-(venue, native symbol) book state and the fee
// schedule, and emits opportunities on a throttled scan of that state.
type Detector struct {
	mu       sync.Mutex
	cfg      Config
	fees     map[string]float64                    // venue -> taker rate
	books    map[string]map[string]*book.OrderBook // venue -> native symbol -> book
	registry *symbol.Registry
	sink     Sink
	clock    Clock
	lastTick time.Time
	metrics  *metrics.Registry
}

// New builds a Detector. fees maps venue id to taker fee rate; a venue
// absent from the map defaults to DefaultTakerFee on lookup. m may be nil,
// in which case emitted opportunities are not counted.
func New(cfg Config, fees map[string]float64, registry *symbol.Registry, sink Sink, clock Clock, m *metrics.Registry) *Detector {
	if clock == nil {
		clock = time.Now
	}
	if fees == nil {
		fees = map[string]float64{}
	}
	return &Detector{
		cfg:      cfg.withDefaults(),
		fees:     fees,
		books:    make(map[string]map[string]*book.OrderBook),
		registry: registry,
		sink:     sink,
		clock:    clock,
		metrics:  m,
	}
}

// UpdateConfig applies a new min_profit_percent / trade_amount_usd pair
// pushed by the dynamic manager on reconfiguration, independent of the
// venue/symbol set change.
func (d *Detector) UpdateConfig(minProfitPercent, tradeAmountUSD float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.MinProfitPercent = minProfitPercent
	d.cfg.TradeAmountUSD = tradeAmountUSD
}

func (d *Detector) takerFee(venueID string) float64 {
	if f, ok := d.fees[venueID]; ok {
		return f
	}
	return DefaultTakerFee
}

// Intake updates the book slot for its (venue, native symbol) key, then
// runs a throttled scan if at least TickIntervalMs has elapsed since the
// last one.
func (d *Detector) Intake(b *book.OrderBook) {
	d.mu.Lock()
	if d.books[b.VenueID] == nil {
		d.books[b.VenueID] = make(map[string]*book.OrderBook)
	}
	d.books[b.VenueID][b.NativeSymbol] = b

	now := d.clock()
	if !d.lastTick.IsZero() && now.Sub(d.lastTick) < time.Duration(d.cfg.TickIntervalMs)*time.Millisecond {
		d.mu.Unlock()
		return
	}
	d.lastTick = now
	d.mu.Unlock()

	d.scan(now)
}

// freshBook is one venue's book for a canonical symbol, resolved for scan.
type freshBook struct {
	venueID string
	b       *book.OrderBook
}

func (d *Detector) scan(now time.Time) {
	d.mu.Lock()
	// booksByCanonical[canonical] lists every fresh venue book for that
	// symbol, built under the lock so the snapshot is internally consistent.
	booksByCanonical := make(map[string][]freshBook)
	maxAge := time.Duration(d.cfg.MaxSpreadAgeMs) * time.Millisecond

	for venueID, byNative := range d.books {
		for nativeSymbol, b := range byNative {
			canonical, err := d.registry.Canonicalize(venueID, nativeSymbol)
			if err != nil {
				continue
			}
			age := now.Sub(time.UnixMilli(b.TimestampMs))
			if age > maxAge {
				continue
			}
			booksByCanonical[canonical] = append(booksByCanonical[canonical], freshBook{venueID: venueID, b: b})
		}
	}
	symbols := make(map[string]bool, len(booksByCanonical))
	for s := range booksByCanonical {
		symbols[s] = true
	}
	cfg := d.cfg
	d.mu.Unlock()

	for _, s := range symbol.SortedCanonicalSymbols(symbols) {
		entries := booksByCanonical[s]
		if len(entries) < 2 {
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].venueID < entries[j].venueID })

		for i := 0; i < len(entries); i++ {
			for j := i + 1; j < len(entries); j++ {
				d.evaluateAndEmit(entries[i], entries[j], s, cfg)
				d.evaluateAndEmit(entries[j], entries[i], s, cfg)
			}
		}
	}
}

func (d *Detector) evaluateAndEmit(buy, sell freshBook, canonicalSymbol string, cfg Config) {
	opp := evaluate(buy, sell, canonicalSymbol, cfg, d.takerFee(buy.venueID), d.takerFee(sell.venueID), d.clock())
	if opp == nil {
		return
	}
	if d.sink != nil {
		if err := d.sink.Append(*opp); err != nil {
			log.Warn().Str("canonical_symbol", canonicalSymbol).Err(err).Msg("opportunity sink append failed; opportunity still emitted in-process")
		}
	}
	if d.metrics != nil {
		d.metrics.RecordOpportunity(canonicalSymbol)
	}
	log.Info().
		Str("canonical_symbol", canonicalSymbol).
		Str("buy_venue", opp.BuyVenue).
		Str("sell_venue", opp.SellVenue).
		Float64("profit_percent", opp.SpreadPercent).
		Msg("opportunity_detected")
}

// evaluate implements one direction of the two-leg evaluation formula. It
// returns nil when either side is empty or the opportunity does not qualify.
func evaluate(buy, sell freshBook, canonicalSymbol string, cfg Config, buyTaker, sellTaker float64, now time.Time) *Opportunity {
	if len(buy.b.Asks) == 0 || len(sell.b.Bids) == 0 {
		return nil
	}
	ask := buy.b.Asks[0]
	bid := sell.b.Bids[0]

	buyPrice, err := strconv.ParseFloat(ask.Price, 64)
	if err != nil || buyPrice <= 0 {
		return nil
	}
	sellPrice, err := strconv.ParseFloat(bid.Price, 64)
	if err != nil {
		return nil
	}

	qty := cfg.TradeAmountUSD / buyPrice
	buyValue := cfg.TradeAmountUSD
	sellValue := sellPrice * qty

	buyFee := buyValue * buyTaker
	sellFee := sellValue * sellTaker
	totalFee := buyFee + sellFee

	gross := sellValue - buyValue
	net := gross - totalFee
	profitPercent := (net / buyValue) * 100

	if profitPercent < cfg.MinProfitPercent+cfg.SlippageBuffer {
		return nil
	}

	return &Opportunity{
		ID:                 fmt.Sprintf("opp_%d_%s", now.UnixMilli(), uuid.NewString()),
		CanonicalSymbol:    canonicalSymbol,
		BuyVenue:           buy.venueID,
		SellVenue:          sell.venueID,
		BuyPrice:           buyPrice,
		SellPrice:          sellPrice,
		GrossSpread:        gross,
		SpreadPercent:      profitPercent,
		EstimatedNetProfit: net,
		BuyFee:             buyFee,
		SellFee:            sellFee,
		TotalFee:           totalFee,
		DetectedAt:         now,
	}
}
