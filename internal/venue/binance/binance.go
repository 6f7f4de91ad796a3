// Package binance implements the Binance variant of venue.Client: a combined
// depth-stream WebSocket plus REST priming, with the U/u sequence-id skip
// rule applied on every incremental update.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/arbmon/internal/book"
	"github.com/sawpanic/arbmon/internal/breaker"
	"github.com/sawpanic/arbmon/internal/symbol"
	"github.com/sawpanic/arbmon/internal/venue"
)

const (
	venueID         = "binance"
	wsBase          = "wss://stream.binance.com:9443/ws"
	restURL         = "https://api.binance.com/api/v3/depth"
	exchangeInfoURL = "https://api.binance.com/api/v3/exchangeInfo"
)

// Client streams combined depth updates for a set of symbols over one
// Binance WebSocket connection.
type Client struct {
	httpClient *http.Client
	breaker    *breaker.Breaker
	rl         *venue.RateLimiter
	books      *venue.BookStore

	mu       sync.Mutex
	conn     *websocket.Conn
	cancel   context.CancelFunc
	symbols  []string
	attempts int
}

// New builds an unconnected Binance client.
func New() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		breaker:    breaker.New("binance-rest"),
		rl:         venue.NewRateLimiter(1200),
		books:      venue.NewBookStore(),
	}
}

func (c *Client) VenueID() string { return venueID }

// Connect primes each symbol from REST, then opens a single combined
// WebSocket stream covering all of them.
func (c *Client) Connect(ctx context.Context, nativeSymbols []string, listener venue.Listener) error {
	c.mu.Lock()
	c.symbols = nativeSymbols
	cctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	for _, sym := range nativeSymbols {
		if err := c.primeSymbol(cctx, sym); err != nil {
			log.Warn().Str("venue", venueID).Str("symbol", sym).Err(err).Msg("REST priming failed; symbol stays absent until reconnect")
		}
	}

	streamPath := combinedStreamPath(nativeSymbols)
	wsURL := wsBase + "/" + streamPath

	go c.runLoop(cctx, wsURL, listener)
	listener.OnConnected(venueID)
	return nil
}

func combinedStreamPath(symbols []string) string {
	parts := make([]string, len(symbols))
	for i, s := range symbols {
		parts[i] = strings.ToLower(s) + "@depth"
	}
	return strings.Join(parts, "/")
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	return nil
}

func (c *Client) SubscribedSymbols() []string { return c.books.Symbols() }

func (c *Client) LocalBooks() map[string]*book.OrderBook { return c.books.Snapshot() }

func (c *Client) runLoop(ctx context.Context, wsURL string, listener venue.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.connectAndStream(ctx, wsURL, listener); err != nil {
			c.attempts++
			if c.attempts >= venue.MaxReconnectAttempts {
				listener.OnError(venueID, fmt.Errorf("%w: %v", venue.ErrTerminal, err))
				listener.OnDisconnected(venueID)
				return
			}
			listener.OnError(venueID, err)
			delay := venue.ReconnectDelay(c.attempts)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		c.attempts = 0
	}
}

func (c *Client) connectAndStream(ctx context.Context, wsURL string, listener venue.Listener) error {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("binance: dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("binance: read: %w", err)
		}
		if err := c.applyDepthUpdate(msg, listener); err != nil {
			log.Warn().Str("venue", venueID).Err(err).Msg("malformed depth message; discarded")
		}
	}
}

type depthEvent struct {
	EventType string     `json:"e"`
	Symbol    string     `json:"s"`
	FirstID   int64      `json:"U"`
	FinalID   int64      `json:"u"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

func (c *Client) applyDepthUpdate(raw []byte, listener venue.Listener) error {
	// Combined-stream frames wrap the payload under "data".
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	payload := raw
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Data) > 0 {
		payload = envelope.Data
	}

	var ev depthEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("unmarshal depth event: %w", err)
	}
	if ev.Symbol == "" {
		return fmt.Errorf("missing symbol in depth event")
	}

	existing, ok := c.books.Get(ev.Symbol)
	if !ok {
		return fmt.Errorf("unknown symbol %q in incoming update", ev.Symbol)
	}
	if book.ShouldSkipSequence(existing.SeqID, ev.FinalID) {
		return nil
	}

	bids := existing.Bids
	for _, lvl := range ev.Bids {
		bids = book.ApplyUpdate(bids, book.PriceLevel{Price: lvl[0], Quantity: lvl[1]}, true, book.MaxLevels)
	}
	asks := existing.Asks
	for _, lvl := range ev.Asks {
		asks = book.ApplyUpdate(asks, book.PriceLevel{Price: lvl[0], Quantity: lvl[1]}, false, book.MaxLevels)
	}

	updated := &book.OrderBook{
		VenueID:      venueID,
		NativeSymbol: ev.Symbol,
		Bids:         bids,
		Asks:         asks,
		TimestampMs:  time.Now().UnixMilli(),
		SeqID:        ev.FinalID,
	}
	if updated.IsCrossed() {
		updated.Recompute(book.MaxLevels)
		if updated.IsCrossed() {
			return fmt.Errorf("crossed book for %s after recompute; update discarded", ev.Symbol)
		}
	}
	c.books.Set(ev.Symbol, updated)
	listener.OnOrderBook(updated)
	return nil
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
	} `json:"symbols"`
}

// DiscoverPairs lists every spot symbol from the exchangeInfo endpoint; the
// manager feeds the result into the symbol registry so the configured
// symbol set intersects against what Binance actually lists.
func (c *Client) DiscoverPairs(ctx context.Context) ([]symbol.TradingPair, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, exchangeInfoURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("binance exchangeInfo: unexpected status %d", resp.StatusCode)
		}
		var parsed exchangeInfoResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, err
		}
		return &parsed, nil
	})
	if err != nil {
		return nil, fmt.Errorf("binance: discover pairs: %w", err)
	}
	return pairsFromExchangeInfo(result.(*exchangeInfoResponse)), nil
}

func pairsFromExchangeInfo(info *exchangeInfoResponse) []symbol.TradingPair {
	pairs := make([]symbol.TradingPair, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		pairs = append(pairs, symbol.TradingPair{
			NativeSymbol: s.Symbol,
			BaseAsset:    s.BaseAsset,
			QuoteAsset:   s.QuoteAsset,
			Active:       s.Status == "TRADING",
		})
	}
	return pairs
}

type restDepthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (c *Client) primeSymbol(ctx context.Context, nativeSymbol string) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s?symbol=%s&limit=%d", restURL, strings.ToUpper(nativeSymbol), book.MaxLevels)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("binance depth: unexpected status %d", resp.StatusCode)
		}
		var parsed restDepthResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, err
		}
		return &parsed, nil
	})
	if err != nil {
		return fmt.Errorf("binance: priming %s: %w", nativeSymbol, err)
	}

	parsed := result.(*restDepthResponse)
	bids := toLevels(parsed.Bids)
	asks := toLevels(parsed.Asks)

	b := &book.OrderBook{
		VenueID:      venueID,
		NativeSymbol: nativeSymbol,
		Bids:         book.ReplaceSnapshot(bids, true, book.MaxLevels),
		Asks:         book.ReplaceSnapshot(asks, false, book.MaxLevels),
		TimestampMs:  time.Now().UnixMilli(),
		SeqID:        parsed.LastUpdateID,
	}
	c.books.Set(nativeSymbol, b)
	return nil
}

func toLevels(raw [][]string) []book.PriceLevel {
	out := make([]book.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) != 2 {
			continue
		}
		out = append(out, book.PriceLevel{Price: lvl[0], Quantity: lvl[1]})
	}
	return out
}
