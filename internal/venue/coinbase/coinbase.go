// Package coinbase implements the Coinbase variant of venue.Client: REST
// priming of full depth, then a ticker-channel WebSocket that refreshes
// only the top of book. The public ticker channel carries no depth, so
// levels below top are primed once at connect time and never refreshed;
// only best-bid/best-ask stays live.
package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
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
	venueID   = "coinbase"
	wsURL     = "wss://ws-feed.exchange.coinbase.com"
	restBase  = "https://api.exchange.coinbase.com"
	bookDepth = 50
)

type Client struct {
	httpClient *http.Client
	breaker    *breaker.Breaker
	rl         *venue.RateLimiter
	books      *venue.BookStore

	mu       sync.Mutex
	conn     *websocket.Conn
	cancel   context.CancelFunc
	attempts int
}

func New() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		breaker:    breaker.New("coinbase-rest"),
		rl:         venue.NewRateLimiter(180),
		books:      venue.NewBookStore(),
	}
}

func (c *Client) VenueID() string { return venueID }

func (c *Client) Connect(ctx context.Context, nativeSymbols []string, listener venue.Listener) error {
	cctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	for _, sym := range nativeSymbols {
		if err := c.primeSymbol(cctx, sym); err != nil {
			log.Warn().Str("venue", venueID).Str("symbol", sym).Err(err).Msg("REST priming failed; symbol stays absent until reconnect")
		}
	}

	go c.runLoop(cctx, nativeSymbols, listener)
	listener.OnConnected(venueID)
	return nil
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

func (c *Client) SubscribedSymbols() []string            { return c.books.Symbols() }
func (c *Client) LocalBooks() map[string]*book.OrderBook { return c.books.Snapshot() }

func (c *Client) runLoop(ctx context.Context, symbols []string, listener venue.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := c.connectAndStream(ctx, symbols, listener); err != nil {
			c.attempts++
			if c.attempts >= venue.MaxReconnectAttempts {
				listener.OnError(venueID, fmt.Errorf("%w: %v", venue.ErrTerminal, err))
				listener.OnDisconnected(venueID)
				return
			}
			listener.OnError(venueID, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(venue.ReconnectDelay(c.attempts)):
			}
			continue
		}
		c.attempts = 0
	}
}

func (c *Client) connectAndStream(ctx context.Context, symbols []string, listener venue.Listener) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("coinbase: dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()
	defer conn.Close()

	sub := map[string]interface{}{
		"type":        "subscribe",
		"product_ids": symbols,
		"channels":    []string{"ticker"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("coinbase: subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("coinbase: read: %w", err)
		}
		if err := c.applyTicker(msg, listener); err != nil {
			log.Warn().Str("venue", venueID).Err(err).Msg("malformed ticker message; discarded")
		}
	}
}

type tickerMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
}

func (c *Client) applyTicker(raw []byte, listener venue.Listener) error {
	var t tickerMessage
	if err := json.Unmarshal(raw, &t); err != nil {
		return fmt.Errorf("unmarshal ticker: %w", err)
	}
	if t.Type != "ticker" {
		return nil
	}
	if t.ProductID == "" || t.BestBid == "" || t.BestAsk == "" {
		return nil
	}

	existing, ok := c.books.Get(t.ProductID)
	if !ok {
		return fmt.Errorf("unknown symbol %q in incoming ticker", t.ProductID)
	}

	bids := book.ApplyUpdate(existing.Bids, book.PriceLevel{Price: t.BestBid, Quantity: "1"}, true, bookDepth)
	asks := book.ApplyUpdate(existing.Asks, book.PriceLevel{Price: t.BestAsk, Quantity: "1"}, false, bookDepth)

	updated := &book.OrderBook{
		VenueID:      venueID,
		NativeSymbol: t.ProductID,
		Bids:         bids,
		Asks:         asks,
		TimestampMs:  time.Now().UnixMilli(),
	}
	if updated.IsCrossed() {
		updated.Recompute(bookDepth)
		if updated.IsCrossed() {
			return fmt.Errorf("crossed book for %s after recompute; update discarded", t.ProductID)
		}
	}
	c.books.Set(t.ProductID, updated)
	listener.OnOrderBook(updated)
	return nil
}

type product struct {
	ID              string `json:"id"`
	BaseCurrency    string `json:"base_currency"`
	QuoteCurrency   string `json:"quote_currency"`
	Status          string `json:"status"`
	TradingDisabled bool   `json:"trading_disabled"`
}

// DiscoverPairs lists every product so the manager can intersect the
// configured symbol set against what Coinbase actually trades.
func (c *Client) DiscoverPairs(ctx context.Context) ([]symbol.TradingPair, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, restBase+"/products", nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("coinbase products: unexpected status %d", resp.StatusCode)
		}
		var parsed []product
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, err
		}
		return parsed, nil
	})
	if err != nil {
		return nil, fmt.Errorf("coinbase: discover pairs: %w", err)
	}
	return pairsFromProducts(result.([]product)), nil
}

func pairsFromProducts(products []product) []symbol.TradingPair {
	pairs := make([]symbol.TradingPair, 0, len(products))
	for _, p := range products {
		pairs = append(pairs, symbol.TradingPair{
			NativeSymbol: p.ID,
			BaseAsset:    p.BaseCurrency,
			QuoteAsset:   p.QuoteCurrency,
			Active:       p.Status == "online" && !p.TradingDisabled,
		})
	}
	return pairs
}

type restBookResponse struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

func (c *Client) primeSymbol(ctx context.Context, nativeSymbol string) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s/products/%s/book?level=2", restBase, nativeSymbol)
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
			return nil, fmt.Errorf("coinbase book: unexpected status %d", resp.StatusCode)
		}
		var parsed restBookResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, err
		}
		return &parsed, nil
	})
	if err != nil {
		return fmt.Errorf("coinbase: priming %s: %w", nativeSymbol, err)
	}

	parsed := result.(*restBookResponse)
	b := &book.OrderBook{
		VenueID:      venueID,
		NativeSymbol: nativeSymbol,
		Bids:         book.ReplaceSnapshot(toLevels(parsed.Bids), true, bookDepth),
		Asks:         book.ReplaceSnapshot(toLevels(parsed.Asks), false, bookDepth),
		TimestampMs:  time.Now().UnixMilli(),
	}
	c.books.Set(nativeSymbol, b)
	return nil
}

func toLevels(raw [][]string) []book.PriceLevel {
	out := make([]book.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		out = append(out, book.PriceLevel{Price: lvl[0], Quantity: lvl[1]})
	}
	return out
}
