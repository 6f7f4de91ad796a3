// Package bybit implements the Bybit variant of venue.Client: a single
// WebSocket subscribed to orderbook.50.<SYMBOL> topics, with snapshot and
// delta frames discriminated by a "type" field.
package bybit

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
	venueID        = "bybit"
	wsURL          = "wss://stream.bybit.com/v5/public/spot"
	restURL        = "https://api.bybit.com/v5/market/orderbook"
	instrumentsURL = "https://api.bybit.com/v5/market/instruments-info"
	bookDepth      = 50
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
		breaker:    breaker.New("bybit-rest"),
		rl:         venue.NewRateLimiter(600),
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
		return fmt.Errorf("bybit: dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()
	defer conn.Close()

	topics := make([]string, len(symbols))
	for i, s := range symbols {
		topics[i] = fmt.Sprintf("orderbook.50.%s", s)
	}
	sub := map[string]interface{}{"op": "subscribe", "args": topics}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("bybit: subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("bybit: read: %w", err)
		}
		if err := c.applyMessage(msg, listener); err != nil {
			log.Warn().Str("venue", venueID).Err(err).Msg("malformed message; discarded")
		}
	}
}

type bybitMessage struct {
	Topic string `json:"topic"`
	Type  string `json:"type"` // "snapshot" or "delta"
	Data  struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
	} `json:"data"`
}

func (c *Client) applyMessage(raw []byte, listener venue.Listener) error {
	var m bybitMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("unmarshal bybit message: %w", err)
	}
	if m.Data.Symbol == "" {
		return nil // control frame (subscribe ack, pong, ...)
	}

	if m.Type == "snapshot" {
		b := &book.OrderBook{
			VenueID:      venueID,
			NativeSymbol: m.Data.Symbol,
			Bids:         book.ReplaceSnapshot(toLevels(m.Data.Bids), true, bookDepth),
			Asks:         book.ReplaceSnapshot(toLevels(m.Data.Asks), false, bookDepth),
			TimestampMs:  time.Now().UnixMilli(),
		}
		if b.IsCrossed() {
			b.Recompute(bookDepth)
			if b.IsCrossed() {
				return fmt.Errorf("crossed book for %s in snapshot; discarded", m.Data.Symbol)
			}
		}
		c.books.Set(m.Data.Symbol, b)
		listener.OnOrderBook(b)
		return nil
	}

	existing, ok := c.books.Get(m.Data.Symbol)
	if !ok {
		return fmt.Errorf("unknown symbol %q in incoming delta", m.Data.Symbol)
	}
	bids := existing.Bids
	for _, lvl := range m.Data.Bids {
		bids = book.ApplyUpdate(bids, book.PriceLevel{Price: lvl[0], Quantity: lvl[1]}, true, bookDepth)
	}
	asks := existing.Asks
	for _, lvl := range m.Data.Asks {
		asks = book.ApplyUpdate(asks, book.PriceLevel{Price: lvl[0], Quantity: lvl[1]}, false, bookDepth)
	}

	updated := &book.OrderBook{
		VenueID:      venueID,
		NativeSymbol: m.Data.Symbol,
		Bids:         bids,
		Asks:         asks,
		TimestampMs:  time.Now().UnixMilli(),
	}
	if updated.IsCrossed() {
		updated.Recompute(bookDepth)
		if updated.IsCrossed() {
			return fmt.Errorf("crossed book for %s after recompute; update discarded", m.Data.Symbol)
		}
	}
	c.books.Set(m.Data.Symbol, updated)
	listener.OnOrderBook(updated)
	return nil
}

type instrumentsResponse struct {
	Result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			BaseCoin  string `json:"baseCoin"`
			QuoteCoin string `json:"quoteCoin"`
			Status    string `json:"status"`
		} `json:"list"`
	} `json:"result"`
}

// DiscoverPairs lists every spot instrument so the manager can intersect
// the configured symbol set against what Bybit actually lists.
func (c *Client) DiscoverPairs(ctx context.Context) ([]symbol.TradingPair, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, instrumentsURL+"?category=spot", nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		var parsed instrumentsResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, err
		}
		return &parsed, nil
	})
	if err != nil {
		return nil, fmt.Errorf("bybit: discover pairs: %w", err)
	}
	parsed := result.(*instrumentsResponse)
	pairs := make([]symbol.TradingPair, 0, len(parsed.Result.List))
	for _, inst := range parsed.Result.List {
		pairs = append(pairs, symbol.TradingPair{
			NativeSymbol: inst.Symbol,
			BaseAsset:    inst.BaseCoin,
			QuoteAsset:   inst.QuoteCoin,
			Active:       inst.Status == "Trading",
		})
	}
	return pairs, nil
}

type restBookResponse struct {
	Result struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
	} `json:"result"`
}

func (c *Client) primeSymbol(ctx context.Context, nativeSymbol string) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s?category=spot&symbol=%s&limit=%d", restURL, nativeSymbol, bookDepth)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		var parsed restBookResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, err
		}
		return &parsed, nil
	})
	if err != nil {
		return fmt.Errorf("bybit: priming %s: %w", nativeSymbol, err)
	}

	parsed := result.(*restBookResponse)
	b := &book.OrderBook{
		VenueID:      venueID,
		NativeSymbol: nativeSymbol,
		Bids:         book.ReplaceSnapshot(toLevels(parsed.Result.Bids), true, bookDepth),
		Asks:         book.ReplaceSnapshot(toLevels(parsed.Result.Asks), false, bookDepth),
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
