// Package gemini implements the Gemini variant of venue.Client: one
// WebSocket per symbol on /v1/marketdata/<sym>, with pre-formed change
// events requiring no subscribe frame.
package gemini

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
	venueID    = "gemini"
	wsBase     = "wss://api.gemini.com/v1/marketdata"
	restBase   = "https://api.gemini.com/v1/book"
	symbolsURL = "https://api.gemini.com/v1/symbols"
	bookDepth  = 50
)

type Client struct {
	httpClient *http.Client
	breaker    *breaker.Breaker
	rl         *venue.RateLimiter
	books      *venue.BookStore

	mu      sync.Mutex
	conns   map[string]*websocket.Conn
	cancel  context.CancelFunc
	attempt map[string]int
}

func New() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		breaker:    breaker.New("gemini-rest"),
		rl:         venue.NewRateLimiter(120),
		books:      venue.NewBookStore(),
		conns:      make(map[string]*websocket.Conn),
		attempt:    make(map[string]int),
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
		go c.runLoop(cctx, sym, listener)
	}
	listener.OnConnected(venueID)
	return nil
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	for sym, conn := range c.conns {
		_ = conn.Close()
		delete(c.conns, sym)
	}
	return nil
}

func (c *Client) SubscribedSymbols() []string            { return c.books.Symbols() }
func (c *Client) LocalBooks() map[string]*book.OrderBook { return c.books.Snapshot() }

func (c *Client) runLoop(ctx context.Context, symbol string, listener venue.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := c.connectAndStream(ctx, symbol, listener); err != nil {
			c.mu.Lock()
			c.attempt[symbol]++
			attempts := c.attempt[symbol]
			c.mu.Unlock()
			if attempts >= venue.MaxReconnectAttempts {
				listener.OnError(venueID, fmt.Errorf("%w: %s: %v", venue.ErrTerminal, symbol, err))
				return
			}
			listener.OnError(venueID, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(venue.ReconnectDelay(attempts)):
			}
			continue
		}
		c.mu.Lock()
		c.attempt[symbol] = 0
		c.mu.Unlock()
	}
}

func (c *Client) connectAndStream(ctx context.Context, symbol string, listener venue.Listener) error {
	url := fmt.Sprintf("%s/%s", wsBase, symbol)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("gemini: dial %s: %w", symbol, err)
	}
	c.mu.Lock()
	c.conns[symbol] = conn
	c.attempt[symbol] = 0
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
			return fmt.Errorf("gemini: read %s: %w", symbol, err)
		}
		if err := c.applyMessage(symbol, msg, listener); err != nil {
			log.Warn().Str("venue", venueID).Str("symbol", symbol).Err(err).Msg("malformed message; discarded")
		}
	}
}

type geminiEvent struct {
	Type      string `json:"type"`
	Price     string `json:"price"`
	Remaining string `json:"remaining"`
	Side      string `json:"side"` // "bid" or "ask"
}

type geminiMessage struct {
	Type   string        `json:"type"` // "update" or "heartbeat"
	Events []geminiEvent `json:"events"`
}

func (c *Client) applyMessage(symbol string, raw []byte, listener venue.Listener) error {
	var m geminiMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("unmarshal gemini message: %w", err)
	}
	if m.Type != "update" {
		return nil
	}

	existing, ok := c.books.Get(symbol)
	if !ok {
		return fmt.Errorf("unknown symbol %q in incoming update", symbol)
	}
	bids, asks := existing.Bids, existing.Asks
	for _, ev := range m.Events {
		if ev.Type != "change" {
			continue
		}
		lvl := book.PriceLevel{Price: ev.Price, Quantity: ev.Remaining}
		switch ev.Side {
		case "bid":
			bids = book.ApplyUpdate(bids, lvl, true, bookDepth)
		case "ask":
			asks = book.ApplyUpdate(asks, lvl, false, bookDepth)
		}
	}

	updated := &book.OrderBook{
		VenueID:      venueID,
		NativeSymbol: symbol,
		Bids:         bids,
		Asks:         asks,
		TimestampMs:  time.Now().UnixMilli(),
	}
	if updated.IsCrossed() {
		updated.Recompute(bookDepth)
		if updated.IsCrossed() {
			return fmt.Errorf("crossed book for %s after recompute; update discarded", symbol)
		}
	}
	c.books.Set(symbol, updated)
	listener.OnOrderBook(updated)
	return nil
}

// DiscoverPairs lists every symbol so the manager can intersect the
// configured symbol set against what Gemini actually trades. The symbols
// endpoint returns a bare array of lowercase names and no status field, so
// every listed symbol counts as active.
func (c *Client) DiscoverPairs(ctx context.Context) ([]symbol.TradingPair, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, symbolsURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		var parsed []string
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, err
		}
		return parsed, nil
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: discover pairs: %w", err)
	}
	names := result.([]string)
	pairs := make([]symbol.TradingPair, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, symbol.TradingPair{NativeSymbol: name, Active: true})
	}
	return pairs, nil
}

type restBookResponse struct {
	Bids []struct {
		Price  string `json:"price"`
		Amount string `json:"amount"`
	} `json:"bids"`
	Asks []struct {
		Price  string `json:"price"`
		Amount string `json:"amount"`
	} `json:"asks"`
}

func (c *Client) primeSymbol(ctx context.Context, nativeSymbol string) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s/%s", restBase, nativeSymbol)
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
		return fmt.Errorf("gemini: priming %s: %w", nativeSymbol, err)
	}

	parsed := result.(*restBookResponse)
	bids := make([]book.PriceLevel, 0, len(parsed.Bids))
	for _, l := range parsed.Bids {
		bids = append(bids, book.PriceLevel{Price: l.Price, Quantity: l.Amount})
	}
	asks := make([]book.PriceLevel, 0, len(parsed.Asks))
	for _, l := range parsed.Asks {
		asks = append(asks, book.PriceLevel{Price: l.Price, Quantity: l.Amount})
	}

	b := &book.OrderBook{
		VenueID:      venueID,
		NativeSymbol: nativeSymbol,
		Bids:         book.ReplaceSnapshot(bids, true, bookDepth),
		Asks:         book.ReplaceSnapshot(asks, false, bookDepth),
		TimestampMs:  time.Now().UnixMilli(),
	}
	c.books.Set(nativeSymbol, b)
	return nil
}
