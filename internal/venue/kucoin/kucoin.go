// Package kucoin implements the KuCoin variant of venue.Client: a
// bullet-public REST bootstrap yields a dynamic WS endpoint and token, then
// a level2 subscription with an application-level ping every 20s.
package kucoin

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
	venueID       = "kucoin"
	bulletPublic  = "https://api.kucoin.com/api/v1/bullet-public"
	restDepthBase = "https://api.kucoin.com/api/v1/market/orderbook/level2_100"
	symbolsURL    = "https://api.kucoin.com/api/v1/symbols"
	bookDepth     = 100
	pingInterval  = 20 * time.Second
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
		breaker:    breaker.New("kucoin-rest"),
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

type bulletResponse struct {
	Data struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint     string `json:"endpoint"`
			PingInterval int    `json:"pingInterval"`
		} `json:"instanceServers"`
	} `json:"data"`
}

func (c *Client) bootstrap(ctx context.Context) (wsURL string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bulletPublic, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("kucoin: bullet-public: %w", err)
	}
	defer resp.Body.Close()
	var parsed bulletResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("kucoin: decode bullet-public: %w", err)
	}
	if len(parsed.Data.InstanceServers) == 0 {
		return "", fmt.Errorf("kucoin: no instance servers returned")
	}
	endpoint := parsed.Data.InstanceServers[0].Endpoint
	return fmt.Sprintf("%s?token=%s&connectId=%d", endpoint, parsed.Data.Token, time.Now().UnixNano()), nil
}

func (c *Client) connectAndStream(ctx context.Context, symbols []string, listener venue.Listener) error {
	wsURL, err := c.bootstrap(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("kucoin: dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()
	defer conn.Close()

	for _, sym := range symbols {
		sub := map[string]interface{}{
			"id":             time.Now().UnixNano(),
			"type":           "subscribe",
			"topic":          fmt.Sprintf("/market/level2:%s", sym),
			"privateChannel": false,
			"response":       true,
		}
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("kucoin: subscribe %s: %w", sym, err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(ctx, conn, done)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("kucoin: read: %w", err)
		}
		if err := c.applyMessage(msg, listener); err != nil {
			log.Warn().Str("venue", venueID).Err(err).Msg("malformed message; discarded")
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			ping := map[string]interface{}{"id": time.Now().UnixNano(), "type": "ping"}
			if err := conn.WriteJSON(ping); err != nil {
				return
			}
		}
	}
}

type level2Message struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Data  struct {
		Changes struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
		} `json:"changes"`
	} `json:"data"`
}

func (c *Client) applyMessage(raw []byte, listener venue.Listener) error {
	var m level2Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("unmarshal kucoin message: %w", err)
	}
	if m.Type != "message" || m.Topic == "" {
		return nil
	}
	sym := symbolFromTopic(m.Topic)
	if sym == "" {
		return fmt.Errorf("unparseable topic %q", m.Topic)
	}

	existing, ok := c.books.Get(sym)
	if !ok {
		return fmt.Errorf("unknown symbol %q in incoming update", sym)
	}
	bids := existing.Bids
	for _, lvl := range m.Data.Changes.Bids {
		if len(lvl) < 2 {
			continue
		}
		bids = book.ApplyUpdate(bids, book.PriceLevel{Price: lvl[0], Quantity: lvl[1]}, true, bookDepth)
	}
	asks := existing.Asks
	for _, lvl := range m.Data.Changes.Asks {
		if len(lvl) < 2 {
			continue
		}
		asks = book.ApplyUpdate(asks, book.PriceLevel{Price: lvl[0], Quantity: lvl[1]}, false, bookDepth)
	}

	updated := &book.OrderBook{
		VenueID:      venueID,
		NativeSymbol: sym,
		Bids:         bids,
		Asks:         asks,
		TimestampMs:  time.Now().UnixMilli(),
	}
	if updated.IsCrossed() {
		updated.Recompute(bookDepth)
		if updated.IsCrossed() {
			return fmt.Errorf("crossed book for %s after recompute; update discarded", sym)
		}
	}
	c.books.Set(sym, updated)
	listener.OnOrderBook(updated)
	return nil
}

func symbolFromTopic(topic string) string {
	const prefix = "/market/level2:"
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return ""
	}
	return topic[len(prefix):]
}

type symbolsResponse struct {
	Data []struct {
		Symbol        string `json:"symbol"`
		BaseCurrency  string `json:"baseCurrency"`
		QuoteCurrency string `json:"quoteCurrency"`
		EnableTrading bool   `json:"enableTrading"`
	} `json:"data"`
}

// DiscoverPairs lists every symbol so the manager can intersect the
// configured symbol set against what KuCoin actually trades.
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
		var parsed symbolsResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, err
		}
		return &parsed, nil
	})
	if err != nil {
		return nil, fmt.Errorf("kucoin: discover pairs: %w", err)
	}
	parsed := result.(*symbolsResponse)
	pairs := make([]symbol.TradingPair, 0, len(parsed.Data))
	for _, s := range parsed.Data {
		pairs = append(pairs, symbol.TradingPair{
			NativeSymbol: s.Symbol,
			BaseAsset:    s.BaseCurrency,
			QuoteAsset:   s.QuoteCurrency,
			Active:       s.EnableTrading,
		})
	}
	return pairs, nil
}

type restDepthResponse struct {
	Data struct {
		Sequence string     `json:"sequence"`
		Bids     [][]string `json:"bids"`
		Asks     [][]string `json:"asks"`
	} `json:"data"`
}

func (c *Client) primeSymbol(ctx context.Context, nativeSymbol string) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s?symbol=%s", restDepthBase, nativeSymbol)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		var parsed restDepthResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, err
		}
		return &parsed, nil
	})
	if err != nil {
		return fmt.Errorf("kucoin: priming %s: %w", nativeSymbol, err)
	}

	parsed := result.(*restDepthResponse)
	b := &book.OrderBook{
		VenueID:      venueID,
		NativeSymbol: nativeSymbol,
		Bids:         book.ReplaceSnapshot(toLevels(parsed.Data.Bids), true, bookDepth),
		Asks:         book.ReplaceSnapshot(toLevels(parsed.Data.Asks), false, bookDepth),
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
