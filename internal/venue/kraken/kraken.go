// Package kraken implements the Kraken variant of venue.Client: a single
// WebSocket carrying a book subscription (depth 100) for every symbol,
// dispatched from array-framed inbound messages.
package kraken

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
	venueID       = "kraken"
	wsURL         = "wss://ws.kraken.com"
	restURL       = "https://api.kraken.com/0/public/Depth"
	assetPairsURL = "https://api.kraken.com/0/public/AssetPairs"
	bookDepth     = 100
)

// Client streams Kraken's book subscription for a set of pairs over one WS.
type Client struct {
	httpClient *http.Client
	breaker    *breaker.Breaker
	rl         *venue.RateLimiter
	books      *venue.BookStore

	mu         sync.Mutex
	conn       *websocket.Conn
	cancel     context.CancelFunc
	channelIDs map[int]string // channel id -> native pair
	attempts   int
}

func New() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		breaker:    breaker.New("kraken-rest"),
		rl:         venue.NewRateLimiter(60),
		books:      venue.NewBookStore(),
		channelIDs: make(map[int]string),
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

func (c *Client) SubscribedSymbols() []string         { return c.books.Symbols() }
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
		return fmt.Errorf("kraken: dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()
	defer conn.Close()

	sub := map[string]interface{}{
		"event": "subscribe",
		"pair":  symbols,
		"subscription": map[string]interface{}{
			"name":  "book",
			"depth": bookDepth,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("kraken: subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("kraken: read: %w", err)
		}
		if err := c.processMessage(msg, listener); err != nil {
			log.Warn().Str("venue", venueID).Err(err).Msg("malformed message; discarded")
		}
	}
}

// processMessage dispatches either an object frame (event/subscription
// status) or an array frame ([channelID, data, channelName, pair]).
func (c *Client) processMessage(raw []byte, listener venue.Listener) error {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		return c.handleObjectFrame(raw)
	}
	if strings.HasPrefix(trimmed, "[") {
		return c.handleArrayFrame(raw, listener)
	}
	return fmt.Errorf("unrecognized frame")
}

func (c *Client) handleObjectFrame(raw []byte) error {
	var sub struct {
		Event     string `json:"event"`
		ChannelID int    `json:"channelID"`
		Pair      string `json:"pair"`
		Status    string `json:"status"`
		ErrorMsg  string `json:"errorMessage"`
	}
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("unmarshal object frame: %w", err)
	}
	if sub.Event == "subscriptionStatus" {
		if sub.Status == "error" {
			return fmt.Errorf("subscription error for %s: %s", sub.Pair, sub.ErrorMsg)
		}
		c.mu.Lock()
		c.channelIDs[sub.ChannelID] = sub.Pair
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) handleArrayFrame(raw []byte, listener venue.Listener) error {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("unmarshal array frame: %w", err)
	}
	if len(frame) < 4 {
		return fmt.Errorf("array frame too short")
	}

	var channelID int
	if err := json.Unmarshal(frame[0], &channelID); err != nil {
		return fmt.Errorf("unmarshal channel id: %w", err)
	}
	var pair string
	if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil {
		return fmt.Errorf("unmarshal pair: %w", err)
	}

	c.mu.Lock()
	known, ok := c.channelIDs[channelID]
	c.mu.Unlock()
	if !ok {
		known = pair
	}

	existing, ok := c.books.Get(known)
	if !ok {
		return fmt.Errorf("unknown symbol %q in incoming update", known)
	}

	var payload struct {
		Bids     [][]string `json:"b"`
		Asks     [][]string `json:"a"`
		BidsSnap [][]string `json:"bs"`
		AsksSnap [][]string `json:"as"`
	}
	if err := json.Unmarshal(frame[1], &payload); err != nil {
		return fmt.Errorf("unmarshal book payload: %w", err)
	}

	bids, asks := existing.Bids, existing.Asks
	if len(payload.BidsSnap) > 0 || len(payload.AsksSnap) > 0 {
		bids = book.ReplaceSnapshot(toLevels(payload.BidsSnap), true, bookDepth)
		asks = book.ReplaceSnapshot(toLevels(payload.AsksSnap), false, bookDepth)
	}
	for _, lvl := range payload.Bids {
		bids = book.ApplyUpdate(bids, book.PriceLevel{Price: lvl[0], Quantity: lvl[1]}, true, bookDepth)
	}
	for _, lvl := range payload.Asks {
		asks = book.ApplyUpdate(asks, book.PriceLevel{Price: lvl[0], Quantity: lvl[1]}, false, bookDepth)
	}

	updated := &book.OrderBook{
		VenueID:      venueID,
		NativeSymbol: known,
		Bids:         bids,
		Asks:         asks,
		TimestampMs:  time.Now().UnixMilli(),
	}
	if updated.IsCrossed() {
		updated.Recompute(bookDepth)
		if updated.IsCrossed() {
			return fmt.Errorf("crossed book for %s after recompute; update discarded", known)
		}
	}
	c.books.Set(known, updated)
	listener.OnOrderBook(updated)
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

// assetPair is one AssetPairs entry; WSName carries the spelling the WS
// book channel uses ("XBT/USD"), which is also this client's native form.
type assetPair struct {
	WSName string `json:"wsname"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
	Status string `json:"status"`
}

// DiscoverPairs lists every tradable pair so the manager can intersect the
// configured symbol set against what Kraken actually lists.
func (c *Client) DiscoverPairs(ctx context.Context) ([]symbol.TradingPair, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetPairsURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		var env krakenResponse
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return nil, err
		}
		if len(env.Error) > 0 {
			return nil, fmt.Errorf("kraken error: %v", env.Error)
		}
		var byPair map[string]assetPair
		if err := json.Unmarshal(env.Result, &byPair); err != nil {
			return nil, err
		}
		return byPair, nil
	})
	if err != nil {
		return nil, fmt.Errorf("kraken: discover pairs: %w", err)
	}
	return pairsFromAssetPairs(result.(map[string]assetPair)), nil
}

func pairsFromAssetPairs(byPair map[string]assetPair) []symbol.TradingPair {
	pairs := make([]symbol.TradingPair, 0, len(byPair))
	for _, p := range byPair {
		if p.WSName == "" {
			continue
		}
		pairs = append(pairs, symbol.TradingPair{
			NativeSymbol: p.WSName,
			BaseAsset:    p.Base,
			QuoteAsset:   p.Quote,
			Active:       p.Status == "" || p.Status == "online",
		})
	}
	return pairs
}

type pairDepth struct {
	Bids [][]interface{} `json:"bids"`
	Asks [][]interface{} `json:"asks"`
}

type krakenDepthResult map[string]pairDepth

type krakenResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (c *Client) primeSymbol(ctx context.Context, nativeSymbol string) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		pair := strings.ReplaceAll(nativeSymbol, "/", "")
		url := fmt.Sprintf("%s?pair=%s&count=%d", restURL, pair, bookDepth)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		var env krakenResponse
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return nil, err
		}
		if len(env.Error) > 0 {
			return nil, fmt.Errorf("kraken error: %v", env.Error)
		}
		var byPair krakenDepthResult
		if err := json.Unmarshal(env.Result, &byPair); err != nil {
			return nil, err
		}
		for _, v := range byPair {
			return &v, nil
		}
		return nil, fmt.Errorf("empty depth result")
	})
	if err != nil {
		return fmt.Errorf("kraken: priming %s: %w", nativeSymbol, err)
	}

	depth := result.(*pairDepth)
	bids := toInterfaceLevels(depth.Bids)
	asks := toInterfaceLevels(depth.Asks)

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

func toInterfaceLevels(raw [][]interface{}) []book.PriceLevel {
	out := make([]book.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		price, _ := lvl[0].(string)
		qty, _ := lvl[1].(string)
		if price == "" || qty == "" {
			continue
		}
		out = append(out, book.PriceLevel{Price: price, Quantity: qty})
	}
	return out
}
