// Package manager is the dynamic supervisor: it owns venue-client
// lifecycle, mediates configuration through the pub/sub channel, and
// fans order-book updates into the cache and the detector.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/arbmon/internal/book"
	"github.com/sawpanic/arbmon/internal/cache"
	"github.com/sawpanic/arbmon/internal/config"
	"github.com/sawpanic/arbmon/internal/detector"
	"github.com/sawpanic/arbmon/internal/metrics"
	"github.com/sawpanic/arbmon/internal/symbol"
	"github.com/sawpanic/arbmon/internal/venue"
	"github.com/sawpanic/arbmon/internal/venue/binance"
	"github.com/sawpanic/arbmon/internal/venue/bybit"
	"github.com/sawpanic/arbmon/internal/venue/coinbase"
	"github.com/sawpanic/arbmon/internal/venue/gemini"
	"github.com/sawpanic/arbmon/internal/venue/kraken"
	"github.com/sawpanic/arbmon/internal/venue/kucoin"
)

// statusRefreshInterval is the periodic bot:status republish cadence.
const statusRefreshInterval = 10 * time.Second

// shutdownGrace bounds how long outstanding opportunity-persistence
// attempts are allowed to finish before being abandoned on Stop.
const shutdownGrace = 2 * time.Second

// discoveryTimeout bounds one venue's instruments fetch during reshape.
const discoveryTimeout = 10 * time.Second

// clientFactories maps a venue id to its Client constructor. Every
// variant shares the same zero-argument New() signature.
var clientFactories = map[string]func() venue.Client{
	"binance":  func() venue.Client { return binance.New() },
	"coinbase": func() venue.Client { return coinbase.New() },
	"kraken":   func() venue.Client { return kraken.New() },
	"bybit":    func() venue.Client { return bybit.New() },
	"kucoin":   func() venue.Client { return kucoin.New() },
	"gemini":   func() venue.Client { return gemini.New() },
}

// Manager owns the live set of venue clients and mediates configuration
// and order-book intake. All subcomponents are constructor-injected;
// Manager is the only process-wide object.
type Manager struct {
	store    *config.Store
	cache    *cache.Cache
	detector *detector.Detector
	registry *symbol.Registry
	metrics  *metrics.Registry

	mu              sync.Mutex
	exchangeClients map[string]venue.Client // mutated only by the manager task
	cfg             config.BotConfig
	startedAt       time.Time
	subs            []venue.Listener // local re-emit subscribers

	// factories is clientFactories by default; tests substitute fakes here
	// so reshape can be exercised without dialing a real venue.
	factories map[string]func() venue.Client

	// BootstrapConfigPath is an optional YAML file consulted when bot:config
	// has never been written to the store. Set from ARBMON_CONFIG by the CLI.
	BootstrapConfigPath string

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Manager from its already-built dependencies.
func New(store *config.Store, c *cache.Cache, d *detector.Detector, registry *symbol.Registry, m *metrics.Registry) *Manager {
	return &Manager{
		store:           store,
		cache:           c,
		detector:        d,
		registry:        registry,
		metrics:         m,
		exchangeClients: make(map[string]venue.Client),
		factories:       clientFactories,
	}
}

// Done returns a channel closed once Start's context is cancelled and its
// background loops have exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Subscribe registers a local listener that receives every orderbook event
// re-emitted after cache write and detector intake.
func (m *Manager) Subscribe(l venue.Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, l)
}

// Start opens the subscriber connection, adopts the stored config, resolves
// symbols and connects every enabled venue, writes the initial status, and
// then returns, leaving the config subscriber and the status-refresh timer
// running on background goroutines until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	// The read/write Store connection is injected; the pub/sub subscriber
	// gets its own dedicated connection.
	redisSub := m.store.Subscribe(runCtx)
	if _, err := redisSub.Receive(runCtx); err != nil {
		cancel()
		return fmt.Errorf("manager: subscribe %s: %w", config.UpdateTopic, err)
	}

	// Adopt the stored config, or bootstrap defaults when none exists.
	cfg, ok, err := m.store.ReadConfig(runCtx)
	if err != nil {
		cancel()
		_ = redisSub.Close()
		return fmt.Errorf("manager: read bot:config: %w", err)
	}
	if !ok {
		cfg, err = config.LoadYAMLDefaults(m.BootstrapConfigPath)
		if err != nil {
			cancel()
			_ = redisSub.Close()
			return fmt.Errorf("manager: load default config: %w", err)
		}
	}

	m.mu.Lock()
	m.cfg = cfg
	m.startedAt = time.Now()
	m.mu.Unlock()

	if err := m.reshape(runCtx, cfg); err != nil {
		cancel()
		_ = redisSub.Close()
		return fmt.Errorf("manager: initial start sequence: %w", err)
	}

	if err := m.publishStatus(runCtx); err != nil {
		log.Warn().Err(err).Msg("manager: initial status publish failed")
	}

	go m.serviceConfigUpdates(runCtx, redisSub)
	go m.statusRefreshLoop(runCtx)

	go func() {
		<-runCtx.Done()
		close(m.done)
	}()
	return nil
}

// reshape instantiates one client per enabled venue, seeds the symbol
// registry from each venue's discovery endpoint, intersects the configured
// symbol set against the result, and connects the clients that have at
// least one resolvable symbol. Callers hold no lock.
func (m *Manager) reshape(ctx context.Context, cfg config.BotConfig) error {
	// A venue id with no registered client factory never becomes live;
	// exclude it before resolving symbols so it cannot drag down symbol
	// resolution for the venues that are actually recognized.
	knownVenues := make([]string, 0, len(cfg.Exchanges))
	for _, v := range cfg.Exchanges {
		if _, ok := m.factories[v]; ok {
			knownVenues = append(knownVenues, v)
		} else {
			log.Warn().Str("venue", v).Msg("unknown venue id in config; skipped")
		}
	}

	// Seed the registry from each venue's instruments endpoint so the
	// symbol intersection below reflects what the venue actually lists,
	// not just what its spelling recipe can format. A venue whose
	// instruments endpoint is unreachable falls back to the configured
	// symbols' recipe-formatted spellings so a transient discovery
	// failure cannot empty the venue set.
	clients := make(map[string]venue.Client, len(knownVenues))
	for _, v := range knownVenues {
		clients[v] = m.factories[v]()
	}
	for v, client := range clients {
		disc, ok := client.(venue.PairDiscoverer)
		if !ok {
			m.seedRecipePairs(v, cfg.Symbols)
			continue
		}
		dctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
		pairs, err := disc.DiscoverPairs(dctx)
		cancel()
		if err != nil {
			log.Warn().Str("venue", v).Err(err).Msg("pair discovery failed; falling back to recipe-formatted symbols")
			m.seedRecipePairs(v, cfg.Symbols)
			continue
		}
		m.registry.RegisterPairs(v, pairs)
	}

	// A canonical symbol survives only if every enabled venue resolves a
	// native listing for it; anything else is dropped for all venues.
	common := m.registry.CommonSymbols(knownVenues, nil)
	perVenueSymbols := make(map[string][]string, len(knownVenues))
	for _, canonical := range cfg.Symbols {
		byVenue, ok := common[canonical]
		if !ok {
			log.Warn().Str("canonical_symbol", canonical).Msg("symbol unsupported by current venue set; dropped")
			continue
		}
		for v, native := range byVenue {
			perVenueSymbols[v] = append(perVenueSymbols[v], native)
		}
	}

	newClients := make(map[string]venue.Client, len(knownVenues))
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, venueID := range knownVenues {
		client := clients[venueID]
		natives := perVenueSymbols[venueID]
		if len(natives) == 0 {
			continue
		}

		wg.Add(1)
		go func(venueID string, client venue.Client, natives []string) {
			defer wg.Done()
			if err := client.Connect(ctx, natives, &intakeListener{m: m}); err != nil {
				log.Warn().Str("venue", venueID).Err(err).Msg("venue connect failed")
				return
			}
			mu.Lock()
			newClients[venueID] = client
			mu.Unlock()
		}(venueID, client, natives)
	}
	wg.Wait()

	if len(newClients) == 0 {
		return fmt.Errorf("manager: reconfiguration would leave the venue set empty; rejected")
	}

	m.mu.Lock()
	old := m.exchangeClients
	m.exchangeClients = newClients
	m.mu.Unlock()

	for id, c := range old {
		if err := c.Disconnect(); err != nil {
			log.Warn().Str("venue", id).Err(err).Msg("disconnect during reshape failed")
		}
	}
	if m.metrics != nil {
		m.metrics.SetConnectedVenues(len(newClients))
	}
	return nil
}

// seedRecipePairs registers the configured symbols' recipe-formatted
// spellings for a venue whose instruments endpoint could not be consulted,
// so CommonSymbols still has an entry for it.
func (m *Manager) seedRecipePairs(venueID string, canonicalSymbols []string) {
	pairs := make([]symbol.TradingPair, 0, len(canonicalSymbols))
	for _, canonical := range canonicalSymbols {
		native, err := m.registry.ToNative(canonical, venueID)
		if err != nil {
			continue
		}
		pairs = append(pairs, symbol.TradingPair{NativeSymbol: native, Active: true})
	}
	m.registry.RegisterPairs(venueID, pairs)
}

// intakeListener adapts venue.Listener events into the manager's single
// logical intake action (cache write, detector feed, local re-emit).
type intakeListener struct {
	m *Manager
}

func (l *intakeListener) OnConnected(venueID string) {
	log.Info().Str("venue", venueID).Msg("venue connected")
}

func (l *intakeListener) OnOrderBook(b *book.OrderBook) {
	l.m.intake(b)
}

func (l *intakeListener) OnError(venueID string, err error) {
	if l.m.metrics != nil {
		l.m.metrics.RecordReconnect(venueID)
	}
	log.Warn().Str("venue", venueID).Err(err).Msg("venue_error")
}

func (l *intakeListener) OnDisconnected(venueID string) {
	log.Info().Str("venue", venueID).Msg("venue disconnected")
}

// intake performs the single logical intake action: cache write, detector
// feed, local re-emit.
func (m *Manager) intake(b *book.OrderBook) {
	if m.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.cache.Put(ctx, b); err != nil {
			log.Warn().Str("venue", b.VenueID).Str("symbol", b.NativeSymbol).Err(err).Msg("cache write failed")
		}
		cancel()
	}
	if m.detector != nil {
		m.detector.Intake(b)
	}

	m.mu.Lock()
	subs := append([]venue.Listener(nil), m.subs...)
	m.mu.Unlock()
	for _, s := range subs {
		s.OnOrderBook(b)
	}
}

// serviceConfigUpdates applies each bot:config:update message.
func (m *Manager) serviceConfigUpdates(ctx context.Context, sub *redis.PubSub) {
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			newCfg, err := config.ParseUpdate(msg.Payload)
			if err != nil {
				log.Warn().Err(err).Msg("config parse error; prior config remains active")
				continue
			}
			m.applyConfig(ctx, newCfg)
		}
	}
}

// applyConfig diffs the new config against the active one: a venue/symbol
// set change triggers a full reshape; profit/trade-amount changes always
// push to the detector independent of that.
func (m *Manager) applyConfig(ctx context.Context, newCfg config.BotConfig) {
	m.mu.Lock()
	old := m.cfg
	m.mu.Unlock()

	if venueOrSymbolSetChanged(old, newCfg) {
		if err := m.reshape(ctx, newCfg); err != nil {
			log.Warn().Err(err).Msg("reconfiguration rejected; prior venue set remains active")
			return
		}
	}

	if m.detector != nil {
		m.detector.UpdateConfig(newCfg.MinProfitPercent, newCfg.TradeAmount)
	}

	m.mu.Lock()
	m.cfg = newCfg
	m.mu.Unlock()

	if err := m.publishStatus(ctx); err != nil {
		log.Warn().Err(err).Msg("status publish after reconfiguration failed")
	}
}

// venueOrSymbolSetChanged compares two configs order-insensitively.
func venueOrSymbolSetChanged(a, b config.BotConfig) bool {
	return !sameSet(a.Exchanges, b.Exchanges) || !sameSet(a.Symbols, b.Symbols)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]string(nil), a...)
	sb := append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

func (m *Manager) statusRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(statusRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.publishStatus(ctx); err != nil {
				log.Warn().Err(err).Msg("periodic status publish failed")
			}
		}
	}
}

func (m *Manager) publishStatus(ctx context.Context) error {
	m.mu.Lock()
	connected := make([]string, 0, len(m.exchangeClients))
	for id := range m.exchangeClients {
		connected = append(connected, id)
	}
	sort.Strings(connected)
	status := config.BotStatus{
		IsRunning:          true,
		ConnectedExchanges: connected,
		Uptime:             m.startedAt.UnixMilli(),
		Config:             m.cfg,
	}
	m.mu.Unlock()

	return m.store.WriteStatus(ctx, status)
}

// Stop disconnects all clients, closes store connections, and writes a
// final running=false status. Idempotent: safe to call more than once.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	clients := m.exchangeClients
	m.exchangeClients = make(map[string]venue.Client)
	m.mu.Unlock()

	for id, c := range clients {
		if err := c.Disconnect(); err != nil {
			log.Warn().Str("venue", id).Err(err).Msg("disconnect during shutdown failed")
		}
	}

	graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	m.mu.Lock()
	status := config.BotStatus{IsRunning: false, Config: m.cfg}
	m.mu.Unlock()
	if err := m.store.WriteStatus(graceCtx, status); err != nil {
		log.Warn().Err(err).Msg("final status write failed")
	}

	if err := m.store.Close(); err != nil {
		log.Warn().Err(err).Msg("closing store connection failed")
	}
	if m.cache != nil {
		if err := m.cache.Close(); err != nil {
			log.Warn().Err(err).Msg("closing cache connection failed")
		}
	}
	log.Info().Msg("stopped")
	return nil
}
