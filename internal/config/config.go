// Package config holds BotConfig/BotStatus, the Redis-backed key/value
// store they round-trip through, and the pub/sub channel reconfiguration
// is delivered on.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

const (
	// KeyConfig is the key/value store key holding the current BotConfig.
	KeyConfig = "bot:config"
	// KeyStatus is the key/value store key holding the current BotStatus.
	KeyStatus = "bot:status"
	// UpdateTopic is the pub/sub topic a full BotConfig replacement is
	// published on.
	UpdateTopic = "bot:config:update"
)

// BotConfig is the authoritative runtime configuration, round-tripped as
// JSON through the key/value store and the update topic.
type BotConfig struct {
	Exchanges        []string `json:"exchanges"`
	Symbols          []string `json:"symbols"`
	MinProfitPercent float64  `json:"minProfitPercent"`
	TradeAmount      float64  `json:"tradeAmount"`
	IsActive         bool     `json:"isActive"`
}

// BotStatus is the manager's periodically refreshed status snapshot.
type BotStatus struct {
	IsRunning          bool      `json:"isRunning"`
	ConnectedExchanges []string  `json:"connectedExchanges"`
	Uptime             int64     `json:"uptime"`
	Config             BotConfig `json:"config"`
}

// DefaultBootstrap loads default BotConfig.
type DefaultBootstrap struct {
	Config BotConfig `yaml:"config"`
}

// LoadYAMLDefaults reads a bootstrap BotConfig from a YAML file. Used only
// when bot:config has never been written to the store yet. A missing path
// (empty string, or file not found) yields the built-in defaults rather
// than an error.
func LoadYAMLDefaults(path string) (BotConfig, error) {
	defaults := BotConfig{
		Exchanges:        []string{"binance", "kraken", "coinbase"},
		Symbols:          []string{"BTCUSD", "ETHUSD"},
		MinProfitPercent: 0.1,
		TradeAmount:      1000,
		IsActive:         true,
	}
	if path == "" {
		return defaults, nil
	}
	if _, err := os.Stat(path); err != nil {
		return defaults, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return BotConfig{}, fmt.Errorf("read bootstrap config %s: %w", path, err)
	}
	var boot DefaultBootstrap
	if err := yaml.Unmarshal(data, &boot); err != nil {
		return BotConfig{}, fmt.Errorf("parse bootstrap config %s: %w", path, err)
	}
	if len(boot.Config.Exchanges) == 0 {
		boot.Config.Exchanges = defaults.Exchanges
	}
	if len(boot.Config.Symbols) == 0 {
		boot.Config.Symbols = defaults.Symbols
	}
	if boot.Config.MinProfitPercent == 0 {
		boot.Config.MinProfitPercent = defaults.MinProfitPercent
	}
	if boot.Config.TradeAmount == 0 {
		boot.Config.TradeAmount = defaults.TradeAmount
	}
	return boot.Config, nil
}

// Store wraps one Redis client for reading/writing bot:config and
// bot:status. The dynamic manager opens a second, dedicated subscriber
// connection for the update topic.
type Store struct {
	rdb *redis.Client
}

// NewStore constructs a Store from a redis:// URL.
func NewStore(redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Store{rdb: redis.NewClient(opt)}, nil
}

// ReadConfig reads bot:config. ok is false when the key has never been set.
func (s *Store) ReadConfig(ctx context.Context) (cfg BotConfig, ok bool, err error) {
	raw, err := s.rdb.Get(ctx, KeyConfig).Bytes()
	if err == redis.Nil {
		return BotConfig{}, false, nil
	}
	if err != nil {
		return BotConfig{}, false, fmt.Errorf("read %s: %w", KeyConfig, err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return BotConfig{}, false, fmt.Errorf("unmarshal %s: %w", KeyConfig, err)
	}
	return cfg, true, nil
}

// WriteConfig writes bot:config, overwriting whatever is there.
func (s *Store) WriteConfig(ctx context.Context, cfg BotConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal bot:config: %w", err)
	}
	if err := s.rdb.Set(ctx, KeyConfig, raw, 0).Err(); err != nil {
		return fmt.Errorf("write %s: %w", KeyConfig, err)
	}
	return nil
}

// WriteStatus writes bot:status, overwriting whatever is there.
func (s *Store) WriteStatus(ctx context.Context, status BotStatus) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal bot:status: %w", err)
	}
	if err := s.rdb.Set(ctx, KeyStatus, raw, 0).Err(); err != nil {
		return fmt.Errorf("write %s: %w", KeyStatus, err)
	}
	return nil
}

// PublishUpdate publishes a full BotConfig replacement on bot:config:update.
func (s *Store) PublishUpdate(ctx context.Context, cfg BotConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config update: %w", err)
	}
	if err := s.rdb.Publish(ctx, UpdateTopic, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", UpdateTopic, err)
	}
	return nil
}

// Subscribe opens a dedicated subscriber connection to bot:config:update.
// Callers must Close the returned subscription when done.
func (s *Store) Subscribe(ctx context.Context) *redis.PubSub {
	return s.rdb.Subscribe(ctx, UpdateTopic)
}

// Ping verifies connectivity, used by the health CLI subcommand.
func (s *Store) Ping(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.rdb.Ping(cctx).Err()
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// ParseUpdate decodes one bot:config:update pub/sub payload.
func ParseUpdate(payload string) (BotConfig, error) {
	var cfg BotConfig
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return BotConfig{}, fmt.Errorf("parse config update payload: %w", err)
	}
	return cfg, nil
}
