package config

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadYAMLDefaultsNoPathReturnsBuiltins(t *testing.T) {
	cfg, err := LoadYAMLDefaults("")
	require.NoError(t, err)
	assert.Equal(t, []string{"binance", "kraken", "coinbase"}, cfg.Exchanges)
	assert.Equal(t, []string{"BTCUSD", "ETHUSD"}, cfg.Symbols)
	assert.InDelta(t, 0.1, cfg.MinProfitPercent, 1e-9)
	assert.InDelta(t, 1000, cfg.TradeAmount, 1e-9)
	assert.True(t, cfg.IsActive)
}

func TestLoadYAMLDefaultsMissingFileReturnsBuiltins(t *testing.T) {
	cfg, err := LoadYAMLDefaults("/nonexistent/arbmon.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"binance", "kraken", "coinbase"}, cfg.Exchanges)
}

func TestParseUpdateRoundTrips(t *testing.T) {
	payload := `{"exchanges":["binance","kraken"],"symbols":["BTCUSD"],"minProfitPercent":0.2,"tradeAmount":500,"isActive":false}`
	cfg, err := ParseUpdate(payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"binance", "kraken"}, cfg.Exchanges)
	assert.InDelta(t, 0.2, cfg.MinProfitPercent, 1e-9)
	assert.InDelta(t, 500, cfg.TradeAmount, 1e-9)
	assert.False(t, cfg.IsActive)
}

func TestParseUpdateRejectsMalformedPayload(t *testing.T) {
	_, err := ParseUpdate("not json")
	assert.Error(t, err)
}

func TestNewStoreRejectsInvalidURL(t *testing.T) {
	_, err := NewStore("not-a-url\x7f")
	assert.Error(t, err)
}

func sampleConfig() BotConfig {
	return BotConfig{
		Exchanges:        []string{"binance", "coinbase"},
		Symbols:          []string{"BTCUSD"},
		MinProfitPercent: 0.1,
		TradeAmount:      1000,
		IsActive:         true,
	}
}

func TestReadConfigHit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := &Store{rdb: db}

	cfg := sampleConfig()
	payload, err := json.Marshal(cfg)
	require.NoError(t, err)
	mock.ExpectGet(KeyConfig).SetVal(string(payload))

	got, ok, err := s.ReadConfig(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cfg, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadConfigMiss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := &Store{rdb: db}

	mock.ExpectGet(KeyConfig).RedisNil()

	_, ok, err := s.ReadConfig(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadConfigPropagatesRedisError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := &Store{rdb: db}

	mock.ExpectGet(KeyConfig).SetErr(redis.TxFailedErr)

	_, ok, err := s.ReadConfig(context.Background())
	assert.Error(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteConfig(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := &Store{rdb: db}

	cfg := sampleConfig()
	payload, err := json.Marshal(cfg)
	require.NoError(t, err)
	mock.ExpectSet(KeyConfig, payload, time.Duration(0)).SetVal("OK")

	require.NoError(t, s.WriteConfig(context.Background(), cfg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteStatus(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := &Store{rdb: db}

	status := BotStatus{IsRunning: true, ConnectedExchanges: []string{"binance"}, Uptime: 123, Config: sampleConfig()}
	payload, err := json.Marshal(status)
	require.NoError(t, err)
	mock.ExpectSet(KeyStatus, payload, time.Duration(0)).SetVal("OK")

	require.NoError(t, s.WriteStatus(context.Background(), status))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishUpdate(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := &Store{rdb: db}

	cfg := sampleConfig()
	payload, err := json.Marshal(cfg)
	require.NoError(t, err)
	mock.ExpectPublish(UpdateTopic, payload).SetVal(1)

	require.NoError(t, s.PublishUpdate(context.Background(), cfg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishUpdatePropagatesRedisError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := &Store{rdb: db}

	cfg := sampleConfig()
	payload, err := json.Marshal(cfg)
	require.NoError(t, err)
	mock.ExpectPublish(UpdateTopic, payload).SetErr(redis.TxFailedErr)

	assert.Error(t, s.PublishUpdate(context.Background(), cfg))
	require.NoError(t, mock.ExpectationsWereMet())
}

// Subscribe discards the error of its initial SUBSCRIBE attempt and returns
// the PubSub regardless, so wiring it to an unreachable address lets us
// assert it returns a PubSub scoped to UpdateTopic without a real broker;
// the dial failure only surfaces on Receive. redismock does not model pub/sub (Subscribe bypasses the
// Cmdable interface it intercepts), so this exercises the real client.
func TestSubscribeReturnsPubSubForUpdateTopic(t *testing.T) {
	s, err := NewStore("redis://127.0.0.1:1/0")
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sub := s.Subscribe(ctx)
	require.NotNil(t, sub)
	defer sub.Close()

	_, err = sub.Receive(ctx)
	assert.Error(t, err, "no broker is listening on port 1")
}
