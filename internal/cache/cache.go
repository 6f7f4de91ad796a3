// Package cache is the short-TTL (venue, native symbol) -> OrderBook
// replica backed by Redis, consumed by the dynamic manager's intake path.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sawpanic/arbmon/internal/book"
	"github.com/sawpanic/arbmon/internal/metrics"
)

// DefaultTTL is the cache entry lifetime: a written entry becomes
// unreadable this many seconds after its last write.
const DefaultTTL = 10 * time.Second

// Cache wraps a Redis client with the orderbook cache key convention
// orderbook:<venue>:<native-symbol>.
type Cache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *metrics.Registry
}

// New builds a Cache from a Redis connection URL (e.g. redis://host:6379/0).
// m may be nil, in which case cache hit/miss counters are not recorded.
func New(redisURL string, ttl time.Duration, m *metrics.Registry) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: redis.NewClient(opts), ttl: ttl, metrics: m}, nil
}

func key(venueID, nativeSymbol string) string {
	return fmt.Sprintf("orderbook:%s:%s", venueID, nativeSymbol)
}

// Put writes b to the cache under its TTL. Readers that observe a miss
// treat the entry as "unknown" per the cache-invariant contract.
func (c *Cache) Put(ctx context.Context, b *book.OrderBook) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("cache: marshal orderbook: %w", err)
	}
	if err := c.client.Set(ctx, key(b.VenueID, b.NativeSymbol), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s/%s: %w", b.VenueID, b.NativeSymbol, err)
	}
	return nil
}

// Get returns the cached book for (venueID, nativeSymbol), or ok=false on
// miss (including TTL expiry).
func (c *Cache) Get(ctx context.Context, venueID, nativeSymbol string) (b *book.OrderBook, ok bool, err error) {
	raw, err := c.client.Get(ctx, key(venueID, nativeSymbol)).Bytes()
	if err == redis.Nil {
		if c.metrics != nil {
			c.metrics.RecordCacheMiss()
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get %s/%s: %w", venueID, nativeSymbol, err)
	}
	var parsed book.OrderBook
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, false, fmt.Errorf("cache: unmarshal %s/%s: %w", venueID, nativeSymbol, err)
	}
	if c.metrics != nil {
		c.metrics.RecordCacheHit()
	}
	return &parsed, true, nil
}

// Close releases the underlying Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
