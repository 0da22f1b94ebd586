// Package cache holds short-lived Docker listing snapshots in Redis so
// API reads do not hammer the daemon. The cache is advisory: any
// failure degrades to a live read.
package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qman-project/qman-slave/internal/clock"
	"github.com/qman-project/qman-slave/internal/logging"
	"github.com/qman-project/qman-slave/internal/metrics"
)

// Cache key names.
const (
	KeyContainers       = "docker:containers:list"
	KeyImages           = "docker:images:list"
	keyLastInvalidation = "docker:cache:last_invalidation"
)

// redisAPI is the slice of go-redis the cache uses. Injectable for
// tests.
type redisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type entry struct {
	StoredAt int64           `json:"stored_at"`
	Payload  json.RawMessage `json:"payload"`
}

// Cache wraps a Redis connection. A nil backend (no REDIS_URL) makes
// every lookup a miss and every write a no-op.
type Cache struct {
	rdb redisAPI
	ttl time.Duration
	clk clock.Clock
	log *logging.Logger
}

// New connects to Redis at url. An empty url disables caching.
func New(url string, ttl time.Duration, log *logging.Logger) (*Cache, error) {
	c := &Cache{ttl: ttl, clk: clock.Real{}, log: log}
	if url == "" {
		log.Info("no redis configured, listing cache disabled")
		return c, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	c.rdb = redis.NewClient(opts)
	return c, nil
}

// NewWithBackend is for tests.
func NewWithBackend(rdb redisAPI, ttl time.Duration, clk clock.Clock, log *logging.Logger) *Cache {
	return &Cache{rdb: rdb, ttl: ttl, clk: clk, log: log}
}

// Get unmarshals a cached payload into dest. Returns false on miss,
// expiry, decode failure, or backend error.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if c.rdb == nil || c.ttl <= 0 {
		return false
	}
	name := cacheName(key)
	raw, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug("cache read failed", "key", key, "error", err)
		}
		metrics.CacheRequests.WithLabelValues(name, "miss").Inc()
		return false
	}
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		metrics.CacheRequests.WithLabelValues(name, "miss").Inc()
		return false
	}
	// The Redis TTL already bounds entry age, but the configured TTL
	// may have shrunk since the entry was written.
	if c.clk.Now().Unix()-e.StoredAt > int64(c.ttl.Seconds()) {
		metrics.CacheRequests.WithLabelValues(name, "miss").Inc()
		return false
	}
	if err := json.Unmarshal(e.Payload, dest); err != nil {
		metrics.CacheRequests.WithLabelValues(name, "miss").Inc()
		return false
	}
	metrics.CacheRequests.WithLabelValues(name, "hit").Inc()
	return true
}

// Set stores a payload. Failures are logged and dropped.
func (c *Cache) Set(ctx context.Context, key string, v any) {
	if c.rdb == nil || c.ttl <= 0 {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		c.log.Debug("cache encode failed", "key", key, "error", err)
		return
	}
	raw, err := json.Marshal(entry{StoredAt: c.clk.Now().Unix(), Payload: payload})
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.log.Debug("cache write failed", "key", key, "error", err)
	}
}

// Invalidate drops a key and stamps the invalidation time for
// observability.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.log.Debug("cache invalidate failed", "key", key, "error", err)
		return
	}
	stamp := strconv.FormatInt(c.clk.Now().Unix(), 10)
	if err := c.rdb.Set(ctx, keyLastInvalidation, stamp, 0).Err(); err != nil {
		c.log.Debug("invalidation stamp failed", "error", err)
	}
}

func cacheName(key string) string {
	switch key {
	case KeyContainers:
		return "containers"
	case KeyImages:
		return "images"
	}
	return "other"
}
