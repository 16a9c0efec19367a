// Package cache implements the engine's distributed key/value cache (C2):
// TTL'd get/set, pipelined multi-get/multi-set, glob pattern invalidation,
// and a pub/sub channel, backed by Redis. A cache miss or backend outage
// never blocks the data-plane — it degrades to "miss" and logs a warning;
// the cache is an optimization, never an authoritative source.
package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/adsgateway/internal/eventbus"
)

// Cache wraps a Redis client with the engine's read/write/invalidate/pubsub
// contract and publishes a cache.* event for every get, set, delete and
// invalidation, one per key for MGet and MSet. Exists, Publish and
// Subscribe publish no event.
type Cache struct {
	rdb  *redis.Client
	bus  *eventbus.Bus
	hits uint64
	miss uint64
	sets uint64
}

// New connects to addr (host:port). Connection failures are not fatal: the
// returned Cache degrades every read to a miss and logs every write as
// dropped, a deliberate degrade-on-miss policy.
func New(addr string, bus *eventbus.Bus, dialTimeout time.Duration) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  dialTimeout,
		ReadTimeout:  dialTimeout,
		WriteTimeout: dialTimeout,
		PoolSize:     20,
	})
	return &Cache{rdb: rdb, bus: bus}
}

func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Get returns the raw value for key and whether it was a hit.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		atomic.AddUint64(&c.miss, 1)
		c.emit(eventbus.EventCacheMiss, key)
		return nil, false
	}
	atomic.AddUint64(&c.hits, 1)
	c.emit(eventbus.EventCacheHit, key)
	return val, true
}

// Set stores value under key with an optional TTL (0 = no expiry). Write
// failures are logged and dropped, never surfaced to the caller.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.Warn("cache: set failed, dropped", "key", key, "error", err)
		return
	}
	atomic.AddUint64(&c.sets, 1)
	c.emit(eventbus.EventCacheSet, key)
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		slog.Warn("cache: delete failed", "key", key, "error", err)
		return
	}
	c.emit(eventbus.EventCacheDelete, key)
}

// Exists reports whether key is present.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// MGet performs a pipelined multi-get. Missing keys are simply absent from
// the result map; atomicity across keys is not required.
func (c *Cache) MGet(ctx context.Context, keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, k)
	}
	_, _ = pipe.Exec(ctx)

	for i, cmd := range cmds {
		val, err := cmd.Bytes()
		if err == nil {
			out[keys[i]] = val
			atomic.AddUint64(&c.hits, 1)
			c.emit(eventbus.EventCacheHit, keys[i])
		} else {
			atomic.AddUint64(&c.miss, 1)
			c.emit(eventbus.EventCacheMiss, keys[i])
		}
	}
	return out
}

// MSet performs a pipelined multi-set with a shared TTL.
func (c *Cache) MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) {
	if len(values) == 0 {
		return
	}
	pipe := c.rdb.Pipeline()
	for k, v := range values {
		pipe.Set(ctx, k, v, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("cache: mset failed", "error", err)
		return
	}
	atomic.AddUint64(&c.sets, uint64(len(values)))
	for k := range values {
		c.emit(eventbus.EventCacheSet, k)
	}
}

// InvalidatePattern deletes every key matching the glob pattern (e.g.
// "variable:*") and returns the count removed.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) int {
	var cursor uint64
	var removed int
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			slog.Warn("cache: invalidate scan failed", "pattern", pattern, "error", err)
			break
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err == nil {
				removed += len(keys)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	c.emit(eventbus.EventCacheInvalidate, pattern)
	return removed
}

// Publish sends msg on channel.
func (c *Cache) Publish(ctx context.Context, channel string, msg []byte) error {
	return c.rdb.Publish(ctx, channel, msg).Err()
}

// Subscribe registers handler for messages on channel. Returns an
// unsubscribe function.
func (c *Cache) Subscribe(ctx context.Context, channel string, handler func([]byte)) func() {
	sub := c.rdb.Subscribe(ctx, channel)
	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()
	return func() { _ = sub.Close() }
}

func (c *Cache) emit(event, key string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(event, key)
}

// Stats reports hit/miss/set counters and the derived hit rate.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Sets    uint64
	HitRate float64
}

func (c *Cache) Stats() Stats {
	hits := atomic.LoadUint64(&c.hits)
	miss := atomic.LoadUint64(&c.miss)
	sets := atomic.LoadUint64(&c.sets)
	return Stats{Hits: hits, Misses: miss, Sets: sets, HitRate: hitRate(hits, miss)}
}

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
