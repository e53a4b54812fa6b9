// Package cache implements the read-through cache in front of the
// authoritative store: process memory (L1), then Redis (L2), then a loader.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cassiomorais/paygate/internal/infrastructure/observability"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// invalidationChannel is relative to the cache key prefix.
const invalidationChannel = "invalidate"

type Config struct {
	// Prefix is the application key prefix; the cache namespaces its keys
	// and invalidation channel under Prefix + "cache:".
	Prefix    string
	L1TTL     time.Duration
	L2TTL     time.Duration
	L1Cleanup time.Duration
}

// Stats are cumulative counters since construction.
type Stats struct {
	L1Hits   int64 `json:"l1_hits"`
	L2Hits   int64 `json:"l2_hits"`
	Loads    int64 `json:"loads"`
	L2Errors int64 `json:"l2_errors"`
	L1Items  int   `json:"l1_items"`
}

// MultiLevel is safe for concurrent use. L2 failures are logged and
// counted, never returned: the loader is the source of truth.
type MultiLevel struct {
	l1     *gocache.Cache
	l2     *redis.Client
	prefix string
	l1TTL  time.Duration
	l2TTL  time.Duration
	group  singleflight.Group

	metrics *observability.Metrics
	logger  zerolog.Logger

	l1Hits   atomic.Int64
	l2Hits   atomic.Int64
	loads    atomic.Int64
	l2Errors atomic.Int64
}

func New(client *redis.Client, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *MultiLevel {
	if cfg.L1TTL <= 0 {
		cfg.L1TTL = 20 * time.Second
	}
	if cfg.L2TTL <= 0 {
		cfg.L2TTL = 5 * time.Minute
	}
	if cfg.L1Cleanup <= 0 {
		cfg.L1Cleanup = time.Minute
	}
	return &MultiLevel{
		l1:      gocache.New(cfg.L1TTL, cfg.L1Cleanup),
		l2:      client,
		prefix:  cfg.Prefix + "cache:",
		l1TTL:   cfg.L1TTL,
		l2TTL:   cfg.L2TTL,
		metrics: metrics,
		logger:  logger.With().Str("component", "cache").Logger(),
	}
}

func (c *MultiLevel) l2Key(key string) string {
	return c.prefix + key
}

// Get looks key up in L1 then L2 and decodes it into dst. It reports
// whether the key was found; L2 misses and errors both report false.
func (c *MultiLevel) Get(ctx context.Context, key string, dst any) bool {
	if raw, ok := c.l1.Get(key); ok {
		if err := json.Unmarshal(raw.([]byte), dst); err == nil {
			c.l1Hits.Add(1)
			c.metrics.CacheHit("l1")
			return true
		}
		c.l1.Delete(key)
	}

	raw, err := c.l2.Get(ctx, c.l2Key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.l2Failure("get", key, err)
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Dropping undecodable L2 entry")
		c.l2.Del(ctx, c.l2Key(key))
		return false
	}
	c.l2Hits.Add(1)
	c.metrics.CacheHit("l2")
	c.l1.Set(key, raw, c.l1TTL)
	return true
}

// Set writes value to L2 then L1. ttl overrides the L2 TTL when positive;
// L1 never outlives L2.
func (c *MultiLevel) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value %s: %w", key, err)
	}
	c.setRaw(ctx, key, raw, ttl)
	return nil
}

func (c *MultiLevel) setRaw(ctx context.Context, key string, raw []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.l2TTL
	}
	if err := c.l2.Set(ctx, c.l2Key(key), raw, ttl).Err(); err != nil {
		c.l2Failure("set", key, err)
	}
	l1 := c.l1TTL
	if ttl < l1 {
		l1 = ttl
	}
	c.l1.Set(key, raw, l1)
}

// Delete removes keys from both levels and tells other processes to drop
// their L1 copies.
func (c *MultiLevel) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		c.l1.Delete(k)
		full[i] = c.l2Key(k)
	}
	if err := c.l2.Del(ctx, full...).Err(); err != nil {
		c.l2Failure("del", strings.Join(keys, ","), err)
	}
	c.broadcast(ctx, keys...)
}

// DeletePrefix removes every key starting with prefix from both levels.
func (c *MultiLevel) DeletePrefix(ctx context.Context, prefix string) {
	c.dropL1Prefix(prefix)

	var cursor uint64
	for {
		keys, next, err := c.l2.Scan(ctx, cursor, c.l2Key(prefix)+"*", 200).Result()
		if err != nil {
			c.l2Failure("scan", prefix, err)
			break
		}
		if len(keys) > 0 {
			if err := c.l2.Del(ctx, keys...).Err(); err != nil {
				c.l2Failure("del", prefix, err)
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	c.broadcast(ctx, prefix+"*")
}

func (c *MultiLevel) dropL1Prefix(prefix string) {
	for k := range c.l1.Items() {
		if strings.HasPrefix(k, prefix) {
			c.l1.Delete(k)
		}
	}
}

func (c *MultiLevel) broadcast(ctx context.Context, keys ...string) {
	for _, k := range keys {
		if err := c.l2.Publish(ctx, c.prefix+invalidationChannel, k).Err(); err != nil {
			c.l2Failure("publish", k, err)
			return
		}
	}
}

// ListenInvalidations drops L1 entries deleted by other processes until ctx
// is done. Entries ending in '*' are prefixes.
func (c *MultiLevel) ListenInvalidations(ctx context.Context) error {
	sub := c.l2.Subscribe(ctx, c.prefix+invalidationChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if p, isPrefix := strings.CutSuffix(msg.Payload, "*"); isPrefix {
				c.dropL1Prefix(p)
			} else {
				c.l1.Delete(msg.Payload)
			}
		}
	}
}

func (c *MultiLevel) Stats() Stats {
	return Stats{
		L1Hits:   c.l1Hits.Load(),
		L2Hits:   c.l2Hits.Load(),
		Loads:    c.loads.Load(),
		L2Errors: c.l2Errors.Load(),
		L1Items:  c.l1.ItemCount(),
	}
}

func (c *MultiLevel) l2Failure(op, key string, err error) {
	c.l2Errors.Add(1)
	c.logger.Warn().Err(err).Str("op", op).Str("key", key).Msg("L2 cache unavailable")
}

// Remember returns the cached value for key, or calls load, stores the
// result in L2 then L1 and returns it. Concurrent misses for the same key
// share one load. Load errors are returned and never cached.
func Remember[T any](ctx context.Context, c *MultiLevel, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	var out T
	if c.Get(ctx, key, &out) {
		return out, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		val, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.loads.Add(1)
		c.metrics.CacheHit("loader")
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("encode cache value %s: %w", key, err)
		}
		c.setRaw(ctx, key, raw, ttl)
		return raw, nil
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(v.([]byte), &out); err != nil {
		return out, fmt.Errorf("decode cache value %s: %w", key, err)
	}
	return out, nil
}
