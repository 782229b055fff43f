// Package cache provides the two-tier lookup cache used on the resolver
// fast path. L1 is an in-process Ristretto cache, L2 an optional shared
// Redis tier. Entries are hints: a cached resolution may point at a node
// that has since been deleted, so callers re-verify hits against the
// store before trusting them.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config sizes the cache.
type Config struct {
	// MaxCost bounds the L1 tier, measured in bytes of cached values.
	MaxCost int64
	TTL     time.Duration
}

// DefaultConfig returns the resolver cache defaults.
func DefaultConfig() Config {
	return Config{
		MaxCost: 32 << 20,
		TTL:     5 * time.Minute,
	}
}

// Stats is a point-in-time snapshot of hit counters.
type Stats struct {
	L1Hits   int64 `json:"l1_hits"`
	L1Misses int64 `json:"l1_misses"`
	L2Hits   int64 `json:"l2_hits"`
	L2Misses int64 `json:"l2_misses"`
}

// Cache is the two-tier byte cache. A nil Redis client degrades it to
// L1-only, which tests and single-instance deployments use.
type Cache struct {
	l1     *ristretto.Cache[string, []byte]
	l2     *redis.Client
	ttl    time.Duration
	logger *zap.Logger

	l1Hits   atomic.Int64
	l1Misses atomic.Int64
	l2Hits   atomic.Int64
	l2Misses atomic.Int64
}

// New builds the cache. The Redis client may be nil.
func New(cfg Config, rdb *redis.Client, logger *zap.Logger) (*Cache, error) {
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = DefaultConfig().MaxCost
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	l1, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: cfg.MaxCost / 64,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		l1:     l1,
		l2:     rdb,
		ttl:    cfg.TTL,
		logger: logger.Named("cache"),
	}, nil
}

// Get returns the cached value for key, promoting L2 hits into L1.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if val, found := c.l1.Get(key); found {
		c.l1Hits.Add(1)
		return val, true
	}
	c.l1Misses.Add(1)

	if c.l2 == nil {
		return nil, false
	}
	data, err := c.l2.Get(ctx, key).Bytes()
	if err != nil || len(data) == 0 {
		c.l2Misses.Add(1)
		return nil, false
	}
	c.l2Hits.Add(1)
	c.l1.SetWithTTL(key, data, int64(len(data)), c.ttl)
	return data, true
}

// Set stores the value in L1 and, when configured, writes through to L2.
// The L2 write is best-effort; a failure only loses shared-tier reuse.
func (c *Cache) Set(ctx context.Context, key string, data []byte) {
	c.l1.SetWithTTL(key, data, int64(len(data)), c.ttl)
	if c.l2 == nil {
		return
	}
	if err := c.l2.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("Failed to write L2 cache entry",
			zap.String("key", key),
			zap.Error(err))
	}
}

// Delete drops the key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.l1.Del(key)
	if c.l2 != nil {
		if err := c.l2.Del(ctx, key).Err(); err != nil {
			c.logger.Warn("Failed to delete L2 cache entry",
				zap.String("key", key),
				zap.Error(err))
		}
	}
}

// Wait flushes pending L1 writes. Ristretto buffers Set calls; tests and
// warm-up paths call Wait before reading back.
func (c *Cache) Wait() {
	c.l1.Wait()
}

// Snapshot returns current hit counters.
func (c *Cache) Snapshot() Stats {
	return Stats{
		L1Hits:   c.l1Hits.Load(),
		L1Misses: c.l1Misses.Load(),
		L2Hits:   c.l2Hits.Load(),
		L2Misses: c.l2Misses.Load(),
	}
}

// Clear empties the L1 tier. L2 entries age out by TTL.
func (c *Cache) Clear() {
	c.l1.Clear()
}

// Close releases L1 resources.
func (c *Cache) Close() {
	c.l1.Close()
}

// ResolutionCache maps normalized entity names to resolved node UUIDs,
// scoped by group. Hits short-circuit the exact-match store lookup; the
// resolver still confirms the node exists before reusing it.
type ResolutionCache struct {
	cache *Cache
}

// NewResolutionCache wraps a Cache with resolution key handling.
func NewResolutionCache(c *Cache) *ResolutionCache {
	return &ResolutionCache{cache: c}
}

func resolutionKey(groupID, normalizedName string) string {
	return "res:" + groupID + ":" + normalizedName
}

// GetUUID returns the cached node uuid for a normalized name.
func (r *ResolutionCache) GetUUID(ctx context.Context, groupID, normalizedName string) (string, bool) {
	data, found := r.cache.Get(ctx, resolutionKey(groupID, normalizedName))
	if !found {
		return "", false
	}
	return string(data), true
}

// SetUUID records a resolved name.
func (r *ResolutionCache) SetUUID(ctx context.Context, groupID, normalizedName, uuid string) {
	r.cache.Set(ctx, resolutionKey(groupID, normalizedName), []byte(uuid))
}

// Invalidate drops one cached resolution, used when a hinted node turns
// out to have been deleted or merged away.
func (r *ResolutionCache) Invalidate(ctx context.Context, groupID, normalizedName string) {
	r.cache.Delete(ctx, resolutionKey(groupID, normalizedName))
}
