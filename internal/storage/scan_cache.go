package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ScanCache caches serialized scan responses in Redis with a short TTL so
// dashboard polling does not hammer the coverage index. Gaps themselves are
// recomputed on every cache miss; nothing here outlives the TTL or a
// coverage write for the same source.
type ScanCache struct {
	cache *RedisCache
	ttl   time.Duration
}

// NewScanCache creates a new scan cache
func NewScanCache(cache *RedisCache, ttl time.Duration) *ScanCache {
	return &ScanCache{cache: cache, ttl: ttl}
}

// Keys nest under the bare source key so Invalidate's scan:<sourceKey>:*
// pattern covers every granularity and range for that source.
func scanCacheKey(sourceKey, granularity, from, to string) string {
	return fmt.Sprintf("scan:%s:%s:%s:%s", sourceKey, granularity, from, to)
}

// Get retrieves a cached scan response into dst. Returns false on miss.
func (c *ScanCache) Get(ctx context.Context, sourceKey, granularity, from, to string, dst interface{}) (bool, error) {
	val, err := c.cache.Get(ctx, scanCacheKey(sourceKey, granularity, from, to))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("scan cache get: %w", err)
	}

	if err := json.Unmarshal([]byte(val), dst); err != nil {
		// Treat a corrupt entry as a miss
		return false, nil
	}

	return true, nil
}

// Set stores a scan response
func (c *ScanCache) Set(ctx context.Context, sourceKey, granularity, from, to string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("scan cache marshal: %w", err)
	}
	return c.cache.Set(ctx, scanCacheKey(sourceKey, granularity, from, to), data, c.ttl)
}

// Invalidate drops every cached scan for a source. Called by the job engine
// after each coverage write so pollers never see stale completeness numbers
// beyond one TTL.
func (c *ScanCache) Invalidate(ctx context.Context, sourceKey string) error {
	pattern := fmt.Sprintf("scan:%s:*", sourceKey)

	iter := c.cache.Client().Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cache invalidate: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	return c.cache.Del(ctx, keys...)
}
