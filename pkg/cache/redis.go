package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"xypriss/pkg/logger"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const tagSetPrefix = "xypriss:tag:"
const keyTagsPrefix = "xypriss:keytags:"

// RedisCache is a Redis-backed Cache implementation. Tag membership is
// tracked with Redis sets (one set per tag, plus a reverse set per key) so
// InvalidateTag can run without a full keyspace scan.
type RedisCache struct {
	client     *redis.Client
	defaultTTL time.Duration
	group      singleflight.Group
}

// NewRedisCache creates a new Redis-backed cache and verifies connectivity.
func NewRedisCache(opts *Options) (*RedisCache, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	poolSize := opts.RedisPoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.RedisAddr,
		Password: opts.RedisPassword,
		DB:       opts.RedisDB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisCache{
		client:     client,
		defaultTTL: opts.DefaultTTL,
	}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrKeyNotFound
		}
		logger.Log.Warn("redis get failed, treating as miss", "error", err.Error())
		return nil, ErrKeyNotFound
	}
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	return c.client.Set(ctx, key, value, ttl).Err()
}

// SetWithTags stores value like Set and records key under each of tags via
// a dedicated Redis set per tag, plus a reverse set per key so Delete can
// clean up stale tag membership.
func (c *RedisCache) SetWithTags(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, key, value, ttl)

	if len(tags) > 0 {
		keyTagsKey := keyTagsPrefix + key
		pipe.SAdd(ctx, keyTagsKey, tags)
		if ttl > 0 {
			pipe.Expire(ctx, keyTagsKey, ttl)
		}
		for _, tag := range tags {
			pipe.SAdd(ctx, tagSetPrefix+tag, key)
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

// GetOrBuild returns the cached value for key, or calls build exactly once
// across concurrent callers on this process to populate it. Singleflight
// deduplication is local to the process; it does not prevent concurrent
// builds from separate server instances sharing the same Redis backend.
func (c *RedisCache) GetOrBuild(ctx context.Context, key string, ttl time.Duration, tags []string, build func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if value, err := c.Get(ctx, key); err == nil {
		return value, nil
	}

	value, err, _ := c.group.Do(key, func() (any, error) {
		if value, err := c.Get(ctx, key); err == nil {
			return value, nil
		}

		built, buildErr := build(ctx)
		if buildErr != nil {
			return nil, buildErr
		}

		if setErr := c.SetWithTags(ctx, key, built, ttl, tags); setErr != nil {
			return nil, setErr
		}

		return built, nil
	})
	if err != nil {
		return nil, err
	}

	return value.([]byte), nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	c.untagKey(ctx, key)
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, error) {
	pipe := c.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	_, err := pipe.Exec(ctx)

	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, err
	}

	val, err := getCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, ErrKeyNotFound
		}
		return nil, 0, err
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}

	return val, ttl, nil
}

func (c *RedisCache) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return make(map[string][]byte), nil
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[string][]byte, len(vals))
	for i, val := range vals {
		if val != nil {
			if str, ok := val.(string); ok {
				result[keys[i]] = []byte(str)
			}
		}
	}

	return result, nil
}

func (c *RedisCache) MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}

	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	pipe := c.client.Pipeline()
	for key, value := range entries {
		pipe.Set(ctx, key, value, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) MDelete(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	for _, key := range keys {
		c.untagKey(ctx, key)
	}
	return c.client.Del(ctx, keys...).Result()
}

func (c *RedisCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	return c.client.Keys(ctx, pattern).Result()
}

func (c *RedisCache) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	keys, err := c.client.Keys(ctx, pattern).Result()
	if err != nil {
		return 0, err
	}

	if len(keys) == 0 {
		return 0, nil
	}

	for _, key := range keys {
		c.untagKey(ctx, key)
	}

	return c.client.Del(ctx, keys...).Result()
}

// InvalidateTag removes every key stored under tag via SetWithTags.
func (c *RedisCache) InvalidateTag(ctx context.Context, tag string) (int64, error) {
	tagKey := tagSetPrefix + tag

	keys, err := c.client.SMembers(ctx, tagKey).Result()
	if err != nil {
		return 0, err
	}

	if len(keys) == 0 {
		c.client.Del(ctx, tagKey)
		return 0, nil
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, keys...)
	for _, key := range keys {
		pipe.Del(ctx, keyTagsPrefix+key)
	}
	pipe.Del(ctx, tagKey)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return 0, err
	}

	return int64(len(keys)), nil
}

// untagKey removes key from every tag set it was a member of and discards
// its reverse tag-membership set. Errors are ignored: tag bookkeeping is
// best-effort and must never block a primary cache operation.
func (c *RedisCache) untagKey(ctx context.Context, key string) {
	keyTagsKey := keyTagsPrefix + key

	tags, err := c.client.SMembers(ctx, keyTagsKey).Result()
	if err != nil || len(tags) == 0 {
		return
	}

	pipe := c.client.Pipeline()
	for _, tag := range tags {
		pipe.SRem(ctx, tagSetPrefix+tag, key)
	}
	pipe.Del(ctx, keyTagsKey)
	pipe.Exec(ctx)
}

func (c *RedisCache) Stats(ctx context.Context) (*Stats, error) {
	info, err := c.client.Info(ctx, "stats", "memory", "keyspace").Result()
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		KeysByPrefix: make(map[string]int64),
		Backend:      "redis",
	}

	lines := strings.Split(info, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "keyspace_hits:"):
			parseStatLine(line, "keyspace_hits:%d", &stats.Hits)
		case strings.HasPrefix(line, "keyspace_misses:"):
			parseStatLine(line, "keyspace_misses:%d", &stats.Misses)
		case strings.HasPrefix(line, "used_memory:"):
			parseStatLine(line, "used_memory:%d", &stats.MemoryBytes)
		}
	}

	dbSize, err := c.client.DBSize(ctx).Result()
	if err == nil {
		stats.TotalKeys = dbSize
	}

	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}

	return stats, nil
}

// parseStatLine does best-effort parsing of a Redis INFO stat line; parse
// failures are not fatal since these numbers are diagnostic only.
func parseStatLine(line, format string, target *int64) {
	if _, err := fmt.Sscanf(line, format, target); err != nil {
		return
	}
}

func (c *RedisCache) Clear(ctx context.Context) error {
	return c.client.FlushDB(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
