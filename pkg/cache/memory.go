package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"xypriss/pkg/events"
)

// MemoryCache is an in-memory Cache implementation with TTL expiry, LRU
// eviction once MaxEntries is reached, and tag-based bulk invalidation.
type MemoryCache struct {
	mu         sync.RWMutex
	items      map[string]*cacheItem
	tagIndex   map[string]map[string]struct{} // tag -> set of keys
	defaultTTL time.Duration
	maxEntries int
	bus        *events.Bus

	group singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type cacheItem struct {
	value      []byte
	expiresAt  time.Time
	accessedAt time.Time
	size       int64
	tags       []string
}

func (i *cacheItem) isExpired() bool {
	if i.expiresAt.IsZero() {
		return false
	}
	return time.Now().After(i.expiresAt)
}

func (i *cacheItem) ttl() time.Duration {
	if i.expiresAt.IsZero() {
		return -1 // no expiry
	}
	ttl := time.Until(i.expiresAt)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// NewMemoryCache creates a new in-memory cache and starts its background
// expiry sweep.
func NewMemoryCache(opts *Options) *MemoryCache {
	if opts == nil {
		opts = DefaultOptions()
	}

	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 100000
	}

	cleanupInterval := opts.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = 1 * time.Minute
	}

	c := &MemoryCache{
		items:      make(map[string]*cacheItem),
		tagIndex:   make(map[string]map[string]struct{}),
		defaultTTL: opts.DefaultTTL,
		maxEntries: maxEntries,
		bus:        opts.Bus,
		stopCh:     make(chan struct{}),
	}

	c.wg.Add(1)
	go c.cleanupLoop(cleanupInterval)

	return c
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}

	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || item.isExpired() {
		c.misses.Add(1)
		return nil, ErrKeyNotFound
	}

	c.hits.Add(1)

	c.mu.Lock()
	item.accessedAt = time.Now()
	c.mu.Unlock()

	result := make([]byte, len(item.value))
	copy(result, item.value)
	return result, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.SetWithTags(ctx, key, value, ttl, nil)
}

func (c *MemoryCache) SetWithTags(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}

	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.items) >= c.maxEntries {
		if _, exists := c.items[key]; exists {
			break
		}
		c.evictLRULocked()
	}

	c.untagLocked(key)

	c.items[key] = &cacheItem{
		value:      valueCopy,
		expiresAt:  expiresAt,
		accessedAt: now,
		size:       int64(len(valueCopy)),
		tags:       tags,
	}

	for _, tag := range tags {
		set, ok := c.tagIndex[tag]
		if !ok {
			set = make(map[string]struct{})
			c.tagIndex[tag] = set
		}
		set[key] = struct{}{}
	}

	return nil
}

// GetOrBuild returns the cached value for key, or calls build exactly once
// across concurrent callers to populate it. Concurrent requests for the
// same key block on the in-flight build rather than stampeding a shared
// upstream.
func (c *MemoryCache) GetOrBuild(ctx context.Context, key string, ttl time.Duration, tags []string, build func(ctx context.Context) ([]byte, error)) ([]byte, error) {
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

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}

	c.mu.Lock()
	item, existed := c.items[key]
	c.untagLocked(key)
	delete(c.items, key)
	if existed {
		c.publishEvictedLocked(key, item.tags, "manual")
	}
	c.mu.Unlock()

	return nil
}

func (c *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	if c.closed.Load() {
		return false, ErrCacheClosed
	}

	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	return ok && !item.isExpired(), nil
}

func (c *MemoryCache) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, error) {
	if c.closed.Load() {
		return nil, 0, ErrCacheClosed
	}

	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || item.isExpired() {
		c.misses.Add(1)
		return nil, 0, ErrKeyNotFound
	}

	c.hits.Add(1)

	c.mu.Lock()
	item.accessedAt = time.Now()
	c.mu.Unlock()

	result := make([]byte, len(item.value))
	copy(result, item.value)
	return result, item.ttl(), nil
}

func (c *MemoryCache) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}

	result := make(map[string][]byte, len(keys))
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		if item, ok := c.items[key]; ok && !item.isExpired() {
			c.hits.Add(1)
			item.accessedAt = now

			valueCopy := make([]byte, len(item.value))
			copy(valueCopy, item.value)
			result[key] = valueCopy
		} else {
			c.misses.Add(1)
		}
	}

	return result, nil
}

func (c *MemoryCache) MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}

	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, value := range entries {
		for len(c.items) >= c.maxEntries {
			if _, exists := c.items[key]; exists {
				break
			}
			c.evictLRULocked()
		}

		valueCopy := make([]byte, len(value))
		copy(valueCopy, value)

		c.items[key] = &cacheItem{
			value:      valueCopy,
			expiresAt:  expiresAt,
			accessedAt: now,
			size:       int64(len(valueCopy)),
		}
	}

	return nil
}

func (c *MemoryCache) MDelete(ctx context.Context, keys []string) (int64, error) {
	if c.closed.Load() {
		return 0, ErrCacheClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var count int64
	for _, key := range keys {
		if _, ok := c.items[key]; ok {
			c.untagLocked(key)
			delete(c.items, key)
			count++
		}
	}

	return count, nil
}

func (c *MemoryCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var keys []string
	for key, item := range c.items {
		if !item.isExpired() && matchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

func (c *MemoryCache) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	if c.closed.Load() {
		return 0, ErrCacheClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var count int64
	for key := range c.items {
		if matchPattern(pattern, key) {
			c.untagLocked(key)
			delete(c.items, key)
			count++
		}
	}

	return count, nil
}

// InvalidateTag removes every key indexed under tag.
func (c *MemoryCache) InvalidateTag(ctx context.Context, tag string) (int64, error) {
	if c.closed.Load() {
		return 0, ErrCacheClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.tagIndex[tag]
	if !ok {
		return 0, nil
	}

	var count int64
	for key := range set {
		if item, exists := c.items[key]; exists {
			for _, t := range item.tags {
				if t == tag {
					continue
				}
				if other, ok := c.tagIndex[t]; ok {
					delete(other, key)
				}
			}
			delete(c.items, key)
			c.publishEvictedLocked(key, item.tags, "tag_invalidate")
			count++
		}
	}

	delete(c.tagIndex, tag)
	return count, nil
}

func (c *MemoryCache) Stats(ctx context.Context) (*Stats, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := &Stats{
		TotalKeys:    int64(len(c.items)),
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		KeysByPrefix: make(map[string]int64),
		Backend:      "memory",
	}

	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}

	for key, item := range c.items {
		if !item.isExpired() {
			stats.MemoryBytes += item.size
			prefix := extractPrefix(key)
			stats.KeysByPrefix[prefix]++
		}
	}

	return stats, nil
}

func (c *MemoryCache) Clear(ctx context.Context) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}

	c.mu.Lock()
	c.items = make(map[string]*cacheItem)
	c.tagIndex = make(map[string]map[string]struct{})
	c.mu.Unlock()

	return nil
}

func (c *MemoryCache) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}

	close(c.stopCh)
	c.wg.Wait()

	c.mu.Lock()
	c.items = nil
	c.tagIndex = nil
	c.mu.Unlock()

	return nil
}

func (c *MemoryCache) cleanupLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *MemoryCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, item := range c.items {
		if item.isExpired() {
			c.untagLocked(key)
			delete(c.items, key)
			c.publishEvictedLocked(key, item.tags, "ttl")
		}
	}
}

// evictLRULocked removes the least recently accessed entry. Caller must
// hold c.mu.
func (c *MemoryCache) evictLRULocked() {
	var oldestKey string
	var oldestAccess time.Time

	for key, item := range c.items {
		if oldestKey == "" || item.accessedAt.Before(oldestAccess) {
			oldestKey = key
			oldestAccess = item.accessedAt
		}
	}

	if oldestKey != "" {
		tags := c.items[oldestKey].tags
		c.untagLocked(oldestKey)
		delete(c.items, oldestKey)
		c.publishEvictedLocked(oldestKey, tags, "lru")
	}
}

// publishEvictedLocked emits a TypeCacheEntryEvicted event, if a Bus was
// configured. Caller must hold c.mu; Bus.Publish itself never blocks.
func (c *MemoryCache) publishEvictedLocked(key string, tags []string, reason string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.New(events.TypeCacheEntryEvicted, "cache", events.CacheEvictionPayload{
		KeyHash: ShortHash([]byte(key)),
		Tags:    tags,
		Reason:  reason,
	}))
}

// untagLocked removes key from every tag set it belongs to. Caller must
// hold c.mu.
func (c *MemoryCache) untagLocked(key string) {
	item, ok := c.items[key]
	if !ok {
		return
	}
	for _, tag := range item.tags {
		if set, ok := c.tagIndex[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(c.tagIndex, tag)
			}
		}
	}
}

// matchPattern checks whether key matches pattern. Supports:
//   - "*" matches any key
//   - "prefix*" matches keys starting with prefix
//   - "*suffix" matches keys ending with suffix
//   - "prefix*suffix" matches keys with both
func matchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}

	starIndex := strings.Index(pattern, "*")
	if starIndex == -1 {
		return pattern == key
	}

	prefix := pattern[:starIndex]
	suffix := pattern[starIndex+1:]

	if len(key) < len(prefix)+len(suffix) {
		return false
	}

	return strings.HasPrefix(key, prefix) && strings.HasSuffix(key, suffix)
}

// extractPrefix extracts the colon-delimited prefix of a key for stats grouping.
func extractPrefix(key string) string {
	if idx := strings.Index(key, ":"); idx > 0 {
		return key[:idx]
	}
	return "other"
}
