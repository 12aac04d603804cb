package registry

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ResultCache caches hybrid search results keyed by the normalized query
// string, so repeated identical queries skip re-embedding and re-scoring.
type ResultCache interface {
	Get(ctx context.Context, key string) ([]ScoredTool, bool)
	Set(ctx context.Context, key string, results []ScoredTool, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// RefreshFunc recomputes the results for key when a cache entry is about to
// expire.
type RefreshFunc func(ctx context.Context, key string) ([]ScoredTool, error)

type cacheEntry struct {
	results   []ScoredTool
	expiresAt time.Time
	ttl       time.Duration
}

// DefaultResultCacheCapacity bounds the LRU when the caller doesn't
// override it.
const DefaultResultCacheCapacity = 500

// MemoryResultCache is a bounded, TTL-expiring ResultCache: an LRU caps
// memory use under unbounded query variety, while TTL still governs
// staleness independent of eviction pressure. Entries nearing expiry can
// be refreshed in the background instead of evicted outright.
type MemoryResultCache struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *cacheEntry]

	refreshFunc     RefreshFunc
	refreshCooldown time.Duration
	refreshCtx      context.Context
	refreshCancel   context.CancelFunc
	refreshWg       sync.WaitGroup
	refreshCh       chan string
}

// MemoryResultCacheOption configures a MemoryResultCache.
type MemoryResultCacheOption func(*MemoryResultCache)

// WithRefreshFunc arranges for entries within 20% of their TTL to be
// recomputed via fn in the background rather than evicted outright.
func WithRefreshFunc(fn RefreshFunc) MemoryResultCacheOption {
	return func(c *MemoryResultCache) { c.refreshFunc = fn }
}

// WithRefreshCooldown bounds how often the same key may be refreshed;
// defaults to 10 seconds.
func WithRefreshCooldown(d time.Duration) MemoryResultCacheOption {
	return func(c *MemoryResultCache) { c.refreshCooldown = d }
}

// WithCapacity overrides DefaultResultCacheCapacity.
func WithCapacity(n int) MemoryResultCacheOption {
	return func(c *MemoryResultCache) {
		c.cache, _ = lru.New[string, *cacheEntry](n)
	}
}

// NewMemoryResultCache constructs a MemoryResultCache bounded to
// DefaultResultCacheCapacity entries unless overridden by WithCapacity.
func NewMemoryResultCache(opts ...MemoryResultCacheOption) *MemoryResultCache {
	cache, _ := lru.New[string, *cacheEntry](DefaultResultCacheCapacity)
	c := &MemoryResultCache{
		cache:           cache,
		refreshCh:       make(chan string, 100),
		refreshCooldown: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached results for key, triggering a background refresh
// if the entry is within 20% of its TTL and a RefreshFunc is configured.
func (c *MemoryResultCache) Get(_ context.Context, key string) ([]ScoredTool, bool) {
	c.mu.RLock()
	entry, ok := c.cache.Get(key)
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	now := time.Now()
	if now.After(entry.expiresAt) {
		c.mu.Lock()
		c.cache.Remove(key)
		c.mu.Unlock()
		return nil, false
	}

	if c.refreshFunc != nil && entry.ttl > 0 {
		refreshThreshold := entry.expiresAt.Add(-entry.ttl / 5)
		if now.After(refreshThreshold) {
			c.triggerRefresh(key)
		}
	}
	return entry.results, true
}

func (c *MemoryResultCache) triggerRefresh(key string) {
	if c.refreshCtx == nil {
		return
	}
	select {
	case c.refreshCh <- key:
	case <-c.refreshCtx.Done():
	default:
	}
}

// Set stores results for key with the given TTL, evicting the least
// recently used entry first if the cache is at capacity.
func (c *MemoryResultCache) Set(_ context.Context, key string, results []ScoredTool, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, &cacheEntry{results: results, expiresAt: time.Now().Add(ttl), ttl: ttl})
}

// Delete removes key's cached entry, if any.
func (c *MemoryResultCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(key)
}

// Len reports the number of cached entries.
func (c *MemoryResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache.Len()
}

// StartRefresh starts the background refresh loop; a no-op when no
// RefreshFunc was configured.
func (c *MemoryResultCache) StartRefresh(ctx context.Context) {
	if c.refreshFunc == nil {
		return
	}
	c.refreshCtx, c.refreshCancel = context.WithCancel(ctx)
	c.refreshWg.Add(1)
	go c.refreshLoop()
}

// StopRefresh stops the background refresh loop and waits for it to exit.
func (c *MemoryResultCache) StopRefresh() {
	if c.refreshCancel != nil {
		c.refreshCancel()
		c.refreshWg.Wait()
		c.refreshCancel = nil
	}
}

func (c *MemoryResultCache) refreshLoop() {
	defer c.refreshWg.Done()

	refreshed := make(map[string]time.Time)
	for {
		select {
		case <-c.refreshCtx.Done():
			return
		case key := <-c.refreshCh:
			if last, ok := refreshed[key]; ok && time.Since(last) < c.refreshCooldown {
				continue
			}

			c.mu.RLock()
			entry, exists := c.cache.Peek(key)
			c.mu.RUnlock()
			if !exists {
				continue
			}

			results, err := c.refreshFunc(c.refreshCtx, key)
			if err != nil {
				continue
			}

			c.mu.Lock()
			c.cache.Add(key, &cacheEntry{results: results, expiresAt: time.Now().Add(entry.ttl), ttl: entry.ttl})
			c.mu.Unlock()

			refreshed[key] = time.Now()
			if len(refreshed) > 1000 {
				now := time.Now()
				for k, t := range refreshed {
					if now.Sub(t) > time.Minute {
						delete(refreshed, k)
					}
				}
			}
		}
	}
}
