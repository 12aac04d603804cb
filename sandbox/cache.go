package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CacheKey identifies an execution by hash(code, canonical(context),
// tool-schema-versions) (spec §4.5 "Result cache").
type CacheKey string

// HashKey computes the cache key for a would-be execution. toolVersions
// maps allow-listed tool id to its descriptor content hash, so a schema
// change invalidates cached results that depended on the old shape.
func HashKey(code string, taskContext map[string]any, toolVersions map[string]string) CacheKey {
	h := sha256.New()
	h.Write([]byte(code))
	h.Write([]byte{0})
	canonicalContext, _ := json.Marshal(taskContext)
	h.Write(canonicalContext)
	h.Write([]byte{0})

	ids := make([]string, 0, len(toolVersions))
	for id := range toolVersions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{'='})
		h.Write([]byte(toolVersions[id]))
		h.Write([]byte{0})
	}
	return CacheKey(hex.EncodeToString(h.Sum(nil)))
}

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// ResultCache is a bounded, TTL-expiring cache of sandbox execution
// results, following the same LRU+TTL shape as the registry's search
// result cache.
type ResultCache struct {
	mu    sync.Mutex
	cache *lru.Cache[CacheKey, *cacheEntry]
	ttl   time.Duration
}

// NewResultCache constructs a ResultCache bounded to capacity entries,
// each valid for ttl after insertion.
func NewResultCache(capacity int, ttl time.Duration) *ResultCache {
	if capacity <= 0 {
		capacity = 100
	}
	cache, _ := lru.New[CacheKey, *cacheEntry](capacity)
	return &ResultCache{cache: cache, ttl: ttl}
}

// Get returns the cached result for key if present and unexpired.
func (c *ResultCache) Get(key CacheKey) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache.Get(key)
	if !ok {
		return Result{}, false
	}
	if time.Now().After(entry.expiresAt) {
		c.cache.Remove(key)
		return Result{}, false
	}
	return entry.result, true
}

// Set stores result under key with the cache's configured TTL.
func (c *ResultCache) Set(key CacheKey, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, &cacheEntry{result: result, expiresAt: time.Now().Add(c.ttl)})
}
