package cache

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// LRUCacheFactory creates expiring LRU cache instances.
type LRUCacheFactory struct {
	maxSize int
	ttl     time.Duration
}

// NewLRUCacheFactory creates a new LRU cache factory. Every entry in caches
// built by this factory lives at most ttl.
func NewLRUCacheFactory(maxSize int, ttl time.Duration) LocalCacheFactory {
	return &LRUCacheFactory{maxSize: maxSize, ttl: ttl}
}

// Create creates a new LRU cache instance.
func (lcf *LRUCacheFactory) Create() (LocalCache, error) {
	return NewLRUCache(lcf.maxSize, lcf.ttl)
}

// LRUCache is a local LRU cache implementation using golang-lru's expirable
// variant. The TTL is fixed per cache; the per-entry ttl argument to Set is
// ignored.
type LRUCache struct {
	cache     *lru.LRU[string, any]
	hits      int64
	misses    int64
	evictions int64
	maxSize   int64
}

// NewLRUCache creates a new LRU-based local cache.
func NewLRUCache(maxSize int, ttl time.Duration) (*LRUCache, error) {
	lc := &LRUCache{maxSize: int64(maxSize)}
	lc.cache = lru.NewLRU[string, any](maxSize, func(string, any) {
		atomic.AddInt64(&lc.evictions, 1)
	}, ttl)
	return lc, nil
}

// Get retrieves a value from the local cache.
func (lc *LRUCache) Get(key string) (any, bool) {
	value, found := lc.cache.Get(key)
	if found {
		atomic.AddInt64(&lc.hits, 1)
	} else {
		atomic.AddInt64(&lc.misses, 1)
	}
	return value, found
}

// Set stores a value in the local cache.
func (lc *LRUCache) Set(key string, value any, cost int64, ttl time.Duration) bool {
	lc.cache.Add(key, value)
	return true
}

// Delete removes a value from the local cache.
func (lc *LRUCache) Delete(key string) {
	lc.cache.Remove(key)
}

// Clear removes all values from the local cache.
func (lc *LRUCache) Clear() {
	lc.cache.Purge()
}

// Close closes the local cache.
func (lc *LRUCache) Close() {
	lc.cache.Purge()
}

// Metrics returns cache metrics.
func (lc *LRUCache) Metrics() LocalCacheMetrics {
	return LocalCacheMetrics{
		Hits:      atomic.LoadInt64(&lc.hits),
		Misses:    atomic.LoadInt64(&lc.misses),
		Evictions: atomic.LoadInt64(&lc.evictions),
		Size:      lc.maxSize,
	}
}
