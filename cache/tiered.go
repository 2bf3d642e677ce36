package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/khope/coordcache/stampede"
	"github.com/khope/coordcache/types"
)

// entry is the L1 envelope. expiresAt mirrors the L2 expiry so the early
// refresh check can run on L1 hits; loadCost is the last observed loader
// duration (the PER delta).
type entry struct {
	value     any
	expiresAt time.Time
	loadCost  time.Duration
}

// TieredCache implements the L1 -> L2 -> loader cascade with dual
// write/evict. One L1 instance exists per cache name; L2 is shared across
// names via key prefixing. Every L2 failure degrades to a miss (read) or
// no-op (write) so callers never see infrastructure errors.
type TieredCache struct {
	store      Store
	serializer Marshaller
	logger     Logger
	guard      *stampede.Guard
	jitter     *stampede.Jitter
	per        *stampede.EarlyRefresher
	options    Options

	localsMu sync.RWMutex
	locals   map[string]LocalCache

	closed int32
	stats  Stats
}

// NewTiered creates a TieredCache.
func NewTiered(opts Options) (*TieredCache, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if opts.LocalCacheFactory == nil {
		opts.LocalCacheFactory = NewLRUCacheFactory(opts.LocalCacheConfig.MaxSize, opts.LocalCacheConfig.TTL)
	}
	if opts.Marshaller == nil {
		opts.Marshaller = NewJSONMarshaller()
	}
	if opts.Logger == nil {
		opts.Logger = NewNoOpLogger()
	}

	tc := &TieredCache{
		store:      opts.Store,
		serializer: opts.Marshaller,
		logger:     opts.Logger,
		guard:      opts.Guard,
		jitter:     stampede.NewJitter(opts.JitterFraction, nil),
		options:    opts,
		locals:     make(map[string]LocalCache),
	}
	if opts.PERBeta > 0 {
		tc.per = stampede.NewEarlyRefresher(opts.PERBeta, nil)
	}
	return tc, nil
}

// GetOrLoad returns the value for key, consulting L1, then L2, then the
// loader. A loader result is written through to both tiers. Loader errors
// are returned as-is; L2 errors are not.
func (tc *TieredCache) GetOrLoad(ctx context.Context, cacheName, key string, loader Loader) (any, error) {
	if atomic.LoadInt32(&tc.closed) != 0 {
		return nil, ErrCacheClosed
	}

	local := tc.localFor(cacheName)

	// 1. L1
	if v, ok := local.Get(key); ok {
		e := v.(*entry)
		atomic.AddInt64(&tc.stats.LocalHits, 1)
		if tc.options.DebugMode {
			tc.logger.Debug("GetOrLoad: L1 hit", "cache", cacheName, "key", key)
		}
		tc.maybeRefreshEarly(cacheName, key, e, loader)
		return e.value, nil
	}
	atomic.AddInt64(&tc.stats.LocalMisses, 1)

	// 2. L2
	if v, ok := tc.fromStore(ctx, cacheName, key); ok {
		return v, nil
	}

	// 3. Loader
	if loader == nil {
		return nil, ErrNotFound
	}
	if tc.guard != nil {
		fullKey := namespacedKey(cacheName, key)
		return tc.guard.Do(ctx, fullKey,
			func(ctx context.Context) (any, bool) {
				if v, ok := local.Get(key); ok {
					return v.(*entry).value, true
				}
				return tc.fromStore(ctx, cacheName, key)
			},
			func(ctx context.Context) (any, error) {
				return tc.loadAndStore(ctx, cacheName, key, loader)
			})
	}
	return tc.loadAndStore(ctx, cacheName, key, loader)
}

// Put writes the value to L1 then L2. The L2 write is best-effort: a store
// failure is logged and counted, never surfaced. Returns an error only when
// the value cannot be serialized.
func (tc *TieredCache) Put(ctx context.Context, cacheName, key string, value any) error {
	if atomic.LoadInt32(&tc.closed) != 0 {
		return ErrCacheClosed
	}

	data, err := tc.serializer.Marshal(value)
	if err != nil {
		tc.reportError(err)
		return err
	}

	ttl := tc.jitter.TTL(tc.options.DefaultTTL)
	tc.setLocal(cacheName, key, value, ttl, 0)

	if err := tc.store.Set(ctx, namespacedKey(cacheName, key), data, ttl); err != nil {
		atomic.AddInt64(&tc.stats.RemoteFaults, 1)
		tc.reportError(err)
		tc.logger.Warn("Put: L2 write failed, continuing without it", "cache", cacheName, "key", key, "error", err)
	}
	return nil
}

// Evict removes the key from both tiers. L2 failures degrade to a no-op.
func (tc *TieredCache) Evict(ctx context.Context, cacheName, key string) {
	if atomic.LoadInt32(&tc.closed) != 0 {
		return
	}

	tc.localFor(cacheName).Delete(key)

	if err := tc.store.Delete(ctx, namespacedKey(cacheName, key)); err != nil {
		atomic.AddInt64(&tc.stats.RemoteFaults, 1)
		tc.reportError(err)
		tc.logger.Warn("Evict: L2 delete failed", "cache", cacheName, "key", key, "error", err)
	}
}

// EvictAll removes every entry of the named cache from both tiers.
func (tc *TieredCache) EvictAll(ctx context.Context, cacheName string) {
	if atomic.LoadInt32(&tc.closed) != 0 {
		return
	}

	tc.localFor(cacheName).Clear()

	if err := tc.store.DeleteAll(ctx, cacheName+":"); err != nil {
		atomic.AddInt64(&tc.stats.RemoteFaults, 1)
		tc.reportError(err)
		tc.logger.Warn("EvictAll: L2 clear failed", "cache", cacheName, "error", err)
	}
}

// HandleInvalidation applies a cluster invalidation to local L1 only. The
// originating node already updated its own tiers synchronously.
func (tc *TieredCache) HandleInvalidation(msg types.InvalidationMessage) {
	if atomic.LoadInt32(&tc.closed) != 0 {
		return
	}

	local := tc.localFor(msg.CacheName)
	if msg.EvictAll {
		local.Clear()
	} else {
		local.Delete(msg.Key)
	}
	atomic.AddInt64(&tc.stats.Invalidations, 1)

	if tc.options.DebugMode {
		tc.logger.Debug("invalidation applied", "cache", msg.CacheName, "key", msg.Key, "evictAll", msg.EvictAll, "origin", msg.OriginNodeID)
	}
}

// Stats returns a snapshot of cache statistics.
func (tc *TieredCache) Stats() Stats {
	return Stats{
		LocalHits:     atomic.LoadInt64(&tc.stats.LocalHits),
		LocalMisses:   atomic.LoadInt64(&tc.stats.LocalMisses),
		RemoteHits:    atomic.LoadInt64(&tc.stats.RemoteHits),
		RemoteMisses:  atomic.LoadInt64(&tc.stats.RemoteMisses),
		RemoteFaults:  atomic.LoadInt64(&tc.stats.RemoteFaults),
		Loads:         atomic.LoadInt64(&tc.stats.Loads),
		EarlyRefresh:  atomic.LoadInt64(&tc.stats.EarlyRefresh),
		Invalidations: atomic.LoadInt64(&tc.stats.Invalidations),
	}
}

// Close closes all L1 instances. The Store is owned by the caller and is not
// closed here.
func (tc *TieredCache) Close() {
	if !atomic.CompareAndSwapInt32(&tc.closed, 0, 1) {
		return
	}
	tc.localsMu.Lock()
	defer tc.localsMu.Unlock()
	for _, local := range tc.locals {
		local.Close()
	}
	tc.locals = make(map[string]LocalCache)
}

// fromStore reads L2 and on a hit populates L1 preserving the remaining TTL.
// Store failures are counted and degraded to a miss.
func (tc *TieredCache) fromStore(ctx context.Context, cacheName, key string) (any, bool) {
	data, ttl, found, err := tc.store.Get(ctx, namespacedKey(cacheName, key))
	if err != nil {
		atomic.AddInt64(&tc.stats.RemoteFaults, 1)
		tc.reportError(err)
		tc.logger.Warn("GetOrLoad: L2 unavailable, treating as miss", "cache", cacheName, "key", key, "error", err)
		return nil, false
	}
	if !found {
		atomic.AddInt64(&tc.stats.RemoteMisses, 1)
		return nil, false
	}
	atomic.AddInt64(&tc.stats.RemoteHits, 1)

	// Upgrade legacy-shaped values before they reach the caller or L1, so
	// the unmigrated shape is never served and never pinned locally.
	if tc.options.Migrator != nil && tc.options.Migrator.NeedsMigration(data) {
		migrated, err := tc.options.Migrator.Migrate(ctx, namespacedKey(cacheName, key))
		if err != nil {
			tc.reportError(err)
			tc.logger.Warn("GetOrLoad: lazy migration failed, serving stored value", "cache", cacheName, "key", key, "error", err)
		} else {
			data = migrated
		}
	}

	var value any
	if err := tc.serializer.Unmarshal(data, &value); err != nil {
		tc.reportError(err)
		tc.logger.Error("GetOrLoad: L2 value could not be deserialized", "cache", cacheName, "key", key, "error", err)
		return nil, false
	}

	if ttl <= 0 {
		ttl = tc.options.DefaultTTL
	}
	tc.setLocal(cacheName, key, value, ttl, 0)
	return value, true
}

// loadAndStore invokes the loader and writes a non-nil result to both tiers.
func (tc *TieredCache) loadAndStore(ctx context.Context, cacheName, key string, loader Loader) (any, error) {
	start := time.Now()
	value, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&tc.stats.Loads, 1)
	if value == nil {
		return nil, ErrNotFound
	}
	cost := time.Since(start)

	data, err := tc.serializer.Marshal(value)
	if err != nil {
		tc.reportError(err)
		// The caller still gets the loaded value; only caching is skipped.
		return value, nil
	}

	ttl := tc.jitter.TTL(tc.options.DefaultTTL)
	tc.setLocal(cacheName, key, value, ttl, cost)

	if err := tc.store.Set(ctx, namespacedKey(cacheName, key), data, ttl); err != nil {
		atomic.AddInt64(&tc.stats.RemoteFaults, 1)
		tc.reportError(err)
		tc.logger.Warn("GetOrLoad: L2 write-back failed", "cache", cacheName, "key", key, "error", err)
	}
	return value, nil
}

// maybeRefreshEarly runs the PER check on an L1 hit and, when it fires,
// reloads the entry out of band. The current value keeps being served.
func (tc *TieredCache) maybeRefreshEarly(cacheName, key string, e *entry, loader Loader) {
	if tc.per == nil || loader == nil || e.expiresAt.IsZero() {
		return
	}
	if !tc.per.ShouldRefresh(time.Until(e.expiresAt), e.loadCost) {
		return
	}
	atomic.AddInt64(&tc.stats.EarlyRefresh, 1)
	if tc.options.DebugMode {
		tc.logger.Debug("early refresh triggered", "cache", cacheName, "key", key)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		load := func(ctx context.Context) (any, error) {
			return tc.loadAndStore(ctx, cacheName, key, loader)
		}
		var err error
		if tc.guard != nil {
			// probe always misses: the point is to rebuild before expiry.
			_, err = tc.guard.Do(ctx, namespacedKey(cacheName, key),
				func(context.Context) (any, bool) { return nil, false }, load)
		} else {
			_, err = load(ctx)
		}
		if err != nil && err != ErrNotFound {
			tc.reportError(err)
			tc.logger.Warn("early refresh failed", "cache", cacheName, "key", key, "error", err)
		}
	}()
}

func (tc *TieredCache) setLocal(cacheName, key string, value any, ttl, loadCost time.Duration) {
	localTTL := tc.options.LocalCacheConfig.TTL
	if ttl > 0 && ttl < localTTL {
		localTTL = ttl
	}
	tc.localFor(cacheName).Set(key, &entry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
		loadCost:  loadCost,
	}, 1, localTTL)
}

// localFor returns the L1 instance for the cache name, creating it on first
// use. A factory failure degrades that cache to always-miss.
func (tc *TieredCache) localFor(cacheName string) LocalCache {
	tc.localsMu.RLock()
	local, ok := tc.locals[cacheName]
	tc.localsMu.RUnlock()
	if ok {
		return local
	}

	tc.localsMu.Lock()
	defer tc.localsMu.Unlock()
	if local, ok = tc.locals[cacheName]; ok {
		return local
	}

	local, err := tc.options.LocalCacheFactory.Create()
	if err != nil {
		tc.reportError(err)
		tc.logger.Error("local cache creation failed, running without L1", "cache", cacheName, "error", err)
		local = nopLocal{}
	}
	tc.locals[cacheName] = local
	return local
}

func (tc *TieredCache) reportError(err error) {
	if tc.options.OnError != nil {
		tc.options.OnError(err)
	}
}

func namespacedKey(cacheName, key string) string {
	return cacheName + ":" + key
}

// nopLocal is the always-miss L1 used when the factory fails.
type nopLocal struct{}

func (nopLocal) Get(string) (any, bool)                     { return nil, false }
func (nopLocal) Set(string, any, int64, time.Duration) bool { return false }
func (nopLocal) Delete(string)                              {}
func (nopLocal) Clear()                                     {}
func (nopLocal) Close()                                     {}
func (nopLocal) Metrics() LocalCacheMetrics                 { return LocalCacheMetrics{} }

// ErrCacheClosed is returned when operations are performed on a closed cache.
var ErrCacheClosed = NewError("cache is closed")

// ErrNotFound is returned when neither tier nor the loader produced a value.
var ErrNotFound = NewError("key not found")
