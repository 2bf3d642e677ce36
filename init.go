// Package coordcache is a cache coordination engine: a two-level cache
// (in-process L1, shared Redis L2) with cross-node invalidation, stampede
// mitigation, consistent-hash sharding, lazy schema migration and
// write-behind persistence.
package coordcache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/khope/coordcache/cache"
	"github.com/khope/coordcache/hashing"
	"github.com/khope/coordcache/migrate"
	"github.com/khope/coordcache/sched"
	"github.com/khope/coordcache/stampede"
	"github.com/khope/coordcache/storage"
	"github.com/khope/coordcache/store"
	coordsync "github.com/khope/coordcache/sync"
	"github.com/khope/coordcache/types"
	"github.com/khope/coordcache/writebehind"
)

// Config configures a cache coordinator.
type Config struct {
	// NodeID is the unique identifier for this node. Used to skip
	// self-invalidation in pub/sub. Empty generates a UUID.
	NodeID string

	// RedisAddrs are the L2 shard addresses. One address uses a plain
	// store; two or more are placed on a consistent hash ring.
	RedisAddrs []string

	// RedisPassword is the optional Redis password.
	RedisPassword string

	// RedisDB is the Redis database number.
	RedisDB int

	// VirtualNodes is the number of ring positions per shard. Default 100.
	VirtualNodes int

	// InvalidationChannel is the pub/sub channel for cache invalidation.
	InvalidationChannel string

	// SerializationFormat specifies how values are serialized
	// ("json" or "msgpack"). Ignored when Marshaller is set.
	SerializationFormat string

	// Marshaller overrides the serializer. If nil, chosen from
	// SerializationFormat.
	Marshaller Marshaller

	// LocalCacheConfig configures the local L1 caches.
	LocalCacheConfig LocalCacheConfig

	// LocalCacheFactory creates L1 instances. If nil, defaults to LRU.
	LocalCacheFactory LocalCacheFactory

	// Logger is the logger for diagnostics. If nil, defaults to no-op.
	Logger Logger

	// DebugMode enables debug logging on hot paths.
	DebugMode bool

	// ContextTimeout bounds cache operations that arrive without a
	// deadline. Default 5s.
	ContextTimeout time.Duration

	// DefaultTTL is the base L2 lifetime before jitter. Default 1h.
	DefaultTTL time.Duration

	// JitterFraction stretches each TTL by a uniform factor in
	// [1, 1+JitterFraction). Default 0.1.
	JitterFraction float64

	// PERBeta tunes probabilistic early recomputation; <= 0 disables it.
	PERBeta float64

	// LockWaitTimeout bounds how long a miss waits on another node's
	// loader before loading directly. Default 5s.
	LockWaitTimeout time.Duration

	// LockHoldTTL is the cross-node loader lease duration. Default 10s.
	LockHoldTTL time.Duration

	// Store is the authoritative system of record. Nil disables
	// write-behind persistence.
	Store store.Authoritative

	// PendingWritesKey is the Redis set holding dirty keys awaiting
	// persistence. Default "pending-db-updates".
	PendingWritesKey string

	// WriteBehindInterval is the flush period. Default 5s.
	WriteBehindInterval time.Duration

	// WriteBehindConverter reshapes cached bytes before persistence.
	// Optional.
	WriteBehindConverter writebehind.Converter

	// MigrationSchema describes the current stored-value shape. Nil
	// disables schema migration.
	MigrationSchema *migrate.Schema

	// MigrationKeyPattern restricts the background sweep, e.g. "users:*".
	MigrationKeyPattern string

	// MigrationInterval is the sweep period. Default 10s.
	MigrationInterval time.Duration

	// MigrationBatchSize is the sweep's per-pass key budget when the
	// store is idle. Default 100.
	MigrationBatchSize int

	// OnError is called when an error occurs in background operations.
	OnError func(error)
}

// DefaultConfig returns default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddrs:          []string{"localhost:6379"},
		RedisDB:             0,
		VirtualNodes:        100,
		InvalidationChannel: "cache:invalidate",
		SerializationFormat: "json",
		ContextTimeout:      5 * time.Second,
		DefaultTTL:          time.Hour,
		JitterFraction:      0.1,
		PERBeta:             1.0,
		LockWaitTimeout:     5 * time.Second,
		LockHoldTTL:         10 * time.Second,
		PendingWritesKey:    "pending-db-updates",
		WriteBehindInterval: 5 * time.Second,
		MigrationInterval:   10 * time.Second,
		MigrationBatchSize:  100,
		LocalCacheConfig:    DefaultLocalCacheConfig(),
	}
}

// Coordinator ties the tiers together: reads cascade L1 -> L2 -> loader,
// writes go to both tiers and broadcast an invalidation, dirty keys drain to
// the authoritative store in the background, and legacy values are migrated
// at read time and by a throttled sweep.
type Coordinator struct {
	cfg    Config
	logger Logger

	primary *redis.Client
	single  *storage.RedisStore
	sharded *storage.ShardedStore

	tiered      *cache.TieredCache
	broadcaster *coordsync.Broadcaster

	migrators map[*redis.Client]*migrate.Migrator
	sweep     *migrate.Worker

	queue   *writebehind.Queue
	flusher *writebehind.Worker

	scheduler *sched.Scheduler
	started   int32
	closed    int32
}

// New connects to Redis and assembles a Coordinator. Background loops are
// not running until Start.
func New(cfg Config) (*Coordinator, error) {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if len(cfg.RedisAddrs) == 0 {
		cfg.RedisAddrs = []string{"localhost:6379"}
	}
	if cfg.VirtualNodes <= 0 {
		cfg.VirtualNodes = 100
	}
	if cfg.InvalidationChannel == "" {
		cfg.InvalidationChannel = "cache:invalidate"
	}
	if cfg.ContextTimeout <= 0 {
		cfg.ContextTimeout = 5 * time.Second
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.PendingWritesKey == "" {
		cfg.PendingWritesKey = "pending-db-updates"
	}
	if cfg.WriteBehindInterval <= 0 {
		cfg.WriteBehindInterval = 5 * time.Second
	}
	if cfg.MigrationInterval <= 0 {
		cfg.MigrationInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = cache.NewNoOpLogger()
	}
	if cfg.Marshaller == nil {
		if cfg.SerializationFormat == "" {
			cfg.SerializationFormat = "json"
		}
		serializer, err := storage.GetSerializer(cfg.SerializationFormat)
		if err != nil {
			return nil, err
		}
		cfg.Marshaller = serializer
	}
	if cfg.LocalCacheConfig == (LocalCacheConfig{}) {
		cfg.LocalCacheConfig = DefaultLocalCacheConfig()
	} else if cfg.LocalCacheConfig.TTL <= 0 {
		cfg.LocalCacheConfig.TTL = DefaultLocalCacheConfig().TTL
	}

	c := &Coordinator{cfg: cfg, logger: cfg.Logger}

	var l2 cache.Store
	if len(cfg.RedisAddrs) == 1 {
		single, err := storage.NewRedisStore(cfg.RedisAddrs[0], cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		c.single = single
		c.primary = single.Client()
		l2 = single
	} else {
		sharded, err := storage.NewShardedStore(cfg.RedisAddrs, cfg.RedisPassword, cfg.RedisDB, cfg.VirtualNodes)
		if err != nil {
			return nil, err
		}
		c.sharded = sharded
		c.primary = sharded.Shards()[0].Client()
		l2 = sharded
	}

	guard := stampede.NewGuard(stampede.GuardOptions{
		Client:      c.primary,
		WaitTimeout: cfg.LockWaitTimeout,
		HoldTTL:     cfg.LockHoldTTL,
		Logger:      cfg.Logger,
	})

	var migrator cache.Migrator
	if cfg.MigrationSchema != nil {
		clients := c.shardClients()
		c.migrators = make(map[*redis.Client]*migrate.Migrator, len(clients))
		for _, client := range clients {
			c.migrators[client] = migrate.NewMigrator(migrate.MigratorOptions{
				Client: client,
				Schema: *cfg.MigrationSchema,
				Logger: cfg.Logger,
			})
		}
		c.sweep = migrate.NewWorker(migrate.WorkerOptions{
			Clients:    clients,
			Schema:     *cfg.MigrationSchema,
			KeyPattern: cfg.MigrationKeyPattern,
			BatchSize:  cfg.MigrationBatchSize,
			Signal:     &migrate.RedisCPUSignal{Client: c.primary},
			Logger:     cfg.Logger,
		})
		migrator = lazyMigration{c}
	}

	tiered, err := cache.NewTiered(cache.Options{
		NodeID:            cfg.NodeID,
		Store:             l2,
		LocalCacheConfig:  cfg.LocalCacheConfig,
		LocalCacheFactory: cfg.LocalCacheFactory,
		Marshaller:        cfg.Marshaller,
		Logger:            cfg.Logger,
		DebugMode:         cfg.DebugMode,
		DefaultTTL:        cfg.DefaultTTL,
		JitterFraction:    cfg.JitterFraction,
		PERBeta:           cfg.PERBeta,
		Guard:             guard,
		Migrator:          migrator,
		OnError:           cfg.OnError,
	})
	if err != nil {
		c.closeStore()
		return nil, err
	}
	c.tiered = tiered

	c.broadcaster = coordsync.NewBroadcaster(c.primary, cfg.InvalidationChannel, cfg.NodeID)
	c.broadcaster.OnMessage(tiered.HandleInvalidation)
	if err := c.broadcaster.Subscribe(context.Background()); err != nil {
		tiered.Close()
		c.closeStore()
		return nil, err
	}

	if cfg.Store != nil {
		c.queue = writebehind.NewQueue(c.primary, cfg.PendingWritesKey)
		c.flusher = writebehind.NewWorker(writebehind.WorkerOptions{
			Queue:     c.queue,
			Values:    l2,
			Store:     cfg.Store,
			Converter: cfg.WriteBehindConverter,
			Logger:    cfg.Logger,
			OnError:   cfg.OnError,
		})
	}

	c.scheduler = sched.New()
	return c, nil
}

// Start launches the background loops: the write-behind flush and the
// migration sweep. Safe to call once; later calls are no-ops.
func (c *Coordinator) Start() {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return
	}

	if c.flusher != nil {
		c.scheduler.Every("write-behind-flush", c.cfg.WriteBehindInterval, func(ctx context.Context) {
			if err := c.flusher.Flush(ctx); err != nil {
				c.logger.Warn("write-behind flush failed", "error", err)
			}
		})
	}
	if c.sweep != nil {
		c.scheduler.Every("migration-sweep", c.cfg.MigrationInterval, func(ctx context.Context) {
			if err := c.sweep.RunOnce(ctx); err != nil {
				c.logger.Warn("migration sweep pass failed", "error", err)
			}
		})
	}
}

// GetOrLoad returns the value for key in the named cache, consulting L1,
// then L2, then the loader. When MigrationSchema is set, a legacy-shaped L2
// value is upgraded in place before it is served. Loader errors are returned
// as-is; L2 failures degrade to a miss.
func (c *Coordinator) GetOrLoad(ctx context.Context, cacheName, key string, loader Loader) (any, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.tiered.GetOrLoad(ctx, cacheName, key, loader)
}

// Put writes the value to both tiers, marks the key dirty for write-behind
// persistence and broadcasts an invalidation so other nodes drop their L1
// copy. Returns an error only when the value cannot be serialized.
func (c *Coordinator) Put(ctx context.Context, cacheName, key string, value any) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	if err := c.tiered.Put(ctx, cacheName, key, value); err != nil {
		return err
	}

	if c.queue != nil {
		if err := c.queue.Add(ctx, cacheName+":"+key); err != nil {
			c.reportError(err)
			c.logger.Warn("Put: marking key dirty failed", "cache", cacheName, "key", key, "error", err)
		}
	}

	c.publish(ctx, types.InvalidationMessage{CacheName: cacheName, Key: key})
	return nil
}

// Evict removes the key from both tiers everywhere: locally synchronously,
// on other nodes via broadcast.
func (c *Coordinator) Evict(ctx context.Context, cacheName, key string) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	c.tiered.Evict(ctx, cacheName, key)
	c.publish(ctx, types.InvalidationMessage{CacheName: cacheName, Key: key})
}

// EvictAll clears the named cache everywhere.
func (c *Coordinator) EvictAll(ctx context.Context, cacheName string) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	c.tiered.EvictAll(ctx, cacheName)
	c.publish(ctx, types.InvalidationMessage{CacheName: cacheName, EvictAll: true})
}

// GetMigrated reads a raw L2 key, upgrading a legacy-shaped value in place.
// Requires MigrationSchema; returns ErrInvalidConfig otherwise.
func (c *Coordinator) GetMigrated(ctx context.Context, key string) ([]byte, error) {
	if c.migrators == nil {
		return nil, ErrInvalidConfig
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	client, err := c.clientFor(key)
	if err != nil {
		return nil, err
	}
	return c.migrators[client].GetMigrated(ctx, key)
}

// Stats returns a snapshot of cache statistics.
func (c *Coordinator) Stats() Stats {
	return c.tiered.Stats()
}

// MigrationStats aggregates lazy-migration counters across shards.
func (c *Coordinator) MigrationStats() migrate.Stats {
	var total migrate.Stats
	for _, m := range c.migrators {
		s := m.Stats()
		total.Migrated += s.Migrated
		total.AlreadyCurrent += s.AlreadyCurrent
		total.Errors += s.Errors
	}
	return total
}

// MigrationProgress reports the background sweep's progress.
func (c *Coordinator) MigrationProgress() migrate.Progress {
	if c.sweep == nil {
		return migrate.Progress{}
	}
	return c.sweep.Progress()
}

// PendingWrites reports how many dirty keys await persistence.
func (c *Coordinator) PendingWrites(ctx context.Context) (int64, error) {
	if c.queue == nil {
		return 0, nil
	}
	return c.queue.Len(ctx)
}

// WriteBehindStats returns flush counters. Zero when write-behind is
// disabled.
func (c *Coordinator) WriteBehindStats() writebehind.FlushStats {
	if c.flusher == nil {
		return writebehind.FlushStats{}
	}
	return c.flusher.Stats()
}

// Ring exposes the shard assignment, or nil when running on a single shard.
func (c *Coordinator) Ring() *hashing.Ring {
	if c.sharded == nil {
		return nil
	}
	return c.sharded.Ring()
}

// NodeID returns this coordinator's node identity.
func (c *Coordinator) NodeID() string {
	return c.cfg.NodeID
}

// Close stops the background loops and releases every connection.
func (c *Coordinator) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	c.scheduler.Stop()
	err := c.broadcaster.Close()
	c.tiered.Close()
	if storeErr := c.closeStore(); err == nil {
		err = storeErr
	}
	return err
}

// publish broadcasts an invalidation; a failure is logged, the local tiers
// are already consistent and remote L1s self-heal within their TTL.
func (c *Coordinator) publish(ctx context.Context, msg types.InvalidationMessage) {
	msg.OriginNodeID = c.cfg.NodeID
	if err := c.broadcaster.Publish(ctx, msg); err != nil {
		c.reportError(err)
		c.logger.Warn("invalidation broadcast failed", "cache", msg.CacheName, "key", msg.Key, "error", err)
	}
}

// opCtx applies the configured timeout to contexts without a deadline.
func (c *Coordinator) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.ContextTimeout)
}

func (c *Coordinator) shardClients() []*redis.Client {
	if c.sharded == nil {
		return []*redis.Client{c.primary}
	}
	shards := c.sharded.Shards()
	clients := make([]*redis.Client, len(shards))
	for i, s := range shards {
		clients[i] = s.Client()
	}
	return clients
}

func (c *Coordinator) clientFor(key string) (*redis.Client, error) {
	if c.sharded == nil {
		return c.primary, nil
	}
	shard, err := c.sharded.ShardFor(key)
	if err != nil {
		return nil, err
	}
	return shard.Client(), nil
}

func (c *Coordinator) closeStore() error {
	if c.single != nil {
		return c.single.Close()
	}
	if c.sharded != nil {
		return c.sharded.Close()
	}
	return nil
}

func (c *Coordinator) reportError(err error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

// lazyMigration routes the tiered cache's L2 reads through the per-shard
// migrators so legacy-shaped values are upgraded before they are served or
// populated into L1.
type lazyMigration struct {
	c *Coordinator
}

func (lm lazyMigration) NeedsMigration(raw []byte) bool {
	return lm.c.cfg.MigrationSchema.NeedsMigrationRaw(raw)
}

func (lm lazyMigration) Migrate(ctx context.Context, key string) ([]byte, error) {
	client, err := lm.c.clientFor(key)
	if err != nil {
		return nil, err
	}
	return lm.c.migrators[client].GetMigrated(ctx, key)
}
