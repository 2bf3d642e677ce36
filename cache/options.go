package cache

import (
	"time"

	"github.com/khope/coordcache/stampede"
)

// LocalCacheConfig configures the local cache.
type LocalCacheConfig struct {
	// NumCounters is the number of counters for the cache (Ristretto only).
	// Recommended: 10 * MaxItems
	NumCounters int64

	// MaxCost is the maximum cost of items in the cache (Ristretto only).
	// Recommended: 1GB = 1 << 30
	MaxCost int64

	// BufferItems is the number of items to buffer before eviction (Ristretto only).
	// Recommended: 64
	BufferItems int64

	// IgnoreInternalCost ignores the internal cost of items (Ristretto only).
	IgnoreInternalCost bool

	// MaxSize is the maximum number of items in the cache (LRU only).
	MaxSize int

	// TTL is the per-entry lifetime in L1. This bounds cross-node staleness:
	// a lost invalidation self-heals within one TTL period. Keep it short.
	TTL time.Duration
}

// Options configures a TieredCache instance.
type Options struct {
	// NodeID is the unique identifier of this node in the cluster.
	NodeID string

	// Store is the shared L2 store. Required.
	Store Store

	// LocalCacheConfig configures the local L1 caches.
	LocalCacheConfig LocalCacheConfig

	// LocalCacheFactory creates L1 instances, one per cache name.
	// If nil, defaults to the LRU factory.
	LocalCacheFactory LocalCacheFactory

	// Marshaller serializes values for L2. If nil, defaults to JSON.
	Marshaller Marshaller

	// Logger is the logger for debug logging. If nil, defaults to no-op.
	Logger Logger

	// DebugMode enables debug logging on hot paths.
	DebugMode bool

	// DefaultTTL is the base L2 lifetime before jitter. Default 1h.
	DefaultTTL time.Duration

	// JitterFraction stretches each TTL by a uniform factor in
	// [1, 1+JitterFraction) so entries written together do not expire
	// together. Default 0.1.
	JitterFraction float64

	// PERBeta tunes probabilistic early recomputation; <= 0 disables it.
	PERBeta float64

	// Guard bounds concurrent loader invocations on the miss path.
	// If nil, concurrent missers each invoke the loader.
	Guard *stampede.Guard

	// Migrator upgrades legacy-shaped L2 values before they are served or
	// populated into L1. If nil, values are served as stored.
	Migrator Migrator

	// OnError is called when an error occurs in background operations.
	OnError func(error)
}

// DefaultOptions returns default tiered cache options.
func DefaultOptions() Options {
	return Options{
		NodeID:           "default-node",
		DefaultTTL:       time.Hour,
		JitterFraction:   0.1,
		PERBeta:          1.0,
		LocalCacheConfig: DefaultLocalCacheConfig(),
	}
}

// DefaultLocalCacheConfig returns default local cache configuration.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return LocalCacheConfig{
		NumCounters:        1e7,     // 10 million
		MaxCost:            1 << 30, // 1GB
		BufferItems:        64,
		IgnoreInternalCost: false,
		MaxSize:            10000,
		TTL:                30 * time.Second,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.NodeID == "" {
		return ErrInvalidConfig
	}
	if o.Store == nil {
		return ErrInvalidConfig
	}
	if o.DefaultTTL <= 0 {
		return ErrInvalidConfig
	}
	if o.JitterFraction < 0 {
		return ErrInvalidConfig
	}
	if o.LocalCacheConfig.TTL <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// ErrInvalidConfig is returned when options are invalid.
var ErrInvalidConfig = NewError("invalid cache configuration")

// NewError creates a new error with the given message.
func NewError(msg string) error {
	return &cacheError{msg: msg}
}

type cacheError struct {
	msg string
}

func (e *cacheError) Error() string {
	return e.msg
}
