package cache

import (
	"context"
	"time"
)

// Logger defines the interface for logging in the cache tier.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)

	// Info logs an info message.
	Info(msg string, args ...any)

	// Warn logs a warning message.
	Warn(msg string, args ...any)

	// Error logs an error message.
	Error(msg string, args ...any)
}

// Marshaller defines the interface for value serialization.
type Marshaller interface {
	// Marshal serializes a value to bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes a value from bytes.
	Unmarshal(data []byte, v any) error
}

// Loader is the caller-supplied fallback invoked on a full cache miss,
// typically backed by the authoritative store. A nil result with a nil error
// means the entity does not exist.
type Loader func(ctx context.Context) (any, error)

// LocalCache defines the interface for the in-process L1 store. Entries are
// disposable copies of L2/store state; implementations must support
// concurrent use without external locking.
type LocalCache interface {
	// Get retrieves a value from the local cache.
	Get(key string) (any, bool)

	// Set stores a value with a cost hint and a TTL. Implementations with a
	// fixed per-cache TTL may ignore the ttl argument.
	Set(key string, value any, cost int64, ttl time.Duration) bool

	// Delete removes a value from the local cache.
	Delete(key string)

	// Clear removes all values from the local cache.
	Clear()

	// Close closes the local cache.
	Close()

	// Metrics returns cache metrics.
	Metrics() LocalCacheMetrics
}

// LocalCacheMetrics represents local cache metrics.
type LocalCacheMetrics struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int64
}

// LocalCacheFactory creates local cache instances. The tiered cache creates
// one L1 instance per cache name on first use.
type LocalCacheFactory interface {
	// Create creates a new local cache instance.
	Create() (LocalCache, error)
}

// Store defines the interface for the shared L2 store. Implementations are
// networked and may fail; the tiered cache degrades every Store failure to a
// miss (read) or no-op (write).
type Store interface {
	// Get retrieves a value and its remaining TTL. An absent key returns
	// found == false with a nil error; a non-nil error means the store
	// itself failed. A ttl <= 0 means unknown or no expiry.
	Get(ctx context.Context, key string) (data []byte, ttl time.Duration, found bool, err error)

	// Set stores a value with a TTL. ttl <= 0 stores without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the store.
	Delete(ctx context.Context, key string) error

	// DeleteAll removes every key with the given prefix.
	DeleteAll(ctx context.Context, prefix string) error

	// Close closes the store connection.
	Close() error
}

// Migrator upgrades legacy-shaped L2 values on the read path.
// NeedsMigration is a cheap shape check on the raw stored bytes; Migrate
// re-reads the key and rewrites it under the store's own concurrency
// control, returning the current-schema bytes.
type Migrator interface {
	// NeedsMigration reports whether the raw bytes are legacy-shaped.
	NeedsMigration(raw []byte) bool

	// Migrate upgrades the stored value in place and returns the
	// current-schema bytes.
	Migrate(ctx context.Context, key string) ([]byte, error)
}

// Stats represents cache statistics.
type Stats struct {
	LocalHits     int64
	LocalMisses   int64
	RemoteHits    int64
	RemoteMisses  int64
	RemoteFaults  int64
	Loads         int64
	EarlyRefresh  int64
	Invalidations int64
}
