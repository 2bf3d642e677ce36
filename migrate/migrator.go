package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Logger is the subset of the cache logger the migrator needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ErrMalformedValue is returned when a stored value is not a JSON object and
// therefore cannot be migrated. The raw bytes are still returned so the
// caller can apply its own policy.
var ErrMalformedValue = errors.New("stored value is not a migratable document")

// ErrNotFound is returned when the key is absent.
var ErrNotFound = errors.New("key not found")

// Stats are per-process migration counters.
type Stats struct {
	Migrated       int64
	AlreadyCurrent int64
	Errors         int64
}

// MigratorOptions configures a Migrator.
type MigratorOptions struct {
	// Client is the Redis client of the shard holding the keys.
	Client *redis.Client

	// Schema describes the current shape and the legacy transforms.
	Schema Schema

	// MaxRetries bounds optimistic-concurrency retries. Default 3.
	MaxRetries int

	// DefaultTTL is applied by SaveCurrent when the caller passes no ttl.
	// Zero writes without expiry. The lazy rewrite never uses it: it always
	// preserves the key's own expiry, including no expiry at all.
	DefaultTTL time.Duration

	// Logger for migration diagnostics. Nil disables logging.
	Logger Logger
}

// Migrator upgrades stored values to the current schema lazily, at read
// time, under optimistic concurrency: the key is watched, the transform is
// computed, and the rewrite commits only if no concurrent writer touched the
// key. On conflict the whole read-transform-write is retried a bounded
// number of times, then the unmigrated read is returned (fail soft).
type Migrator struct {
	opts MigratorOptions

	migrated       int64
	alreadyCurrent int64
	errorCount     int64
}

// NewMigrator creates a Migrator.
func NewMigrator(opts MigratorOptions) *Migrator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Migrator{opts: opts}
}

// GetMigrated reads the key, migrating legacy-shaped values in place. The
// returned bytes are always current-schema JSON when migration succeeded,
// and the raw stored bytes when it failed soft. The remaining TTL of the key
// is preserved by the rewrite.
func (m *Migrator) GetMigrated(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	var outErr error

	for attempt := 0; attempt < m.opts.MaxRetries; attempt++ {
		err := m.opts.Client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					out, outErr = nil, ErrNotFound
					return nil
				}
				return err
			}

			var doc map[string]any
			if err := json.Unmarshal(raw, &doc); err != nil {
				atomic.AddInt64(&m.errorCount, 1)
				m.logError("migrate: stored value is malformed, skipping", "key", key, "error", err)
				out, outErr = raw, ErrMalformedValue
				return nil
			}

			if !m.opts.Schema.NeedsMigration(doc) {
				atomic.AddInt64(&m.alreadyCurrent, 1)
				out, outErr = raw, nil
				return nil
			}

			migrated, err := json.Marshal(m.opts.Schema.Transform(doc))
			if err != nil {
				atomic.AddInt64(&m.errorCount, 1)
				out, outErr = raw, nil
				return nil
			}

			// PTTL is -1 for a key without expiry; the rewrite keeps it
			// expiry-free, matching the server-side primitive.
			ttl := tx.PTTL(ctx, key).Val()
			if ttl < 0 {
				ttl = 0
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, migrated, ttl)
				return nil
			})
			if err != nil {
				return err
			}

			atomic.AddInt64(&m.migrated, 1)
			m.logDebug("migrate: lazy migration applied", "key", key)
			out, outErr = migrated, nil
			return nil
		}, key)

		if err == nil {
			return out, outErr
		}
		if !errors.Is(err, redis.TxFailedErr) {
			// Store unreachable or similar; the caller degrades to a miss.
			return nil, err
		}
		m.logDebug("migrate: optimistic lock conflict, retrying", "key", key, "attempt", attempt+1)
	}

	// Retries exhausted: fail soft with the unmigrated read. The stored
	// value is untouched and the next reader retries.
	atomic.AddInt64(&m.errorCount, 1)
	m.logWarn("migrate: retries exhausted, returning unmigrated value", "key", key)

	raw, err := m.opts.Client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return raw, nil
}

// SaveCurrent stamps the document with the current schema version and writes
// it, so new writes never add to the legacy backlog.
func (m *Migrator) SaveCurrent(ctx context.Context, key string, doc map[string]any, ttl time.Duration) error {
	stamped := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		stamped[k] = v
	}
	stamped[m.opts.Schema.VersionField] = m.opts.Schema.CurrentVersion

	data, err := json.Marshal(stamped)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = m.opts.DefaultTTL
	}
	return m.opts.Client.Set(ctx, key, data, ttl).Err()
}

// MigrateKey runs the server-side single-key migration primitive against
// this migrator's shard.
func (m *Migrator) MigrateKey(ctx context.Context, key string) (Result, error) {
	res, err := MigrateKey(ctx, m.opts.Client, m.opts.Schema, key)
	switch {
	case err != nil:
		atomic.AddInt64(&m.errorCount, 1)
	case res == ResultTransformed:
		atomic.AddInt64(&m.migrated, 1)
	case res == ResultAlreadyCurrent:
		atomic.AddInt64(&m.alreadyCurrent, 1)
	case res == ResultMalformed:
		atomic.AddInt64(&m.errorCount, 1)
	}
	return res, err
}

// Stats returns a snapshot of the migration counters.
func (m *Migrator) Stats() Stats {
	return Stats{
		Migrated:       atomic.LoadInt64(&m.migrated),
		AlreadyCurrent: atomic.LoadInt64(&m.alreadyCurrent),
		Errors:         atomic.LoadInt64(&m.errorCount),
	}
}

// ResetStats zeroes the migration counters.
func (m *Migrator) ResetStats() {
	atomic.StoreInt64(&m.migrated, 0)
	atomic.StoreInt64(&m.alreadyCurrent, 0)
	atomic.StoreInt64(&m.errorCount, 0)
}

func (m *Migrator) logDebug(msg string, args ...any) {
	if m.opts.Logger != nil {
		m.opts.Logger.Debug(msg, args...)
	}
}

func (m *Migrator) logWarn(msg string, args ...any) {
	if m.opts.Logger != nil {
		m.opts.Logger.Warn(msg, args...)
	}
}

func (m *Migrator) logError(msg string, args ...any) {
	if m.opts.Logger != nil {
		m.opts.Logger.Error(msg, args...)
	}
}
