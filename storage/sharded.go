package storage

import (
	"context"
	"errors"
	"time"

	"github.com/khope/coordcache/hashing"
)

// ShardedStore routes keys across multiple Redis shards with a consistent
// hash ring, so adding or removing a shard relocates roughly 1/N of the keys
// instead of reshuffling everything.
type ShardedStore struct {
	ring   *hashing.Ring
	shards map[string]*RedisStore
}

// NewShardedStore connects to every address and places each on the ring.
// The shard's ring identity is its address, so a stable address set yields a
// stable key assignment across restarts.
func NewShardedStore(addrs []string, password string, db, virtualNodes int) (*ShardedStore, error) {
	if len(addrs) == 0 {
		return nil, errors.New("sharded store requires at least one address")
	}

	ss := &ShardedStore{
		ring:   hashing.NewRing(virtualNodes),
		shards: make(map[string]*RedisStore, len(addrs)),
	}

	for _, addr := range addrs {
		shard, err := NewRedisStore(addr, password, db)
		if err != nil {
			ss.Close()
			return nil, err
		}
		ss.shards[addr] = shard
		ss.ring.AddNode(addr)
	}
	return ss, nil
}

// Ring exposes the key-to-shard assignment.
func (ss *ShardedStore) Ring() *hashing.Ring {
	return ss.ring
}

// Shards returns all shard stores, for components that sweep every shard.
func (ss *ShardedStore) Shards() []*RedisStore {
	out := make([]*RedisStore, 0, len(ss.shards))
	for _, addr := range ss.ring.Nodes() {
		out = append(out, ss.shards[addr])
	}
	return out
}

// ShardFor returns the shard that owns the key.
func (ss *ShardedStore) ShardFor(key string) (*RedisStore, error) {
	return ss.shardFor(key)
}

func (ss *ShardedStore) shardFor(key string) (*RedisStore, error) {
	addr, ok := ss.ring.Lookup(key)
	if !ok {
		return nil, errors.New("sharded store has no shards")
	}
	return ss.shards[addr], nil
}

// Get retrieves a value from the owning shard.
func (ss *ShardedStore) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	shard, err := ss.shardFor(key)
	if err != nil {
		return nil, 0, false, err
	}
	return shard.Get(ctx, key)
}

// Set stores a value on the owning shard.
func (ss *ShardedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	shard, err := ss.shardFor(key)
	if err != nil {
		return err
	}
	return shard.Set(ctx, key, value, ttl)
}

// Delete removes a value from the owning shard.
func (ss *ShardedStore) Delete(ctx context.Context, key string) error {
	shard, err := ss.shardFor(key)
	if err != nil {
		return err
	}
	return shard.Delete(ctx, key)
}

// DeleteAll removes the prefix from every shard; keys with a common prefix
// are spread across the whole ring.
func (ss *ShardedStore) DeleteAll(ctx context.Context, prefix string) error {
	var firstErr error
	for _, shard := range ss.shards {
		if err := shard.DeleteAll(ctx, prefix); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every shard connection.
func (ss *ShardedStore) Close() error {
	var firstErr error
	for _, shard := range ss.shards {
		if err := shard.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
