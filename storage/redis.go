package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements the shared L2 store on a single Redis instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis-based store and verifies connectivity.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{
		client: client,
	}, nil
}

// Get retrieves a value and its remaining TTL in a single pipelined round
// trip. An absent key returns found == false with a nil error.
func (rs *RedisStore) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	pipe := rs.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, false, err
	}

	data, err := getCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}

	// PTTL reports negative durations for keys without expiry; callers treat
	// ttl <= 0 as unknown.
	return data, ttlCmd.Val(), true, nil
}

// Set stores a value. ttl <= 0 stores without expiry.
func (rs *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return rs.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes a value from Redis.
func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	return rs.client.Del(ctx, key).Err()
}

// DeleteAll removes every key with the given prefix using a cursor scan, so
// large namespaces are cleared without blocking the server.
func (rs *RedisStore) DeleteAll(ctx context.Context, prefix string) error {
	var cursor uint64
	for {
		keys, next, err := rs.client.Scan(ctx, cursor, prefix+"*", 500).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := rs.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close closes the Redis connection.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}

// Client returns the underlying Redis client, used by the components that
// need Redis primitives beyond the Store interface (pub/sub, leases, sets,
// scripts).
func (rs *RedisStore) Client() *redis.Client {
	return rs.client
}
