// Package writebehind batches dirty-key persistence: writes land in the
// cache immediately and are flushed to the system of record asynchronously.
package writebehind

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Queue is the shared pending-write set. Backing it with a Redis set gives
// two properties the flush loop relies on: repeated writes to one key
// collapse into a single pending entry, and the set survives the enqueuing
// process so another node can drain it.
type Queue struct {
	client *redis.Client
	key    string
}

// NewQueue creates a queue over the given Redis set key.
func NewQueue(client *redis.Client, key string) *Queue {
	return &Queue{client: client, key: key}
}

// Add marks a key dirty. Adding an already-pending key is a no-op.
func (q *Queue) Add(ctx context.Context, id string) error {
	return q.client.SAdd(ctx, q.key, id).Err()
}

// Members returns all pending ids.
func (q *Queue) Members(ctx context.Context) ([]string, error) {
	return q.client.SMembers(ctx, q.key).Result()
}

// Remove clears ids that were durably persisted.
func (q *Queue) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return q.client.SRem(ctx, q.key, members...).Err()
}

// Len reports the number of pending ids.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.SCard(ctx, q.key).Result()
}
