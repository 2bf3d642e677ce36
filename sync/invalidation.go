package sync

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/khope/coordcache/types"
)

// Broadcaster publishes and consumes L1 invalidation messages over a shared
// Redis pub/sub channel. Delivery is fire-and-forget: a lost message is
// healed by the receiver's L1 TTL, not by retransmission.
type Broadcaster struct {
	client         *redis.Client
	channel        string
	nodeID         string
	pubsub         *redis.PubSub
	callbacks      []func(msg types.InvalidationMessage)
	callbacksMutex sync.RWMutex
	done           chan struct{}
	wg             sync.WaitGroup
}

// NewBroadcaster creates a broadcaster for the given channel. nodeID
// identifies this process; messages it published are skipped on receipt
// because the local L1 was already updated synchronously by the write path.
func NewBroadcaster(client *redis.Client, channel, nodeID string) *Broadcaster {
	return &Broadcaster{
		client:    client,
		channel:   channel,
		nodeID:    nodeID,
		callbacks: make([]func(msg types.InvalidationMessage), 0),
		done:      make(chan struct{}),
	}
}

// Subscribe starts listening for invalidation messages.
func (b *Broadcaster) Subscribe(ctx context.Context) error {
	b.pubsub = b.client.Subscribe(ctx, b.channel)

	b.wg.Add(1)
	go b.listen()

	return nil
}

// Publish broadcasts an invalidation message to the cluster.
func (b *Broadcaster) Publish(ctx context.Context, msg types.InvalidationMessage) error {
	if msg.OriginNodeID == "" {
		msg.OriginNodeID = b.nodeID
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return b.client.Publish(ctx, b.channel, string(data)).Err()
}

// OnMessage registers a callback invoked for every foreign invalidation.
func (b *Broadcaster) OnMessage(callback func(msg types.InvalidationMessage)) {
	b.callbacksMutex.Lock()
	defer b.callbacksMutex.Unlock()
	b.callbacks = append(b.callbacks, callback)
}

// NodeID returns this broadcaster's node identity.
func (b *Broadcaster) NodeID() string {
	return b.nodeID
}

// Close stops the listener and closes the subscription.
func (b *Broadcaster) Close() error {
	close(b.done)
	b.wg.Wait()

	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}

// listen consumes the pub/sub channel until Close.
func (b *Broadcaster) listen() {
	defer b.wg.Done()

	if b.pubsub == nil {
		return
	}

	ch := b.pubsub.Channel()

	for {
		select {
		case <-b.done:
			return
		case m := <-ch:
			if m == nil {
				return
			}

			var msg types.InvalidationMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				continue
			}

			// Skip our own messages; the write path already handled local L1.
			if msg.OriginNodeID == b.nodeID {
				continue
			}

			b.callbacksMutex.RLock()
			callbacks := b.callbacks
			b.callbacksMutex.RUnlock()

			for _, callback := range callbacks {
				callback(msg)
			}
		}
	}
}
