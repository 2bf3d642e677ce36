package types

// InvalidationMessage is broadcast on the cluster channel whenever a node
// writes or evicts a cache entry. Receivers evict the named key (or the whole
// cache when EvictAll is set) from their local L1. Messages are fire-and-forget
// and never persisted; short L1 TTLs absorb any lost delivery.
type InvalidationMessage struct {
	CacheName    string `json:"cacheName"`
	Key          string `json:"key"`
	OriginNodeID string `json:"originNodeId"`
	EvictAll     bool   `json:"evictAll"`
}
