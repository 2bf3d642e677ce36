package hashing

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodes is the virtual node count used when none is configured.
// Higher values improve distribution uniformity at the cost of ring size.
const DefaultVirtualNodes = 100

// Ring is a consistent-hash ring mapping keys to node identifiers.
// Each physical node occupies a configurable number of virtual positions so
// that adding or removing one of N nodes relocates roughly 1/N of all keys.
// Safe for concurrent use.
type Ring struct {
	mu        sync.RWMutex
	vnodes    int
	positions []uint64          // sorted ring positions
	owners    map[uint64]string // position -> node id
	nodes     map[string]struct{}
}

// NewRing creates a ring with the given number of virtual nodes per physical
// node. Values <= 0 fall back to DefaultVirtualNodes.
func NewRing(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &Ring{
		vnodes: virtualNodes,
		owners: make(map[uint64]string),
		nodes:  make(map[string]struct{}),
	}
}

// AddNode inserts the node's virtual positions into the ring.
// Adding an already-present node is a no-op.
func (r *Ring) AddNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(node)
}

// RemoveNode removes the node's virtual positions from the ring.
func (r *Ring) RemoveNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(node)
}

func (r *Ring) removeLocked(node string) {
	if _, ok := r.nodes[node]; !ok {
		return
	}
	delete(r.nodes, node)

	for i := 0; i < r.vnodes; i++ {
		pos := hashPosition(node, i)
		if r.owners[pos] != node {
			continue
		}
		delete(r.owners, pos)
		idx := sort.Search(len(r.positions), func(j int) bool { return r.positions[j] >= pos })
		if idx < len(r.positions) && r.positions[idx] == pos {
			r.positions = append(r.positions[:idx], r.positions[idx+1:]...)
		}
	}
}

// Lookup returns the node owning the key: the first ring position at or after
// the key's hash, wrapping to the smallest position. Returns false on an
// empty ring. Deterministic while membership is unchanged.
func (r *Ring) Lookup(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(key)
}

func (r *Ring) lookupLocked(key string) (string, bool) {
	if len(r.positions) == 0 {
		return "", false
	}
	h := xxhash.Sum64String(key)
	idx := sort.Search(len(r.positions), func(j int) bool { return r.positions[j] >= h })
	if idx == len(r.positions) {
		idx = 0 // wrap: the ring is circular
	}
	return r.owners[r.positions[idx]], true
}

// Nodes returns the physical node identifiers currently on the ring.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.nodes))
	for n := range r.nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Size returns the number of virtual positions on the ring.
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.positions)
}

// VirtualNodes returns the configured virtual node count per physical node.
func (r *Ring) VirtualNodes() int {
	return r.vnodes
}

// KeyDistribution counts how many of the given keys each node owns.
func (r *Ring) KeyDistribution(keys []string) map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dist := make(map[string]int, len(r.nodes))
	for n := range r.nodes {
		dist[n] = 0
	}
	for _, k := range keys {
		if node, ok := r.lookupLocked(k); ok {
			dist[node]++
		}
	}
	return dist
}

// RelocatedKeys returns the keys whose owner changes when the given node is
// removed. The ring is restored before returning.
func (r *Ring) RelocatedKeys(keys []string, node string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := make(map[string]string, len(keys))
	for _, k := range keys {
		if owner, ok := r.lookupLocked(k); ok {
			before[k] = owner
		}
	}

	r.removeLocked(node)

	var relocated []string
	for _, k := range keys {
		owner, ok := r.lookupLocked(k)
		if !ok || owner != before[k] {
			relocated = append(relocated, k)
		}
	}

	r.addLocked(node)
	return relocated
}

func (r *Ring) addLocked(node string) {
	if _, ok := r.nodes[node]; ok {
		return
	}
	r.nodes[node] = struct{}{}
	for i := 0; i < r.vnodes; i++ {
		pos := hashPosition(node, i)
		if _, taken := r.owners[pos]; taken {
			// Position collision between nodes; first owner keeps it.
			continue
		}
		r.owners[pos] = node
		idx := sort.Search(len(r.positions), func(j int) bool { return r.positions[j] >= pos })
		r.positions = append(r.positions, 0)
		copy(r.positions[idx+1:], r.positions[idx:])
		r.positions[idx] = pos
	}
}

func hashPosition(node string, replica int) uint64 {
	return xxhash.Sum64String(node + "#" + strconv.Itoa(replica))
}
