package hashing

import (
	"fmt"
	"math"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("user:%d", i)
	}
	return keys
}

func TestLookupEmptyRing(t *testing.T) {
	r := NewRing(100)

	_, ok := r.Lookup("anything")
	assert.False(t, ok)
}

func TestLookupDeterministic(t *testing.T) {
	r := NewRing(100)
	r.AddNode("node-a")
	r.AddNode("node-b")
	r.AddNode("node-c")

	for _, key := range testKeys(100) {
		first, ok := r.Lookup(key)
		require.True(t, ok)
		for i := 0; i < 10; i++ {
			again, _ := r.Lookup(key)
			assert.Equal(t, first, again)
		}
	}
}

func TestAddNodeIdempotent(t *testing.T) {
	r := NewRing(100)
	r.AddNode("node-a")
	r.AddNode("node-a")

	assert.Equal(t, 1, r.Size())
}

func TestRemoveNode(t *testing.T) {
	r := NewRing(100)
	r.AddNode("node-a")
	r.AddNode("node-b")
	r.RemoveNode("node-a")

	assert.Equal(t, 1, r.Size())
	owner, ok := r.Lookup("any-key")
	require.True(t, ok)
	assert.Equal(t, "node-b", owner)
}

func TestDistributionRoughlyEven(t *testing.T) {
	r := NewRing(100)
	nodes := []string{"node-a", "node-b", "node-c", "node-d"}
	for _, n := range nodes {
		r.AddNode(n)
	}

	dist := r.KeyDistribution(testKeys(10000))
	for _, n := range nodes {
		share := float64(dist[n]) / 10000
		// 4 nodes x 100 vnodes: each share should be near 25%.
		assert.InDelta(t, 0.25, share, 0.10, "node %s got share %.3f", n, share)
	}
}

func TestRelocationBoundedOnNodeAdd(t *testing.T) {
	keys := testKeys(10000)

	r := NewRing(100)
	r.AddNode("node-a")
	r.AddNode("node-b")
	r.AddNode("node-c")

	before := make(map[string]string, len(keys))
	for _, k := range keys {
		before[k], _ = r.Lookup(k)
	}

	r.AddNode("node-d")

	moved := 0
	for _, k := range keys {
		after, _ := r.Lookup(k)
		if after != before[k] {
			moved++
		}
	}

	// Going from 3 to 4 nodes should relocate about 1/4 of the keys.
	ratio := float64(moved) / float64(len(keys))
	assert.Greater(t, ratio, 0.20, "suspiciously few keys moved")
	assert.Less(t, ratio, 0.30, "consistent hashing should move ~1/N of keys, moved %.2f", ratio)

	// A modulo assignment reshuffles most keys on the same transition; the
	// ring must relocate strictly fewer.
	moduloMoved := 0
	for _, k := range keys {
		h := xxhash.Sum64String(k)
		if h%3 != h%4 {
			moduloMoved++
		}
	}
	moduloRatio := float64(moduloMoved) / float64(len(keys))
	assert.Less(t, ratio, moduloRatio, "ring moved %.2f, modulo baseline %.2f", ratio, moduloRatio)

	// Every moved key must have moved TO the new node.
	for _, k := range keys {
		after, _ := r.Lookup(k)
		if after != before[k] {
			assert.Equal(t, "node-d", after)
		}
	}
}

func TestRelocatedKeysMatchesRelookup(t *testing.T) {
	keys := testKeys(1000)

	r := NewRing(100)
	r.AddNode("node-a")
	r.AddNode("node-b")

	relocated := r.RelocatedKeys(keys, "node-b")

	// Removing node-b for real must relocate exactly the reported keys.
	before := make(map[string]string, len(keys))
	for _, k := range keys {
		before[k], _ = r.Lookup(k)
	}
	r.RemoveNode("node-b")

	moved := make(map[string]bool)
	for _, k := range keys {
		after, _ := r.Lookup(k)
		if after != before[k] {
			moved[k] = true
		}
	}

	require.Equal(t, len(moved), len(relocated))
	for _, k := range relocated {
		assert.True(t, moved[k], "key %s reported as relocated but did not move", k)
	}
}

func TestMoreVirtualNodesSmoothDistribution(t *testing.T) {
	keys := testKeys(10000)
	nodes := []string{"node-a", "node-b", "node-c", "node-d"}

	spread := func(vnodes int) float64 {
		r := NewRing(vnodes)
		for _, n := range nodes {
			r.AddNode(n)
		}
		dist := r.KeyDistribution(keys)

		mean := float64(len(keys)) / float64(len(nodes))
		var sum float64
		for _, n := range nodes {
			d := float64(dist[n]) - mean
			sum += d * d
		}
		return math.Sqrt(sum / float64(len(nodes)))
	}

	assert.Less(t, spread(200), spread(2), "more virtual nodes should smooth the distribution")
}

func TestVirtualNodesDefault(t *testing.T) {
	r := NewRing(0)
	assert.Equal(t, 100, r.VirtualNodes())
}
