package stampede

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJitterWithinBounds(t *testing.T) {
	j := NewJitter(0.1, rand.New(rand.NewSource(1)))
	base := 300 * time.Second

	for i := 0; i < 100; i++ {
		ttl := j.TTL(base)
		assert.GreaterOrEqual(t, ttl, base)
		assert.Less(t, ttl, time.Duration(float64(base)*1.1)+time.Millisecond)
	}
}

func TestJitterSpreadsExpiry(t *testing.T) {
	j := NewJitter(0.1, rand.New(rand.NewSource(42)))
	base := 300 * time.Second

	seen := make(map[time.Duration]bool)
	for i := 0; i < 50; i++ {
		seen[j.TTL(base)] = true
	}
	// Identical TTLs for co-written entries is exactly what jitter prevents.
	assert.Greater(t, len(seen), 10)
}

func TestJitterZeroFraction(t *testing.T) {
	j := NewJitter(0, nil)
	base := time.Minute

	for i := 0; i < 10; i++ {
		assert.Equal(t, base, j.TTL(base))
	}
}

func TestJitterZeroBase(t *testing.T) {
	j := NewJitter(0.1, nil)
	assert.Equal(t, time.Duration(0), j.TTL(0))
}
