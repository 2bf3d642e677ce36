package stampede

import (
	"math/rand"
	"sync"
	"time"
)

// Jitter spreads cache expirations across time so that entries written
// together do not all expire together. The computed TTL is always within
// [base, base*(1+fraction)].
type Jitter struct {
	fraction float64

	mu  sync.Mutex
	rng *rand.Rand // nil means the shared global source
}

// NewJitter creates a Jitter with the given fraction (e.g. 0.1 for up to +10%).
// A non-nil rng makes the output reproducible for tests; nil uses the global
// math/rand source.
func NewJitter(fraction float64, rng *rand.Rand) *Jitter {
	if fraction < 0 {
		fraction = 0
	}
	return &Jitter{fraction: fraction, rng: rng}
}

// TTL returns base stretched by a uniform random factor in [1, 1+fraction).
func (j *Jitter) TTL(base time.Duration) time.Duration {
	if base <= 0 || j.fraction == 0 {
		return base
	}
	return time.Duration(float64(base) * (1 + j.float64()*j.fraction))
}

func (j *Jitter) float64() float64 {
	if j.rng == nil {
		return rand.Float64()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rng.Float64()
}
