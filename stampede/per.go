package stampede

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// DefaultBeta is the PER tuning constant. Values above 1 refresh earlier,
// values below 1 later.
const DefaultBeta = 1.0

// EarlyRefresher implements probabilistic early recomputation: a read close
// to expiry triggers an out-of-band refresh with a probability that rises as
// expiry approaches, so reload load spreads out instead of spiking at the
// deadline.
//
// The trigger condition is remaining < delta * beta * -ln(U) with U uniform
// in (0, 1], where delta is the observed cost of recomputing the entry.
type EarlyRefresher struct {
	beta float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEarlyRefresher creates an EarlyRefresher. beta <= 0 falls back to
// DefaultBeta. A non-nil rng makes decisions reproducible for tests.
func NewEarlyRefresher(beta float64, rng *rand.Rand) *EarlyRefresher {
	if beta <= 0 {
		beta = DefaultBeta
	}
	return &EarlyRefresher{beta: beta, rng: rng}
}

// ShouldRefresh reports whether a refresh should be triggered now, given the
// time remaining until expiry and the last observed recompute cost.
func (e *EarlyRefresher) ShouldRefresh(remaining, delta time.Duration) bool {
	if remaining <= 0 {
		return true
	}
	if delta <= 0 {
		return false
	}
	// 1-U maps [0,1) onto (0,1] so the log argument is never zero.
	u := 1 - e.float64()
	threshold := delta.Seconds() * e.beta * -math.Log(u)
	return remaining.Seconds() < threshold
}

func (e *EarlyRefresher) float64() float64 {
	if e.rng == nil {
		return rand.Float64()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64()
}
