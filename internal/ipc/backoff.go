package ipc

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes reconnect delays: Initial * Factor^attempt, capped at
// Max, with up to Jitter (a fraction) of random spread either way.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff returns a backoff with defaults filled in for zero values.
func NewBackoff(initial, ceiling time.Duration) *Backoff {
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	if ceiling < initial {
		ceiling = 30 * time.Second
		if ceiling < initial {
			ceiling = initial
		}
	}
	return &Backoff{
		Initial: initial,
		Max:     ceiling,
		Factor:  2,
		Jitter:  0.2,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the wait before reconnect attempt n (zero-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(b.Initial) * math.Pow(b.Factor, float64(attempt))
	if base > float64(b.Max) || math.IsInf(base, 0) {
		base = float64(b.Max)
	}
	if b.Jitter > 0 && b.rng != nil {
		b.mu.Lock()
		spread := (b.rng.Float64()*2 - 1) * b.Jitter
		b.mu.Unlock()
		base += base * spread
	}
	if base > float64(b.Max) {
		base = float64(b.Max)
	}
	return time.Duration(base)
}
