package engine

import (
	"sync"
	"time"

	"github.com/orbi-tal/glaze-autotiler/internal/layout"
)

const defaultEchoTTL = 2 * time.Second

type expectation struct {
	generation uint64
	target     layout.Rect
	deadline   time.Time
}

// EchoFilter remembers the geometry we just commanded so the window manager's
// notification about it is not mistaken for an external change.
type EchoFilter struct {
	mu        sync.Mutex
	ttl       time.Duration
	tolerance float64
	now       func() time.Time
	pending   map[string]expectation
}

// NewEchoFilter returns a filter whose expectations expire after ttl.
func NewEchoFilter(ttl time.Duration, tolerance float64, now func() time.Time) *EchoFilter {
	if ttl <= 0 {
		ttl = defaultEchoTTL
	}
	if now == nil {
		now = time.Now
	}
	return &EchoFilter{ttl: ttl, tolerance: tolerance, now: now, pending: make(map[string]expectation)}
}

// SetTolerance changes the geometry tolerance used by Match.
func (f *EchoFilter) SetTolerance(tolerance float64) {
	f.mu.Lock()
	f.tolerance = tolerance
	f.mu.Unlock()
}

// Expect registers that windowID was commanded to target under generation.
// A newer expectation replaces an older one for the same window.
func (f *EchoFilter) Expect(windowID string, generation uint64, target layout.Rect) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[windowID] = expectation{
		generation: generation,
		target:     target,
		deadline:   f.now().Add(f.ttl),
	}
}

// Match reports whether reported geometry for windowID is the echo of our
// latest command. A match consumes the expectation.
func (f *EchoFilter) Match(windowID string, generation uint64, reported layout.Rect) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	exp, ok := f.pending[windowID]
	if !ok {
		return false
	}
	if f.now().After(exp.deadline) {
		delete(f.pending, windowID)
		return false
	}
	if exp.generation != generation || !layout.ApproximatelyEqual(exp.target, reported, f.tolerance) {
		return false
	}
	delete(f.pending, windowID)
	return true
}

// Forget drops the expectation for windowID, used when a command failed.
func (f *EchoFilter) Forget(windowID string) {
	f.mu.Lock()
	delete(f.pending, windowID)
	f.mu.Unlock()
}

// Reset clears every expectation.
func (f *EchoFilter) Reset() {
	f.mu.Lock()
	f.pending = make(map[string]expectation)
	f.mu.Unlock()
}

// Pending returns the number of unexpired expectations.
func (f *EchoFilter) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	n := 0
	for id, exp := range f.pending {
		if now.After(exp.deadline) {
			delete(f.pending, id)
			continue
		}
		n++
	}
	return n
}
