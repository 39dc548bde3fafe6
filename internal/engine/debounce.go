package engine

import (
	"sync"
	"time"
)

const (
	defaultDebounceWindow  = 30 * time.Millisecond
	defaultDebounceMaxWait = 250 * time.Millisecond
)

// Timer is the subset of *time.Timer the debouncer needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d, like time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type burst struct {
	first time.Time
	timer Timer
	seq   uint64
}

// Debouncer coalesces bursts of triggers per key. A key becomes ready once no
// trigger arrived for window, or once maxWait passed since the first trigger
// of the burst, whichever comes first. Ready keys are collected with Drain
// after a signal on Ready.
type Debouncer struct {
	mu        sync.Mutex
	window    time.Duration
	maxWait   time.Duration
	now       func() time.Time
	afterFunc AfterFunc

	seq     uint64
	pending map[string]*burst
	ready   []string
	notify  chan struct{}
}

// NewDebouncer returns a debouncer. Nil now/afterFunc use the real clock.
func NewDebouncer(window, maxWait time.Duration, now func() time.Time, afterFunc AfterFunc) *Debouncer {
	if now == nil {
		now = time.Now
	}
	if afterFunc == nil {
		afterFunc = realAfterFunc
	}
	d := &Debouncer{
		now:       now,
		afterFunc: afterFunc,
		pending:   make(map[string]*burst),
		notify:    make(chan struct{}, 1),
	}
	d.SetTimings(window, maxWait)
	return d
}

// SetTimings changes the quiet window and the maximum wait for new bursts.
func (d *Debouncer) SetTimings(window, maxWait time.Duration) {
	if window <= 0 {
		window = defaultDebounceWindow
	}
	if maxWait < window {
		maxWait = window
	}
	d.mu.Lock()
	d.window, d.maxWait = window, maxWait
	d.mu.Unlock()
}

// Trigger records activity for key and (re)arms its timer.
func (d *Debouncer) Trigger(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	b, ok := d.pending[key]
	if !ok {
		b = &burst{first: now}
		d.pending[key] = b
	} else if b.timer != nil {
		b.timer.Stop()
	}
	delay := d.window
	if remaining := b.first.Add(d.maxWait).Sub(now); remaining < delay {
		delay = remaining
	}
	if delay < 0 {
		delay = 0
	}
	d.seq++
	seq := d.seq
	b.seq = seq
	b.timer = d.afterFunc(delay, func() { d.fire(key, seq) })
}

func (d *Debouncer) fire(key string, seq uint64) {
	d.mu.Lock()
	b, ok := d.pending[key]
	if !ok || b.seq != seq {
		// Superseded by a later trigger or cancelled by Stop.
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.ready = append(d.ready, key)
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Ready is signalled whenever at least one key became ready.
func (d *Debouncer) Ready() <-chan struct{} {
	return d.notify
}

// Drain returns and clears the ready keys in the order they fired.
func (d *Debouncer) Drain() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.ready
	d.ready = nil
	return out
}

// Pending reports whether key has an armed timer.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Stop cancels every armed timer and discards ready keys.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, b := range d.pending {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(d.pending, key)
	}
	d.ready = nil
}
