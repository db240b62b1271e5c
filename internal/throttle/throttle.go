// Package throttle implements the two coalescing primitives used by the sync
// engines: a leading-edge rate cap for cursor motion and a trailing-edge
// debounce for settled drag persistence. Both are parameterized by a clock so
// timing behavior is testable without sleeping.
package throttle

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// RateCap emits at most one position per interval, and only when the position
// moved at least minDelta units on some axis since the last emitted one.
// The first offer always passes (leading edge).
type RateCap struct {
	mu       sync.Mutex
	clock    clock.Clock
	interval time.Duration
	minDelta float64
	emit     func(x, y float64)

	hasLast      bool
	lastX, lastY float64
	lastEmit     time.Time
}

// NewRateCap builds a rate cap feeding emit. A nil clk uses the wall clock.
func NewRateCap(clk clock.Clock, interval time.Duration, minDelta float64, emit func(x, y float64)) *RateCap {
	if clk == nil {
		clk = clock.New()
	}
	return &RateCap{
		clock:    clk,
		interval: interval,
		minDelta: minDelta,
		emit:     emit,
	}
}

// Offer proposes a new position. Returns true when the position was emitted.
func (r *RateCap) Offer(x, y float64) bool {
	r.mu.Lock()

	if r.hasLast {
		dx := abs(x - r.lastX)
		dy := abs(y - r.lastY)
		if dx < r.minDelta && dy < r.minDelta {
			r.mu.Unlock()
			return false
		}
		if r.clock.Now().Sub(r.lastEmit) < r.interval {
			r.mu.Unlock()
			return false
		}
	}

	r.hasLast = true
	r.lastX, r.lastY = x, y
	r.lastEmit = r.clock.Now()
	emit := r.emit
	r.mu.Unlock()

	emit(x, y)
	return true
}

// Reset forgets the last emitted position, so the next offer passes
// unconditionally.
func (r *RateCap) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hasLast = false
	r.lastEmit = time.Time{}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Debouncer collects values until no new value arrives for interval, then
// emits the most recent value exactly once. Flush forces the pending emit,
// Cancel drops it.
type Debouncer[T any] struct {
	mu       sync.Mutex
	clock    clock.Clock
	interval time.Duration
	emit     func(T)

	timer   *clock.Timer
	pending T
	has     bool
}

// NewDebouncer builds a trailing-edge debouncer feeding emit. A nil clk uses
// the wall clock.
func NewDebouncer[T any](clk clock.Clock, interval time.Duration, emit func(T)) *Debouncer[T] {
	if clk == nil {
		clk = clock.New()
	}
	return &Debouncer[T]{
		clock:    clk,
		interval: interval,
		emit:     emit,
	}
}

// Offer replaces the pending value and restarts the settle timer.
func (d *Debouncer[T]) Offer(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = v
	d.has = true

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.interval, d.fire)
}

// Flush emits the pending value immediately, if any.
func (d *Debouncer[T]) Flush() {
	d.fire()
}

// Cancel drops the pending value without emitting.
func (d *Debouncer[T]) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.has = false
}

func (d *Debouncer[T]) fire() {
	d.mu.Lock()
	if !d.has {
		d.mu.Unlock()
		return
	}
	v := d.pending
	d.has = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	emit := d.emit
	d.mu.Unlock()

	emit(v)
}
