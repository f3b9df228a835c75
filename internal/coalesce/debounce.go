package coalesce

import (
	"sync"
	"time"
)

// DebounceOptions select which edges of a burst invoke the callback. With neither
// set the debouncer is trailing-only.
type DebounceOptions struct {
	Leading  bool
	Trailing bool
}

// Debouncer collapses a burst of calls into delayed invocations. A burst ends once
// delay passes with no new call.
//
// With both Leading and Trailing set, a burst of one call invokes the callback twice
// with the same arguments: once immediately and once when the burst ends.
type Debouncer[A any] struct {
	mu       sync.Mutex
	fn       func(A)
	delay    time.Duration
	leading  bool
	trailing bool

	timer   *time.Timer
	gen     uint64
	args    A
	hasArgs bool
	active  bool
}

// NewDebouncer wraps fn.
func NewDebouncer[A any](fn func(A), delay time.Duration, opts DebounceOptions) *Debouncer[A] {
	if !opts.Leading && !opts.Trailing {
		opts.Trailing = true
	}
	return &Debouncer[A]{
		fn:       fn,
		delay:    delay,
		leading:  opts.Leading,
		trailing: opts.Trailing,
	}
}

// Call records args as the latest and restarts the quiet-period timer.
func (d *Debouncer[A]) Call(args A) {
	d.mu.Lock()
	d.args, d.hasArgs = args, true
	fireLeading := d.leading && !d.active
	d.active = true

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() { d.expire(gen) })
	fn := d.fn
	d.mu.Unlock()

	if fireLeading && fn != nil {
		fn(args)
	}
}

// Cancel drops the pending timer and buffered args without invoking.
func (d *Debouncer[A]) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearLocked()
}

// Flush invokes the callback now with the buffered args if a timer is pending, then
// behaves like Cancel.
func (d *Debouncer[A]) Flush() {
	d.mu.Lock()
	if d.timer == nil {
		d.mu.Unlock()
		return
	}
	args, has := d.args, d.hasArgs
	fn := d.fn
	d.clearLocked()
	d.mu.Unlock()

	if has && fn != nil {
		fn(args)
	}
}

// Pending reports whether a burst is in progress.
func (d *Debouncer[A]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// SetCallback swaps the callback. Invocations after the swap use fn, including
// the trailing edge of a burst already in progress.
func (d *Debouncer[A]) SetCallback(fn func(A)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fn = fn
}

func (d *Debouncer[A]) expire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	args, has := d.args, d.hasArgs
	fire := d.trailing && has
	fn := d.fn
	d.clearLocked()
	d.mu.Unlock()

	if fire && fn != nil {
		fn(args)
	}
}

// clearLocked ends the burst. Caller holds mu.
func (d *Debouncer[A]) clearLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	var zero A
	d.args, d.hasArgs = zero, false
	d.active = false
}
