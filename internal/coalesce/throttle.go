package coalesce

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttler invokes its callback at most once per interval. A call inside the
// window is buffered; every buffered call in one window collapses into a single
// trailing invocation with the latest args, fired when the window closes.
type Throttler[A any] struct {
	mu      sync.Mutex
	fn      func(A)
	limiter *rate.Limiter

	timer       *time.Timer
	reservation *rate.Reservation
	gen         uint64
	args        A
}

// NewThrottler wraps fn. A non-positive interval disables throttling.
func NewThrottler[A any](fn func(A), interval time.Duration) *Throttler[A] {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Throttler[A]{
		fn:      fn,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Call invokes the callback immediately when the window is open, otherwise it
// buffers args for the trailing invocation.
func (t *Throttler[A]) Call(args A) {
	now := time.Now()

	t.mu.Lock()
	if t.timer == nil && t.limiter.AllowN(now, 1) {
		fn := t.fn
		t.mu.Unlock()
		if fn != nil {
			fn(args)
		}
		return
	}

	t.args = args
	if t.timer == nil {
		// The reservation takes the token the trailing call will spend.
		r := t.limiter.ReserveN(now, 1)
		t.reservation = r
		t.gen++
		gen := t.gen
		t.timer = time.AfterFunc(r.DelayFrom(now), func() { t.fire(gen) })
	}
	t.mu.Unlock()
}

// Cancel drops a scheduled trailing invocation.
func (t *Throttler[A]) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		return
	}
	t.timer.Stop()
	t.reservation.Cancel()
	t.timer, t.reservation = nil, nil
	t.gen++
	var zero A
	t.args = zero
}

// Pending reports whether a trailing invocation is scheduled.
func (t *Throttler[A]) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// SetCallback swaps the callback, including for a trailing call already scheduled.
func (t *Throttler[A]) SetCallback(fn func(A)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fn = fn
}

func (t *Throttler[A]) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.timer == nil {
		t.mu.Unlock()
		return
	}
	args := t.args
	var zero A
	t.args = zero
	t.timer, t.reservation = nil, nil
	fn := t.fn
	t.mu.Unlock()

	if fn != nil {
		fn(args)
	}
}
