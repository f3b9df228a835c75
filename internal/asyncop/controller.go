package asyncop

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/five82/asyncstate/internal/metrics"
)

// Operation is the caller-supplied unit of asynchronous work.
type Operation[A, T any] func(ctx context.Context, args A) (T, error)

// Options configure a Controller. The zero value runs once with no retries.
type Options[A, T any] struct {
	// InitialData seeds the controller in StatusSuccess.
	InitialData *T
	OnSuccess   func(T)
	OnError     func(error)
	// RetryCount is the number of retries after the first attempt.
	RetryCount int
	// RetryDelay is the base back-off; retry k waits RetryDelay * 2^(k-1).
	RetryDelay       time.Duration
	KeepPreviousData bool
	// DedupeKey, when set, makes concurrent attempts with the same key share a
	// single in-flight operation call.
	DedupeKey func(A) string
	Name      string
	Logger    *zap.Logger
	Metrics   *metrics.Operation
}

// Controller runs one logical async operation and exposes its lifecycle as State.
// The most recently issued Execute always determines the committed state; results
// from superseded calls are discarded.
type Controller[A, T any] struct {
	mu      sync.Mutex
	state   State[T]
	token   uint64
	changed chan struct{} // closed whenever token advances
	closed  bool

	op        Operation[A, T]
	onSuccess func(T)
	onError   func(error)

	retryCount   int
	retryDelay   time.Duration
	keepPrevious bool
	dedupeKey    func(A) string
	group        singleflight.Group

	name    string
	logger  *zap.Logger
	metrics *metrics.Operation

	subMu     sync.Mutex
	subs      map[uint64]func(State[T])
	nextSub   uint64
	version   uint64
	delivered uint64
}

// New builds a controller for op.
func New[A, T any](op Operation[A, T], opts Options[A, T]) *Controller[A, T] {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := opts.Name
	if name == "" {
		name = "operation"
	}
	retries := opts.RetryCount
	if retries < 0 {
		retries = 0
	}
	c := &Controller[A, T]{
		changed:      make(chan struct{}),
		op:           op,
		onSuccess:    opts.OnSuccess,
		onError:      opts.OnError,
		retryCount:   retries,
		retryDelay:   opts.RetryDelay,
		keepPrevious: opts.KeepPreviousData,
		dedupeKey:    opts.DedupeKey,
		name:         name,
		logger:       logger.With(zap.String("operation", name)),
		metrics:      opts.Metrics,
		subs:         make(map[uint64]func(State[T])),
	}
	if opts.InitialData != nil {
		c.state = State[T]{Status: StatusSuccess, Data: *opts.InitialData, HasData: true}
	}
	return c
}

// Execute runs the operation with args, retrying on failure. It returns the result
// and true only when this call's success was committed; exhaustion, supersession and
// teardown all return false. Failures are reported through State and OnError.
func (c *Controller[A, T]) Execute(ctx context.Context, args A) (T, bool) {
	var zero T
	start := time.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, false
	}
	token, changed := c.advanceLocked()
	next := State[T]{Status: StatusPending}
	if c.keepPrevious && c.state.HasData {
		next.Data, next.HasData = c.state.Data, true
	}
	version := c.setLocked(next)
	c.mu.Unlock()

	c.metrics.RecordExecution(c.name)
	c.publish(version, next)

	maxAttempts := c.retryCount + 1
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c.metrics.RecordAttempt(c.name)
		result, err := c.run(ctx, args)
		if err == nil {
			if !c.commitSuccess(token, result) {
				c.discard(token, start)
				return zero, false
			}
			c.metrics.RecordOutcome(c.name, metrics.OutcomeSuccess, time.Since(start).Seconds())
			return result, true
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}

		delay := backoff(c.retryDelay, attempt)
		c.logger.Debug("attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if !wait(ctx, changed, delay) {
			break
		}
	}

	if !c.commitError(token, lastErr) {
		c.discard(token, start)
		return zero, false
	}
	c.logger.Warn("operation failed", zap.Int("max_attempts", maxAttempts), zap.Error(lastErr))
	c.metrics.RecordOutcome(c.name, metrics.OutcomeError, time.Since(start).Seconds())
	return zero, false
}

// Reset invalidates any in-flight call and returns the controller to StatusIdle.
func (c *Controller[A, T]) Reset() {
	c.mu.Lock()
	c.advanceLocked()
	if c.closed {
		c.mu.Unlock()
		return
	}
	next := State[T]{Status: StatusIdle}
	version := c.setLocked(next)
	c.mu.Unlock()
	c.publish(version, next)
}

// Close tears the controller down. No state is committed after Close returns, so
// no further callbacks or notifications are produced. Pending back-off waits are
// released.
func (c *Controller[A, T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.advanceLocked()
}

// State returns the current snapshot.
func (c *Controller[A, T]) State() State[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller[A, T]) IsIdle() bool    { return c.State().IsIdle() }
func (c *Controller[A, T]) IsPending() bool { return c.State().IsPending() }
func (c *Controller[A, T]) IsSuccess() bool { return c.State().IsSuccess() }
func (c *Controller[A, T]) IsError() bool   { return c.State().IsError() }

// Data returns the current data and whether any is held.
func (c *Controller[A, T]) Data() (T, bool) {
	s := c.State()
	return s.Data, s.HasData
}

// Err returns the error of the current state, if any.
func (c *Controller[A, T]) Err() error {
	return c.State().Err
}

// SetOperation replaces the operation. Attempts started afterwards use op, including
// retries of an Execute call already in progress.
func (c *Controller[A, T]) SetOperation(op Operation[A, T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.op = op
}

// SetCallbacks replaces the success and error callbacks read at commit time.
func (c *Controller[A, T]) SetCallbacks(onSuccess func(T), onError func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSuccess = onSuccess
	c.onError = onError
}

// Subscribe registers fn to receive every committed transition. Snapshots older than
// one already delivered are skipped. The returned func removes the subscription.
func (c *Controller[A, T]) Subscribe(fn func(State[T])) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Controller[A, T]) run(ctx context.Context, args A) (T, error) {
	c.mu.Lock()
	op := c.op
	c.mu.Unlock()

	if c.dedupeKey == nil {
		return invoke(ctx, op, args)
	}
	v, err, shared := c.group.Do(c.dedupeKey(args), func() (any, error) {
		return invoke(ctx, op, args)
	})
	if shared {
		c.logger.Debug("shared in-flight call")
	}
	result, _ := v.(T)
	return result, err
}

func invoke[A, T any](ctx context.Context, op Operation[A, T], args A) (result T, err error) {
	if op == nil {
		return result, ErrNoOperation
	}
	defer func() {
		if r := recover(); r != nil {
			var zero T
			result, err = zero, &OperationError{Value: r}
		}
	}()
	return op(ctx, args)
}

func (c *Controller[A, T]) commitSuccess(token uint64, result T) bool {
	c.mu.Lock()
	if c.closed || token != c.token {
		c.mu.Unlock()
		return false
	}
	next := State[T]{Status: StatusSuccess, Data: result, HasData: true}
	version := c.setLocked(next)
	onSuccess := c.onSuccess
	c.mu.Unlock()

	c.publish(version, next)
	if onSuccess != nil {
		onSuccess(result)
	}
	return true
}

func (c *Controller[A, T]) commitError(token uint64, err error) bool {
	c.mu.Lock()
	if c.closed || token != c.token {
		c.mu.Unlock()
		return false
	}
	next := State[T]{Status: StatusError, Err: err}
	if c.keepPrevious && c.state.HasData {
		next.Data, next.HasData = c.state.Data, true
	}
	version := c.setLocked(next)
	onError := c.onError
	c.mu.Unlock()

	c.publish(version, next)
	if onError != nil {
		onError(err)
	}
	return true
}

func (c *Controller[A, T]) discard(token uint64, start time.Time) {
	c.logger.Debug("discarding superseded result", zap.Uint64("token", token))
	c.metrics.RecordOutcome(c.name, metrics.OutcomeDiscarded, time.Since(start).Seconds())
}

// advanceLocked allocates a new current token and wakes anything waiting on the
// previous one. Caller holds mu.
func (c *Controller[A, T]) advanceLocked() (uint64, <-chan struct{}) {
	c.token++
	close(c.changed)
	c.changed = make(chan struct{})
	return c.token, c.changed
}

// setLocked stores next and returns its version. Caller holds mu.
func (c *Controller[A, T]) setLocked(next State[T]) uint64 {
	c.state = next
	c.version++
	return c.version
}

func (c *Controller[A, T]) publish(version uint64, s State[T]) {
	c.subMu.Lock()
	if version <= c.delivered || len(c.subs) == 0 {
		if version > c.delivered {
			c.delivered = version
		}
		c.subMu.Unlock()
		return
	}
	c.delivered = version
	fns := make([]func(State[T]), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// wait sleeps for d unless ctx ends or changed closes first.
func wait(ctx context.Context, changed <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		case <-changed:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-changed:
		return false
	}
}

// backoff returns base*2^(attempt-1), saturating at the largest Duration.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	shift := attempt - 1
	if shift >= 63 || base > time.Duration(math.MaxInt64>>shift) {
		return time.Duration(math.MaxInt64)
	}
	return base << shift
}
