package geo

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/five82/asyncstate/internal/asyncop"
	"github.com/five82/asyncstate/internal/kv"
	"github.com/five82/asyncstate/internal/metrics"
)

// DefaultCacheKey is the store key used when Options.CacheKey is empty.
const DefaultCacheKey = "geo.position"

// DefaultCacheDuration is the TTL used when Options.CacheDuration is not positive.
const DefaultCacheDuration = 10 * time.Minute

// Options configure a Cache.
type Options struct {
	PositionOptions PositionOptions
	CacheDuration   time.Duration
	CacheKey        string
	// Watch subscribes to continuous updates on construction.
	Watch bool
	// FetchOnInit starts a lookup in the background when nothing fresh is cached.
	FetchOnInit bool
	RetryCount  int
	RetryDelay  time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Geo
	// Operation receives the metrics of the internal lookup controller.
	Operation *metrics.Operation
	Now       func() time.Time
}

// Cache serves positions from a persisted TTL cache, falling back to a Provider.
type Cache struct {
	provider Provider
	store    *kv.Store
	key      string
	ttl      time.Duration
	posOpts  PositionOptions
	now      func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Geo
	lookup   *asyncop.Controller[PositionOptions, Position]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	version   uint64
	watchGen  uint64
	stopWatch func()
	closed    bool

	subMu     sync.Mutex
	subs      map[uint64]func(State)
	nextSub   uint64
	delivered uint64
}

// New builds a Cache. A fresh persisted entry seeds the state before New returns.
func New(provider Provider, store *kv.Store, opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	key := opts.CacheKey
	if key == "" {
		key = DefaultCacheKey
	}
	ttl := opts.CacheDuration
	if ttl <= 0 {
		ttl = DefaultCacheDuration
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		provider: provider,
		store:    store,
		key:      key,
		ttl:      ttl,
		posOpts:  opts.PositionOptions,
		now:      now,
		logger:   logger.With(zap.String("cache_key", key)),
		metrics:  opts.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[uint64]func(State)),
	}
	c.lookup = asyncop.New(c.fetch, asyncop.Options[PositionOptions, Position]{
		OnSuccess:        c.onPosition,
		OnError:          c.onError,
		RetryCount:       opts.RetryCount,
		RetryDelay:       opts.RetryDelay,
		KeepPreviousData: true,
		Name:             "geo.current_position",
		Logger:           logger,
		Metrics:          opts.Operation,
	})

	hit := false
	if cached, ok := c.readCache(); ok {
		hit = true
		c.state = State{Coords: cached.Coords, HasCoords: true, Timestamp: cached.WrittenAt, FromCache: true}
	}

	if opts.Watch {
		if err := c.Watch(); err != nil {
			c.logger.Warn("start position watch failed", zap.Error(err))
		}
	}
	if opts.FetchOnInit && !hit {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.GetCurrentPosition(c.ctx)
		}()
	}
	return c
}

// GetCurrentPosition answers from the cache when a fresh entry exists, otherwise
// asks the provider. It returns the state once this lookup has settled; if a newer
// lookup superseded it, the state reflects that one instead.
func (c *Cache) GetCurrentPosition(ctx context.Context) State {
	if cached, ok := c.readCache(); ok {
		// Supersede any lookup still in flight.
		c.lookup.Reset()
		c.update(func(s *State) {
			*s = State{Coords: cached.Coords, HasCoords: true, Timestamp: cached.WrittenAt, FromCache: true}
		})
		return c.State()
	}
	return c.Refresh(ctx)
}

// Refresh asks the provider for a new fix regardless of the cache.
func (c *Cache) Refresh(ctx context.Context) State {
	if !c.update(func(s *State) { s.Loading = true }) {
		return c.State()
	}
	c.lookup.Execute(ctx, c.posOpts)
	return c.State()
}

// Watch subscribes to continuous updates, replacing any previous subscription.
func (c *Cache) Watch() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	prev := c.stopWatch
	c.stopWatch = nil
	c.watchGen++
	gen := c.watchGen
	c.mu.Unlock()

	if prev != nil {
		prev()
	}

	stop, err := c.provider.Watch(c.ctx, c.posOpts,
		func(p Position) {
			if c.watching(gen) {
				c.onPosition(p)
			}
		},
		func(err error) {
			if c.watching(gen) {
				c.onError(err)
			}
		},
	)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed || gen != c.watchGen {
		// Closed or re-subscribed while the provider was starting.
		c.mu.Unlock()
		stop()
		return nil
	}
	c.stopWatch = stop
	c.mu.Unlock()
	return nil
}

// ClearWatch ends the continuous subscription, if any.
func (c *Cache) ClearWatch() {
	c.mu.Lock()
	stop := c.stopWatch
	c.stopWatch = nil
	c.watchGen++
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// State returns the current snapshot.
func (c *Cache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn for every state change. The returned func removes it.
func (c *Cache) Subscribe(fn func(State)) func() {
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

// Close stops watching, abandons in-flight lookups and freezes the state.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stop := c.stopWatch
	c.stopWatch = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	c.lookup.Close()
	c.cancel()
	c.wg.Wait()
}

func (c *Cache) fetch(ctx context.Context, opts PositionOptions) (Position, error) {
	pos, err := c.provider.CurrentPosition(ctx, opts)
	if err != nil {
		c.metrics.RecordProviderCall(metrics.OutcomeError)
		return Position{}, err
	}
	c.metrics.RecordProviderCall(metrics.OutcomeSuccess)
	return pos, nil
}

func (c *Cache) onPosition(p Position) {
	written := c.now()
	entry := CachedPosition{Coords: p.Coords, WrittenAt: written, ExpiresAt: written.Add(c.ttl)}
	if err := kv.Set(c.store, c.key, entry); err != nil {
		c.logger.Warn("persist position failed", zap.Error(err))
	}

	ts := p.Timestamp
	if ts.IsZero() {
		ts = written
	}
	c.update(func(s *State) {
		*s = State{Coords: p.Coords, HasCoords: true, Timestamp: ts}
	})
}

func (c *Cache) onError(err error) {
	c.logger.Debug("position lookup failed", zap.Error(err))
	c.update(func(s *State) {
		s.Loading = false
		s.Err = err
	})
}

// readCache returns a fresh persisted entry. Expired entries are removed.
func (c *Cache) readCache() (CachedPosition, bool) {
	cached := kv.Get(c.store, c.key, CachedPosition{})
	if cached.ExpiresAt.IsZero() {
		c.metrics.RecordMiss()
		return CachedPosition{}, false
	}
	if cached.Expired(c.now()) {
		c.metrics.RecordEviction()
		c.metrics.RecordMiss()
		if err := kv.Remove(c.store, c.key); err != nil {
			c.logger.Warn("purge expired position failed", zap.Error(err))
		}
		return CachedPosition{}, false
	}
	c.metrics.RecordHit()
	return cached, true
}

func (c *Cache) watching(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && gen == c.watchGen
}

// update applies fn to the state and notifies subscribers. It reports false once
// the cache is closed.
func (c *Cache) update(fn func(*State)) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	fn(&c.state)
	c.version++
	version, snap := c.version, c.state
	c.mu.Unlock()

	c.subMu.Lock()
	if version <= c.delivered {
		c.subMu.Unlock()
		return true
	}
	c.delivered = version
	fns := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
	return true
}
