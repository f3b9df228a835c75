package kv

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/five82/asyncstate/internal/metrics"
)

// StoreOptions configure a Store.
type StoreOptions struct {
	// Origin identifies this store in published changes. Defaults to a random UUID.
	Origin  string
	Logger  *zap.Logger
	Metrics *metrics.KV
}

// Store reads and writes JSON values on a Medium and publishes every write on a
// Channel. A nil channel confines changes to this store.
type Store struct {
	medium  Medium
	channel Channel
	origin  string
	logger  *zap.Logger
	metrics *metrics.KV

	// Entries bound on this store see its writes directly; the channel only
	// carries them to other stores.
	localMu   sync.Mutex
	locals    map[uint64]func(Change)
	nextLocal uint64
}

// NewStore wraps medium and channel.
func NewStore(medium Medium, channel Channel, opts StoreOptions) *Store {
	origin := opts.Origin
	if origin == "" {
		origin = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		medium:  medium,
		channel: channel,
		origin:  origin,
		logger:  logger.With(zap.String("origin", origin)),
		metrics: opts.Metrics,
		locals:  make(map[uint64]func(Change)),
	}
}

// Origin returns the identifier stamped on changes this store publishes.
func (s *Store) Origin() string {
	return s.origin
}

// Get decodes the value stored under key. A missing, unreadable or undecodable
// value yields def.
func Get[T any](s *Store, key string, def T) T {
	raw, ok := s.load(key)
	if !ok {
		return def
	}
	v, ok := decode[T](s, key, raw)
	if !ok {
		return def
	}
	return v
}

// Set encodes v, writes it under key, updates entries bound to key on this store
// and notifies other stores.
func Set[T any](s *Store, key string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	if err := s.save(key, raw); err != nil {
		return err
	}
	c := Change{Key: key, Origin: s.origin, Value: raw}
	s.notifyLocal(c, 0)
	return s.publish(c)
}

// Remove deletes key, resets entries bound to key on this store and notifies
// other stores.
func Remove(s *Store, key string) error {
	if err := s.delete(key); err != nil {
		return err
	}
	c := Change{Key: key, Origin: s.origin, Removed: true}
	s.notifyLocal(c, 0)
	return s.publish(c)
}

// register adds fn to the local entries. IDs start at 1.
func (s *Store) register(fn func(Change)) uint64 {
	s.localMu.Lock()
	defer s.localMu.Unlock()
	s.nextLocal++
	s.locals[s.nextLocal] = fn
	return s.nextLocal
}

func (s *Store) unregister(id uint64) {
	s.localMu.Lock()
	defer s.localMu.Unlock()
	delete(s.locals, id)
}

// notifyLocal hands c to every local entry except skip, outside the lock.
func (s *Store) notifyLocal(c Change, skip uint64) {
	s.localMu.Lock()
	fns := make([]func(Change), 0, len(s.locals))
	for id, fn := range s.locals {
		if id != skip {
			fns = append(fns, fn)
		}
	}
	s.localMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

func (s *Store) load(key string) ([]byte, bool) {
	raw, ok, err := s.medium.Load(key)
	if err != nil {
		s.logger.Warn("read from medium failed, using default",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, false
	}
	return raw, ok
}

func (s *Store) save(key string, raw []byte) error {
	if err := s.medium.Save(key, raw); err != nil {
		return fmt.Errorf("save %q: %w", key, err)
	}
	s.metrics.RecordWrite("set")
	return nil
}

func (s *Store) delete(key string) error {
	if err := s.medium.Delete(key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	s.metrics.RecordWrite("remove")
	return nil
}

// publish reports a failed notification to the caller; the medium write has
// already happened by then.
func (s *Store) publish(c Change) error {
	if s.channel == nil {
		return nil
	}
	if err := s.channel.Publish(c); err != nil {
		return fmt.Errorf("publish change for %q: %w", c.Key, err)
	}
	return nil
}

func (s *Store) subscribe(fn func(Change)) (func(), error) {
	if s.channel == nil {
		return func() {}, nil
	}
	return s.channel.Subscribe(fn)
}

func decode[T any](s *Store, key string, raw []byte) (T, bool) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		s.metrics.RecordDecodeFailure()
		s.logger.Warn("stored value is not decodable, using default",
			zap.String("key", key),
			zap.Error(err),
		)
		var zero T
		return zero, false
	}
	return v, true
}
