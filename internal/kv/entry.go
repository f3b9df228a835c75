package kv

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Entry is a live view of one key. It starts from the stored value and follows
// changes published by other stores. Writes made through its own store, by the
// entry itself, a sibling entry or Set/Remove, update it directly.
type Entry[T any] struct {
	store *Store
	key   string
	def   T

	mu       sync.Mutex
	value    T
	onChange func(T)
	cancel   func()
	localID  uint64
	closed   bool
}

// Bind returns an Entry for key. If the store's channel cannot be subscribed the
// entry still works but only sees its own writes.
func Bind[T any](s *Store, key string, def T) *Entry[T] {
	e := &Entry[T]{
		store: s,
		key:   key,
		def:   def,
		value: Get(s, key, def),
	}
	cancel, err := s.subscribe(e.handle)
	if err != nil {
		s.logger.Warn("subscribe to changes failed",
			zap.String("key", key),
			zap.Error(err),
		)
		cancel = func() {}
	}
	e.cancel = cancel
	e.localID = s.register(e.handleLocal)
	return e
}

// Key returns the bound key.
func (e *Entry[T]) Key() string { return e.key }

// Value returns the current value.
func (e *Entry[T]) Value() T {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

// OnChange sets the observer called with every new value, local or external.
// It replaces any previous observer.
func (e *Entry[T]) OnChange(fn func(T)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = fn
}

// Set writes v, updates the entry and notifies other stores. On a medium error the
// entry keeps its previous value.
func (e *Entry[T]) Set(v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", e.key, err)
	}
	if err := e.store.save(e.key, raw); err != nil {
		return err
	}
	e.apply(v)
	c := Change{Key: e.key, Origin: e.store.origin, Value: raw}
	e.store.notifyLocal(c, e.localID)
	return e.store.publish(c)
}

// Remove deletes the key and resets the entry to its default.
func (e *Entry[T]) Remove() error {
	if err := e.store.delete(e.key); err != nil {
		return err
	}
	e.apply(e.def)
	c := Change{Key: e.key, Origin: e.store.origin, Removed: true}
	e.store.notifyLocal(c, e.localID)
	return e.store.publish(c)
}

// Close stops following changes. The entry keeps its last value.
func (e *Entry[T]) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()
	cancel()
	e.store.unregister(e.localID)
}

// handle receives changes from the channel. Changes from this store already
// reached the entry through handleLocal.
func (e *Entry[T]) handle(c Change) {
	if c.Key != e.key {
		return
	}
	if c.Origin == e.store.origin {
		e.store.metrics.RecordNotification("ignored")
		return
	}
	e.receive(c, "applied")
}

// handleLocal receives writes made through this store by anything but the entry.
func (e *Entry[T]) handleLocal(c Change) {
	if c.Key != e.key {
		return
	}
	e.receive(c, "local")
}

func (e *Entry[T]) receive(c Change, result string) {
	next := e.def
	switch {
	case c.Removed:
	case c.Value == nil:
		// Channels that only signal the key re-read it from the medium.
		next = Get(e.store, e.key, e.def)
	default:
		if v, ok := decode[T](e.store, e.key, c.Value); ok {
			next = v
		}
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	e.store.metrics.RecordNotification(result)
	e.apply(next)
}

func (e *Entry[T]) apply(v T) {
	e.mu.Lock()
	e.value = v
	fn := e.onChange
	e.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}
