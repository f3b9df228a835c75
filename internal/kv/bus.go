package kv

import (
	"errors"
	"sync"
)

// ErrChannelClosed is returned when publishing to or subscribing on a closed channel.
var ErrChannelClosed = errors.New("kv: channel closed")

// Change describes a write to one key, as seen by other stores.
type Change struct {
	Key     string `json:"key"`
	Origin  string `json:"origin"`
	Value   []byte `json:"value,omitempty"`
	Removed bool   `json:"removed,omitempty"`
}

// Channel carries Change notifications between stores.
type Channel interface {
	Publish(Change) error
	// Subscribe registers fn for every change published after it returns. The
	// returned cancel func is safe to call more than once.
	Subscribe(fn func(Change)) (func(), error)
	Close() error
}

// Bus is an in-process Channel. Handlers run synchronously on the publishing
// goroutine, in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers []busHandler
	nextID   uint64
	closed   bool
}

type busHandler struct {
	id uint64
	fn func(Change)
}

// NewBus returns an open Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Publish implements Channel.
func (b *Bus) Publish(c Change) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrChannelClosed
	}
	handlers := make([]busHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	// Dispatch after releasing the lock so handlers may publish or unsubscribe.
	for _, h := range handlers {
		h.fn(c)
	}
	return nil
}

// Subscribe implements Channel.
func (b *Bus) Subscribe(fn func(Change)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrChannelClosed
	}
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, busHandler{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}, nil
}

// Close drops all handlers. Further publishes fail with ErrChannelClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.id == id {
			b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
			return
		}
	}
}
