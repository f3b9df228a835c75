// Package natsbus carries kv changes between processes over NATS.
//
// Every change is published as JSON on a single subject; stores on any host
// connected to the same server and subject observe each other's writes.
package natsbus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/five82/asyncstate/internal/kv"
)

// DefaultSubject is used when Options.Subject is empty.
const DefaultSubject = "asyncstate.kv.changes"

// Options configure a Bus.
type Options struct {
	Subject string
	Logger  *zap.Logger
}

// Bus is a kv.Channel over a NATS connection.
type Bus struct {
	nc      *nats.Conn
	owned   bool
	subject string
	logger  *zap.Logger

	mu     sync.Mutex
	subs   map[*nats.Subscription]struct{}
	closed bool
}

// Connect dials url and returns a Bus that closes the connection on Close.
func Connect(url string, opts Options) (*Bus, error) {
	nc, err := nats.Connect(url, nats.Name("asyncstate"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	b := New(nc, opts)
	b.owned = true
	return b, nil
}

// New wraps an existing connection. Close leaves the connection open.
func New(nc *nats.Conn, opts Options) *Bus {
	subject := opts.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		nc:      nc,
		subject: subject,
		logger:  logger.With(zap.String("subject", subject)),
		subs:    make(map[*nats.Subscription]struct{}),
	}
}

// Publish implements kv.Channel.
func (b *Bus) Publish(c kv.Change) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return kv.ErrChannelClosed
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Subscribe implements kv.Channel. fn runs on the connection's delivery goroutine
// for this subscription, one message at a time.
func (b *Bus) Subscribe(fn func(kv.Change)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, kv.ErrChannelClosed
	}

	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		var c kv.Change
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			b.logger.Warn("dropping malformed change message", zap.Error(err))
			return
		}
		fn(c)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	// Make sure the server knows about the subscription before returning.
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	b.subs[sub] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			_ = sub.Unsubscribe()
		})
	}, nil
}

// Close removes every subscription and, for buses created by Connect, closes the
// connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for sub := range subs {
		_ = sub.Unsubscribe()
	}
	if b.owned {
		b.nc.Close()
	}
	return nil
}
