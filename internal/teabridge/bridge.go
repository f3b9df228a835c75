// Package teabridge feeds state subscriptions into Bubble Tea programs.
//
// A Bridge subscribes to a state source and exposes the latest snapshot as a
// tea.Cmd. Updates are conflated: a model that falls behind receives only the
// newest state, never a backlog.
//
//	bridge := teabridge.New(cache.Subscribe)
//	defer bridge.Close()
//
//	func (m model) Init() tea.Cmd { return m.bridge.WaitCmd() }
//
//	case teabridge.StateMsg[geo.State]:
//		m.state = msg.State
//		return m, m.bridge.WaitCmd()
package teabridge

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"
)

// StateMsg carries a state snapshot into Update.
type StateMsg[S any] struct {
	State S
}

// ClosedMsg is delivered by WaitCmd once the bridge is closed.
type ClosedMsg struct{}

// Bridge turns subscription callbacks into tea messages.
type Bridge[S any] struct {
	mu      sync.Mutex
	updates chan S
	done    chan struct{}
	cancel  func()
	once    sync.Once
}

// New subscribes through subscribe, which must return a func that removes the
// subscription.
func New[S any](subscribe func(func(S)) func()) *Bridge[S] {
	b := &Bridge[S]{
		updates: make(chan S, 1),
		done:    make(chan struct{}),
	}
	b.cancel = subscribe(b.offer)
	return b
}

// WaitCmd blocks until a new state is available and returns it as StateMsg.
// Models re-issue it after handling each message.
func (b *Bridge[S]) WaitCmd() tea.Cmd {
	return func() tea.Msg {
		select {
		case s := <-b.updates:
			return StateMsg[S]{State: s}
		case <-b.done:
			return ClosedMsg{}
		}
	}
}

// Close unsubscribes and releases any pending WaitCmd.
func (b *Bridge[S]) Close() {
	b.once.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		close(b.done)
	})
}

// SnapshotCmd returns a command that reads the current state once.
func SnapshotCmd[S any](get func() S) tea.Cmd {
	return func() tea.Msg {
		return StateMsg[S]{State: get()}
	}
}

// offer replaces any undelivered state with s.
func (b *Bridge[S]) offer(s S) {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.updates:
	default:
	}
	b.updates <- s
}
