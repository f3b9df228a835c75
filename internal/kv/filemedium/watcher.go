package filemedium

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/five82/asyncstate/internal/coalesce"
	"github.com/five82/asyncstate/internal/kv"
)

// ErrWatcherFailed indicates the filesystem watcher could not be set up.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// DefaultSettle is how long the watcher waits after the last filesystem event
// before re-reading the document.
const DefaultSettle = 50 * time.Millisecond

// WatcherOptions configure a Watcher.
type WatcherOptions struct {
	Settle time.Duration
	Logger *zap.Logger
}

// Watcher is a kv.Channel for stores sharing a File. Changes published in this
// process reach local subscribers directly; writes by other processes are found by
// re-reading the document and reported with the origin "file:<path>".
type Watcher struct {
	file    *File
	fs      *fsnotify.Watcher
	reload  *coalesce.Debouncer[struct{}]
	logger  *zap.Logger
	origin  string
	stop    chan struct{}
	stopped chan struct{}

	mu       sync.Mutex
	snapshot map[string]string
	handlers []handler
	nextID   uint64
	closed   bool
}

type handler struct {
	id uint64
	fn func(kv.Change)
}

// NewWatcher starts watching the directory holding file.
func NewWatcher(file *File, opts WatcherOptions) (*Watcher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	settle := opts.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}

	snapshot, err := file.Snapshot()
	if err != nil {
		logger.Warn("store document unreadable, starting from empty snapshot", zap.Error(err))
		snapshot = make(map[string]string)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	// Renames replace the document, so watch the directory rather than the file.
	if err := fsw.Add(filepath.Dir(file.Path())); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch store dir: %w", err)
	}

	w := &Watcher{
		file:     file,
		fs:       fsw,
		logger:   logger.With(zap.String("store", file.Path())),
		origin:   "file:" + file.Path(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		snapshot: snapshot,
	}
	w.reload = coalesce.NewDebouncer(func(struct{}) { w.rescan() }, settle, coalesce.DebounceOptions{Trailing: true})

	go w.processEvents()
	return w, nil
}

// Publish implements kv.Channel.
func (w *Watcher) Publish(c kv.Change) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return kv.ErrChannelClosed
	}
	// Record the write so the next rescan does not report it again.
	if c.Removed {
		delete(w.snapshot, c.Key)
	} else if c.Value != nil {
		w.snapshot[c.Key] = string(c.Value)
	}
	handlers := append([]handler(nil), w.handlers...)
	w.mu.Unlock()

	for _, h := range handlers {
		h.fn(c)
	}
	return nil
}

// Subscribe implements kv.Channel.
func (w *Watcher) Subscribe(fn func(kv.Change)) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, kv.ErrChannelClosed
	}
	w.nextID++
	id := w.nextID
	w.handlers = append(w.handlers, handler{id: id, fn: fn})

	var once sync.Once
	return func() { once.Do(func() { w.unsubscribe(id) }) }, nil
}

// Close stops watching and drops all subscribers.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.handlers = nil
	w.mu.Unlock()

	close(w.stop)
	err := w.fs.Close()
	<-w.stopped
	w.reload.Cancel()
	return err
}

func (w *Watcher) unsubscribe(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, h := range w.handlers {
		if h.id == id {
			w.handlers = append(w.handlers[:i:i], w.handlers[i+1:]...)
			return
		}
	}
}

func (w *Watcher) processEvents() {
	defer close(w.stopped)
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.file.Path() {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.reload.Call(struct{}{})
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watcher error", zap.Error(err))
		}
	}
}

// rescan diffs the document against the last snapshot and reports every key
// that differs.
func (w *Watcher) rescan() {
	current, err := w.file.Snapshot()
	if err != nil {
		w.logger.Warn("re-read store document failed", zap.Error(err))
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	changes := diff(w.snapshot, current, w.origin)
	w.snapshot = current
	handlers := append([]handler(nil), w.handlers...)
	w.mu.Unlock()

	if len(changes) > 0 {
		w.logger.Debug("store document changed externally", zap.Int("keys", len(changes)))
	}
	for _, c := range changes {
		for _, h := range handlers {
			h.fn(c)
		}
	}
}

func diff(before, after map[string]string, origin string) []kv.Change {
	var changes []kv.Change
	for key, v := range after {
		if old, ok := before[key]; !ok || old != v {
			changes = append(changes, kv.Change{Key: key, Origin: origin, Value: []byte(v)})
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			changes = append(changes, kv.Change{Key: key, Origin: origin, Removed: true})
		}
	}
	return changes
}
