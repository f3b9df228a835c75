package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/five82/asyncstate/internal/coalesce"
	"github.com/five82/asyncstate/internal/geo"
	"github.com/five82/asyncstate/internal/kv"
	"github.com/five82/asyncstate/internal/ui"
)

// Locate returns the current position. A fresh cached fix is returned without
// asking the provider unless refresh is set. The returned error is the lookup
// error; the state may still carry the previous coordinates.
func (a *App) Locate(ctx context.Context, refresh bool) (geo.State, error) {
	cache := a.NewCache(false)
	defer cache.Close()

	var st geo.State
	if refresh {
		st = cache.Refresh(ctx)
	} else {
		st = cache.GetCurrentPosition(ctx)
	}
	if st.Err != nil {
		return st, fmt.Errorf("locate: %w", st.Err)
	}
	return st, nil
}

// Dashboard runs the terminal dashboard until the user quits or ctx ends.
func (a *App) Dashboard(ctx context.Context, watch bool) error {
	cache := a.NewCache(true)
	defer cache.Close()

	theme := kv.Bind(a.store, ThemeKey, a.cfg.UI.Theme)
	defer theme.Close()

	return ui.Run(ctx, ui.Options{
		Locator:      cache,
		Theme:        theme,
		DefaultTheme: a.cfg.UI.Theme,
		Watch:        watch,
		Logger:       a.logger,
	})
}

// KVGet returns the JSON stored under key.
func (a *App) KVGet(key string) (json.RawMessage, bool) {
	raw := kv.Get[json.RawMessage](a.store, key, nil)
	return raw, raw != nil
}

// KVSet stores value under key. Values that are not valid JSON are stored as
// JSON strings.
func (a *App) KVSet(key, value string) error {
	raw := json.RawMessage(value)
	if !json.Valid(raw) {
		quoted, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode value: %w", err)
		}
		raw = quoted
	}
	return kv.Set(a.store, key, raw)
}

// KVRemove deletes key.
func (a *App) KVRemove(key string) error {
	return kv.Remove(a.store, key)
}

// KVWatch calls fn with the value under key, then again after every change until
// ctx ends. A positive debounce collapses bursts of changes into one call with the
// latest value. found is false while the key is absent.
func (a *App) KVWatch(ctx context.Context, key string, debounce time.Duration, fn func(value json.RawMessage, found bool)) error {
	entry := kv.Bind[json.RawMessage](a.store, key, nil)

	emit := func(v json.RawMessage) { fn(v, v != nil) }
	deliver := emit
	var d *coalesce.Debouncer[json.RawMessage]
	if debounce > 0 {
		d = coalesce.NewDebouncer(emit, debounce, coalesce.DebounceOptions{Trailing: true})
		deliver = d.Call
	}

	emit(entry.Value())
	entry.OnChange(deliver)
	a.logger.Debug("watching key", zap.String("key", key), zap.Duration("debounce", debounce))

	<-ctx.Done()

	entry.OnChange(nil)
	entry.Close()
	if d != nil {
		d.Cancel()
	}
	return nil
}
