package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/five82/asyncstate/internal/config"
	"github.com/five82/asyncstate/internal/geo"
)

type stubProvider struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *stubProvider) CurrentPosition(context.Context, geo.PositionOptions) (geo.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return geo.Position{}, p.err
	}
	return geo.Position{
		Coords:    geo.Coords{Latitude: 48.8584, Longitude: 2.2945, Accuracy: 50},
		Timestamp: time.Now(),
	}, nil
}

func (p *stubProvider) Watch(context.Context, geo.PositionOptions, func(geo.Position), func(error)) (func(), error) {
	return func() {}, nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Store.Medium = config.MediumMemory
	cfg.Store.Channel = config.ChannelLocal
	cfg.Retry.Count = 0
	return &cfg
}

func newTestApp(t *testing.T, cfg *config.Config, provider geo.Provider) *App {
	t.Helper()
	a, err := New(Options{Config: cfg, Provider: provider, LogOutput: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	return a
}

func TestLocate_SecondCallServedFromCache(t *testing.T) {
	provider := &stubProvider{}
	a := newTestApp(t, memoryConfig(), provider)

	first, err := a.Locate(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, first.HasCoords)
	assert.False(t, first.FromCache)

	second, err := a.Locate(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Coords, second.Coords)
	assert.Equal(t, 1, provider.callCount())

	_, err = a.Locate(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, provider.callCount(), "refresh bypasses the cache")
}

func TestLocate_ReturnsProviderError(t *testing.T) {
	provider := &stubProvider{err: &geo.ProviderError{Code: geo.PositionUnavailable}}
	a := newTestApp(t, memoryConfig(), provider)

	st, err := a.Locate(context.Background(), false)
	require.Error(t, err)
	var pe *geo.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, geo.PositionUnavailable, pe.Code)
	assert.False(t, st.HasCoords)
}

func TestKV_SetGetRemove(t *testing.T) {
	a := newTestApp(t, memoryConfig(), &stubProvider{})

	_, found := a.KVGet("greeting")
	assert.False(t, found)

	require.NoError(t, a.KVSet("greeting", "hello"))
	raw, found := a.KVGet("greeting")
	require.True(t, found)
	assert.JSONEq(t, `"hello"`, string(raw))

	require.NoError(t, a.KVSet("limits", `{"max": 3}`))
	raw, _ = a.KVGet("limits")
	assert.JSONEq(t, `{"max":3}`, string(raw))

	require.NoError(t, a.KVRemove("greeting"))
	_, found = a.KVGet("greeting")
	assert.False(t, found)
}

func TestKVWatch_DebouncesBursts(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		a := newTestApp(t, memoryConfig(), &stubProvider{})

		var (
			mu   sync.Mutex
			seen []string
		)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- a.KVWatch(ctx, "counter", 200*time.Millisecond, func(v json.RawMessage, found bool) {
				mu.Lock()
				defer mu.Unlock()
				if !found {
					seen = append(seen, "<absent>")
					return
				}
				seen = append(seen, string(v))
			})
		}()
		synctest.Wait()

		// Writes from a second store sharing the medium and channel.
		other := newTestAppSharing(t, a)
		for i := 1; i <= 3; i++ {
			require.NoError(t, other.KVSet("counter", string(rune('0'+i))))
			time.Sleep(50 * time.Millisecond)
		}
		time.Sleep(time.Second)

		cancel()
		require.NoError(t, <-done)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"<absent>", "3"}, seen)
	})
}

// newTestAppSharing returns an App whose store shares a's medium and channel,
// standing in for a second process.
func newTestAppSharing(t *testing.T, a *App) *App {
	t.Helper()
	b := &App{cfg: a.cfg, logger: a.logger, registry: a.registry, metrics: a.metrics}
	b.medium, b.channel = a.medium, a.channel
	b.store = b.newStore()
	return b
}

func TestNew_OpensConfiguredMedia(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		medium  string
		channel string
		path    string
	}{
		{"file with watcher", config.MediumFile, config.ChannelFile, filepath.Join(dir, "store.toml")},
		{"sqlite with local bus", config.MediumSQLite, config.ChannelLocal, filepath.Join(dir, "nested", "store.db")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := memoryConfig()
			cfg.Store.Medium, cfg.Store.Channel, cfg.Store.Path = tt.medium, tt.channel, tt.path
			a := newTestApp(t, cfg, &stubProvider{})

			require.NoError(t, a.KVSet("k", "1"))
			raw, found := a.KVGet("k")
			require.True(t, found)
			assert.JSONEq(t, `1`, string(raw))
			assert.FileExists(t, tt.path)
		})
	}
}

func TestNew_RejectsFileChannelWithoutFileMedium(t *testing.T) {
	cfg := memoryConfig()
	cfg.Store.Channel = config.ChannelFile
	_, err := New(Options{Config: cfg, Provider: &stubProvider{}, LogOutput: io.Discard})
	require.Error(t, err)
}

func TestNew_ServesMetrics(t *testing.T) {
	a, err := New(Options{
		Config:      memoryConfig(),
		Provider:    &stubProvider{},
		LogOutput:   io.Discard,
		MetricsAddr: "127.0.0.1:0",
	})
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.KVSet("k", "1"))

	resp, err := http.Get("http://" + a.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "kv_writes_total")
}
