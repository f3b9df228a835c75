package kv

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/five82/asyncstate/internal/metrics"
)

type settings struct {
	Volume int    `json:"volume"`
	Locale string `json:"locale"`
}

func newPair(t *testing.T) (*Store, *Store, *MemoryMedium) {
	t.Helper()
	medium := NewMemoryMedium()
	bus := NewBus()
	t.Cleanup(func() { _ = bus.Close() })
	a := NewStore(medium, bus, StoreOptions{Origin: "a"})
	b := NewStore(medium, bus, StoreOptions{Origin: "b"})
	return a, b, medium
}

func TestStore_CrossContextPropagation(t *testing.T) {
	a, b, _ := newPair(t)

	entry := Bind(b, "settings", settings{Volume: 5})
	defer entry.Close()

	var seen []settings
	entry.OnChange(func(v settings) { seen = append(seen, v) })

	want := settings{Volume: 9, Locale: "ar"}
	require.NoError(t, Set(a, "settings", want))

	assert.Equal(t, want, entry.Value())
	assert.Equal(t, want, Get(b, "settings", settings{}))
	assert.Equal(t, []settings{want}, seen)
}

func TestStore_GetMissingReturnsDefault(t *testing.T) {
	s := NewStore(NewMemoryMedium(), nil, StoreOptions{})
	assert.Equal(t, "fallback", Get(s, "absent", "fallback"))
	assert.NotEmpty(t, s.Origin())
}

func TestStore_MalformedValueYieldsDefault(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	medium := NewMemoryMedium()
	s := NewStore(medium, NewBus(), StoreOptions{Logger: zap.New(core), Metrics: m.KV})

	require.NoError(t, medium.Save("settings", []byte("{volume:")))

	got := Get(s, "settings", settings{Volume: 3})
	assert.Equal(t, settings{Volume: 3}, got)

	warnings := logs.FilterMessage("stored value is not decodable, using default").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "settings", warnings[0].ContextMap()["key"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KV.DecodeFailures))
}

func TestStore_WrongTypeYieldsDefault(t *testing.T) {
	s := NewStore(NewMemoryMedium(), nil, StoreOptions{})
	require.NoError(t, Set(s, "count", "not a number"))
	assert.Equal(t, 7, Get(s, "count", 7))
}

type failingMedium struct {
	*MemoryMedium
	err error
}

func (f failingMedium) Load(string) ([]byte, bool, error) { return nil, false, f.err }
func (f failingMedium) Save(string, []byte) error          { return f.err }

func TestStore_MediumErrors(t *testing.T) {
	boom := errors.New("disk full")
	s := NewStore(failingMedium{MemoryMedium: NewMemoryMedium(), err: boom}, nil, StoreOptions{})

	assert.Equal(t, "def", Get(s, "k", "def"))

	err := Set(s, "k", "v")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	entry := Bind(s, "k", "def")
	defer entry.Close()
	require.ErrorIs(t, entry.Set("v"), boom)
	assert.Equal(t, "def", entry.Value())
}

func TestStore_PublishErrorAfterWrite(t *testing.T) {
	medium := NewMemoryMedium()
	bus := NewBus()
	s := NewStore(medium, bus, StoreOptions{})
	require.NoError(t, bus.Close())

	err := Set(s, "k", 1)
	require.ErrorIs(t, err, ErrChannelClosed)
	assert.Equal(t, 1, Get(s, "k", 0), "medium write should survive a failed publish")
}

func TestRemove_ClearsAndNotifies(t *testing.T) {
	a, b, medium := newPair(t)
	require.NoError(t, Set(a, "k", "v"))

	entry := Bind(b, "k", "def")
	defer entry.Close()
	require.Equal(t, "v", entry.Value())

	require.NoError(t, Remove(a, "k"))

	assert.Equal(t, "def", entry.Value())
	_, ok, err := medium.Load("k")
	require.NoError(t, err)
	assert.False(t, ok)
}
