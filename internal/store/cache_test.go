package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/expz/internal/core"
)

type memoryBacking struct {
	mu      sync.Mutex
	data    map[string]map[string]json.RawMessage
	loadErr error
}

func newMemoryBacking() *memoryBacking {
	return &memoryBacking{data: make(map[string]map[string]json.RawMessage)}
}

func (m *memoryBacking) Load(_ context.Context, namespace string) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := make(map[string]json.RawMessage, len(m.data[namespace]))
	for key, value := range m.data[namespace] {
		out[key] = value
	}
	return out, nil
}

func (m *memoryBacking) Save(_ context.Context, namespace string, items map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[namespace] = items
	return nil
}

func TestCacheOperations(t *testing.T) {
	t.Parallel()

	cache := NewCache[core.Variant]("ns", nil)

	_, ok := cache.Get("a")
	assert.False(t, ok)

	cache.Put("a", core.Variant{Key: "on"})
	cache.PutAll(map[string]core.Variant{"b": {Key: "off"}, "a": {Key: "treatment"}})

	got, ok := cache.Get("a")
	require.True(t, ok)
	assert.Equal(t, "treatment", got.Key)
	assert.Equal(t, 2, cache.Len())

	cache.Replace(map[string]core.Variant{"c": {Key: "x"}})
	_, ok = cache.Get("a")
	assert.False(t, ok)
	assert.Equal(t, map[string]core.Variant{"c": {Key: "x"}}, cache.GetAll())

	cache.Clear()
	assert.Equal(t, 0, cache.Len())
}

func TestCacheReplaceKeys(t *testing.T) {
	t.Parallel()

	cache := NewCache[core.Variant]("ns", nil)
	cache.Replace(map[string]core.Variant{
		"a": {Key: "on"},
		"b": {Key: "on"},
		"c": {Key: "on"},
	})

	cache.ReplaceKeys([]string{"a", "b"}, map[string]core.Variant{"a": {Key: "off"}, "d": {Key: "new"}})

	assert.Equal(t, map[string]core.Variant{
		"a": {Key: "off"},
		"c": {Key: "on"},
		"d": {Key: "new"},
	}, cache.GetAll())
}

func TestCacheGetAllReturnsCopy(t *testing.T) {
	t.Parallel()

	cache := NewCache[core.Variant]("ns", nil)
	cache.Put("a", core.Variant{Key: "on"})

	all := cache.GetAll()
	all["b"] = core.Variant{Key: "injected"}

	_, ok := cache.Get("b")
	assert.False(t, ok)
}

func TestCacheReplaceIsAtomicForReaders(t *testing.T) {
	t.Parallel()

	cache := NewCache[int]("ns", nil)
	first := map[string]int{"a": 1, "b": 1, "c": 1}
	second := map[string]int{"a": 2, "b": 2, "c": 2}
	cache.Replace(first)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if i%2 == 0 {
				cache.Replace(second)
			} else {
				cache.Replace(first)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			snapshot := cache.GetAll()
			assert.True(t, snapshot["a"] == snapshot["b"] && snapshot["b"] == snapshot["c"], "torn snapshot %v", snapshot)
		}
	}()
	wg.Wait()
}

func TestCachePersistAndLoad(t *testing.T) {
	t.Parallel()

	backing := newMemoryBacking()
	cache := NewCache[core.Variant]("expz-test-variants", backing)
	cache.PutAll(map[string]core.Variant{"a": {Key: "on", Value: "on"}})
	require.NoError(t, cache.Persist(context.Background()))

	restored := NewCache[core.Variant]("expz-test-variants", backing)
	require.NoError(t, restored.Load(context.Background()))
	assert.Equal(t, cache.GetAll(), restored.GetAll())
}

func TestCacheLoadMigratesLegacyVariants(t *testing.T) {
	t.Parallel()

	backing := newMemoryBacking()
	backing.data["ns"] = map[string]json.RawMessage{
		"legacy-string": json.RawMessage(`"on"`),
		"legacy-v1":     json.RawMessage(`{"value":"off","payload":1}`),
		"broken":        json.RawMessage(`[1,2]`),
	}

	cache := NewCache[core.Variant]("ns", backing)
	err := cache.Load(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUnsupportedVariant)
	assert.Equal(t, map[string]core.Variant{
		"legacy-string": {Key: "on", Value: "on"},
		"legacy-v1":     {Key: "off", Value: "off", Payload: float64(1)},
	}, cache.GetAll())
}

func TestCacheLoadBackingError(t *testing.T) {
	t.Parallel()

	backing := newMemoryBacking()
	backing.loadErr = errors.New("disk gone")
	cache := NewCache[core.Variant]("ns", backing)
	cache.Put("a", core.Variant{Key: "kept"})

	err := cache.Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, cache.Len())
}

func TestNamespace(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "expz-client-abc-variants", Namespace("client-abc", "variants"))
	assert.Equal(t, "expz-0123456789-flags", Namespace("0123456789abcdef", "flags"))
}

func TestBoltBacking(t *testing.T) {
	t.Parallel()

	backing, err := OpenBolt(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backing.Close() })

	ctx := context.Background()

	empty, err := backing.Load(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, backing.Save(ctx, "ns", map[string]json.RawMessage{
		"a": json.RawMessage(`{"key":"on"}`),
		"b": json.RawMessage(`{"key":"off"}`),
	}))
	require.NoError(t, backing.Save(ctx, "ns", map[string]json.RawMessage{
		"c": json.RawMessage(`{"key":"x"}`),
	}))

	got, err := backing.Load(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, map[string]json.RawMessage{"c": json.RawMessage(`{"key":"x"}`)}, got)

	flags := NewCache[core.FlagConfig]("flags", backing)
	flags.Put("f", core.FlagConfig{Key: "f", Segments: []core.Segment{{Variant: "on"}}})
	require.NoError(t, flags.Persist(ctx))

	restored := NewCache[core.FlagConfig]("flags", backing)
	require.NoError(t, restored.Load(ctx))
	restoredFlag, ok := restored.Get("f")
	require.True(t, ok)
	assert.Equal(t, "on", restoredFlag.Segments[0].Variant)
}
