package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryStore_RoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	value := json.RawMessage(`{"count":3}`)
	require.NoError(t, s.Save(ctx, "activity.counters", value))

	got, err := s.Load(ctx, "activity.counters")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":3}`, string(got))

	// The store must hold its own copy.
	value[2] = 'X'
	got2, err := s.Load(ctx, "activity.counters")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":3}`, string(got2))

	require.NoError(t, s.Delete(ctx, "activity.counters"))
	_, err = s.Load(ctx, "activity.counters")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Deleting again is a no-op.
	require.NoError(t, s.Delete(ctx, "activity.counters"))
	assert.Equal(t, 0, s.Len())
}

func TestFileStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, s.Save(ctx, "cache.snapshot", json.RawMessage(`[1,2,3]`)))

	got, err := s.Load(ctx, "cache.snapshot")
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(got))

	// Overwrite replaces the previous value.
	require.NoError(t, s.Save(ctx, "cache.snapshot", json.RawMessage(`[4]`)))
	got, err = s.Load(ctx, "cache.snapshot")
	require.NoError(t, err)
	assert.JSONEq(t, `[4]`, string(got))

	require.NoError(t, s.Delete(ctx, "cache.snapshot"))
	_, err = s.Load(ctx, "cache.snapshot")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	require.NoError(t, s.Delete(ctx, "cache.snapshot"))
}

func TestFileStore_SanitizesKeys(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "../escape/attempt", json.RawMessage(`true`)))

	got, err := s.Load(ctx, "../escape/attempt")
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(got))
}

func TestNamespaced_IsolatesKeys(t *testing.T) {
	inner := NewMemoryStore()
	ctx := context.Background()

	a := Namespaced(inner, "feature.activity")
	b := Namespaced(inner, "feature.digest")

	require.NoError(t, a.Save(ctx, "state", json.RawMessage(`"a"`)))
	require.NoError(t, b.Save(ctx, "state", json.RawMessage(`"b"`)))

	got, err := a.Load(ctx, "state")
	require.NoError(t, err)
	assert.Equal(t, `"a"`, string(got))

	got, err = b.Load(ctx, "state")
	require.NoError(t, err)
	assert.Equal(t, `"b"`, string(got))

	require.NoError(t, a.Delete(ctx, "state"))
	_, err = a.Load(ctx, "state")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	got, err = b.Load(ctx, "state")
	require.NoError(t, err)
	assert.Equal(t, `"b"`, string(got), "sibling namespace untouched")
}
