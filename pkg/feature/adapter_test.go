package feature

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatautomation/internal/bus"
	"chatautomation/internal/cache"
	"chatautomation/internal/clock"
	"chatautomation/internal/metrics"
)

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	collector := metrics.NewCollector(prometheus.NewRegistry())
	b, err := bus.New(zap.NewNop(), collector, 4)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func newTestCache(t *testing.T) (*cache.Cache, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	collector := metrics.NewCollector(prometheus.NewRegistry())
	c := cache.New(cache.Config{MaxPerBucket: 10, Retention: time.Hour}, zap.NewNop(), collector, clk)
	return c, clk
}

func TestBusAdapter_SubscribeConvertsEvents(t *testing.T) {
	inner := newTestBus(t)
	adapted := WrapBus(inner)

	var (
		mu  sync.Mutex
		got *Event
	)
	_, err := adapted.Subscribe("tester", EventMessageReceived, func(ctx context.Context, evt *Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = evt
		return nil
	})
	require.NoError(t, err)

	msg := &Message{ID: "m1", Conversation: "room", Text: "hello"}
	_, err = adapted.Emit(context.Background(), EventMessageReceived, msg)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, EventMessageReceived, got.Name)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Time.IsZero())
	assert.Same(t, msg, got.Payload)
}

func TestBusAdapter_NilHandlerRejected(t *testing.T) {
	adapted := WrapBus(newTestBus(t))

	_, err := adapted.Subscribe("tester", EventMessageReceived, nil)
	assert.Error(t, err)
}

func TestBusAdapter_UnsubscribeAllClearsOwner(t *testing.T) {
	inner := newTestBus(t)
	adapted := WrapBus(inner)

	for _, event := range []string{EventMessageReceived, EventMessageDeleted} {
		_, err := adapted.Subscribe("tester", event, func(ctx context.Context, evt *Event) error {
			return nil
		})
		require.NoError(t, err)
	}
	require.Equal(t, 2, inner.SubscriptionCount("tester"))

	adapted.UnsubscribeAll("tester")
	assert.Equal(t, 0, inner.SubscriptionCount("tester"))
}

func TestBusAdapter_UnsubscribeSingle(t *testing.T) {
	inner := newTestBus(t)
	adapted := WrapBus(inner)

	id, err := adapted.Subscribe("tester", EventMessageReceived, func(ctx context.Context, evt *Event) error {
		return nil
	})
	require.NoError(t, err)

	adapted.Unsubscribe(id)
	assert.Equal(t, 0, inner.SubscriptionCount("tester"))
}

func TestCacheAdapter_RoundTrip(t *testing.T) {
	inner, _ := newTestCache(t)
	adapted := WrapCache(inner)

	payload, err := json.Marshal(&Message{ID: "m1", Text: "hello"})
	require.NoError(t, err)

	adapted.Put("room", "m1", payload)

	entry, ok := adapted.Get("m1")
	require.True(t, ok)
	assert.Equal(t, "m1", entry.ID)
	assert.Equal(t, "room", entry.BucketID)
	assert.JSONEq(t, string(payload), string(entry.Payload))
	assert.False(t, entry.Deleted)

	_, ok = adapted.Get("missing")
	assert.False(t, ok)
}

func TestCacheAdapter_MarkDeleted(t *testing.T) {
	inner, _ := newTestCache(t)
	adapted := WrapCache(inner)

	adapted.Put("room", "m1", json.RawMessage(`{"text":"hi"}`))

	entry, ok := adapted.MarkDeleted("m1")
	require.True(t, ok)
	assert.True(t, entry.Deleted)
	assert.JSONEq(t, `{"text":"hi"}`, string(entry.Payload))

	_, ok = adapted.MarkDeleted("missing")
	assert.False(t, ok)
}

func TestCacheAdapter_ListBucket(t *testing.T) {
	inner, _ := newTestCache(t)
	adapted := WrapCache(inner)

	adapted.Put("room", "m1", json.RawMessage(`1`))
	adapted.Put("room", "m2", json.RawMessage(`2`))
	adapted.Put("other", "m3", json.RawMessage(`3`))

	entries := adapted.ListBucket("room", 0)
	require.Len(t, entries, 2)
	// Newest first
	assert.Equal(t, "m2", entries[0].ID)
	assert.Equal(t, "m1", entries[1].ID)

	assert.Empty(t, adapted.ListBucket("empty", 0))
}

func TestContext_SettingHelpers(t *testing.T) {
	ctx := NewContext(nil, nil, nil, nil, zap.NewNop(), nil, map[string]any{
		"announce": true,
		"hour":     7,
		"ratio":    2.0,
		"label":    "daily",
	})

	assert.True(t, ctx.SettingBool("announce", false))
	assert.False(t, ctx.SettingBool("missing", false))
	assert.Equal(t, 7, ctx.SettingInt("hour", 0))
	assert.Equal(t, 2, ctx.SettingInt("ratio", 0))
	assert.Equal(t, 9, ctx.SettingInt("missing", 9))
	assert.Equal(t, "daily", ctx.SettingString("label", ""))
	assert.Equal(t, "none", ctx.SettingString("missing", "none"))

	// Wrong types fall back to defaults
	assert.False(t, ctx.SettingBool("label", false))
	assert.Equal(t, 3, ctx.SettingInt("label", 3))
}

func TestNewContext_NilSettings(t *testing.T) {
	ctx := NewContext(nil, nil, nil, nil, zap.NewNop(), nil, nil)
	require.NotNil(t, ctx.Settings)
	assert.Empty(t, ctx.Settings)
}
