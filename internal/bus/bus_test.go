package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatautomation/internal/metrics"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	logger := zap.NewNop()
	b, err := New(logger, metrics.NewCollector(prometheus.NewRegistry()), 8)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

// recorder collects delivered events safely across pool goroutines.
type recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recorder) handler(_ context.Context, evt *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) last() *Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func TestBus_SubscribeValidation(t *testing.T) {
	b := newTestBus(t)

	tests := []struct {
		name    string
		owner   string
		event   string
		handler Handler
		wantErr error
	}{
		{"empty owner", "", "message.received", (&recorder{}).handler, ErrOwnerName},
		{"blank owner", "   ", "message.received", (&recorder{}).handler, ErrOwnerName},
		{"empty event", "antidelete", "", (&recorder{}).handler, ErrEventName},
		{"blank event", "antidelete", "  ", (&recorder{}).handler, ErrEventName},
		{"nil handler", "antidelete", "message.received", nil, ErrNilHandler},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := b.Subscribe(tt.owner, tt.event, tt.handler)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, id)
		})
	}
}

func TestBus_EmitDeliversToAllSubscribers(t *testing.T) {
	b := newTestBus(t)

	r1 := &recorder{}
	r2 := &recorder{}
	_, err := b.Subscribe("feature-a", "message.received", r1.handler)
	require.NoError(t, err)
	_, err = b.Subscribe("feature-b", "message.received", r2.handler)
	require.NoError(t, err)

	payload := map[string]string{"text": "hello"}
	settled, err := b.Emit(context.Background(), "message.received", payload)
	require.NoError(t, err)

	assert.Equal(t, 1, r1.count())
	assert.Equal(t, 1, r2.count())
	assert.Equal(t, payload, settled)

	evt := r1.last()
	require.NotNil(t, evt)
	assert.Equal(t, "message.received", evt.Name)
	assert.NotEmpty(t, evt.ID)
	assert.False(t, evt.Time.IsZero())
}

func TestBus_EmitEmptyName(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Emit(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrEventName)

	_, err = b.Emit(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, ErrEventName)
}

func TestBus_EmitNoSubscribers(t *testing.T) {
	b := newTestBus(t)

	settled, err := b.Emit(context.Background(), "message.received", "payload")
	require.NoError(t, err)
	assert.Equal(t, "payload", settled)

	m, ok := b.Metrics("message.received")
	require.True(t, ok)
	assert.Equal(t, uint64(1), m.Emitted)
}

func TestBus_HandlerFailureIsolated(t *testing.T) {
	b := newTestBus(t)

	good := &recorder{}
	_, err := b.Subscribe("bad", "message.received", func(context.Context, *Event) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("good", "message.received", good.handler)
	require.NoError(t, err)

	_, err = b.Emit(context.Background(), "message.received", nil)
	require.NoError(t, err, "handler failure must not fail the emit")
	assert.Equal(t, 1, good.count(), "sibling handler still runs")

	m, ok := b.Metrics("message.received")
	require.True(t, ok)
	assert.Equal(t, uint64(1), m.HandlerErrors)
}

func TestBus_HandlerPanicIsolated(t *testing.T) {
	b := newTestBus(t)

	good := &recorder{}
	_, err := b.Subscribe("panicky", "message.received", func(context.Context, *Event) error {
		panic("handler exploded")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("good", "message.received", good.handler)
	require.NoError(t, err)

	_, err = b.Emit(context.Background(), "message.received", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, good.count())

	m, _ := b.Metrics("message.received")
	assert.Equal(t, uint64(1), m.HandlerErrors)
}

func TestBus_UnsubscribeAll(t *testing.T) {
	b := newTestBus(t)

	r := &recorder{}
	_, err := b.Subscribe("antidelete", "message.received", r.handler)
	require.NoError(t, err)
	_, err = b.Subscribe("antidelete", "message.deleted", r.handler)
	require.NoError(t, err)
	_, err = b.Subscribe("activity", "message.received", r.handler)
	require.NoError(t, err)

	assert.Equal(t, 2, b.SubscriptionCount("antidelete"))

	b.UnsubscribeAll("antidelete")
	assert.Equal(t, 0, b.SubscriptionCount("antidelete"))
	assert.Equal(t, 1, b.SubscriptionCount("activity"), "other owners untouched")

	// Idempotent.
	b.UnsubscribeAll("antidelete")
	assert.Equal(t, 0, b.SubscriptionCount("antidelete"))

	_, err = b.Emit(context.Background(), "message.received", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, r.count(), "only the remaining owner's handler ran")
}

func TestBus_UnsubscribeSingle(t *testing.T) {
	b := newTestBus(t)

	r := &recorder{}
	id1, err := b.Subscribe("digest", "message.received", r.handler)
	require.NoError(t, err)
	_, err = b.Subscribe("digest", "message.deleted", r.handler)
	require.NoError(t, err)

	b.Unsubscribe(id1)
	assert.Equal(t, 1, b.SubscriptionCount("digest"))

	// Unknown id is a no-op.
	b.Unsubscribe("not-a-subscription")
	assert.Equal(t, 1, b.SubscriptionCount("digest"))

	infos := b.Subscriptions("digest")
	require.Len(t, infos, 1)
	assert.Equal(t, "message.deleted", infos[0].Event)
}

func TestBus_PreMiddlewareTransformsPayload(t *testing.T) {
	b := newTestBus(t)

	r := &recorder{}
	_, err := b.Subscribe("feature", "message.received", r.handler)
	require.NoError(t, err)

	_, err = b.RegisterMiddleware("message.received", PhasePre, func(_ context.Context, p any) (any, error) {
		return p.(string) + "-first", nil
	})
	require.NoError(t, err)
	_, err = b.RegisterMiddleware("message.received", PhasePre, func(_ context.Context, p any) (any, error) {
		return p.(string) + "-second", nil
	})
	require.NoError(t, err)

	settled, err := b.Emit(context.Background(), "message.received", "base")
	require.NoError(t, err)

	assert.Equal(t, "base-first-second", settled, "chain runs in registration order")
	evt := r.last()
	require.NotNil(t, evt)
	assert.Equal(t, "base-first-second", evt.Payload, "handlers see the transformed payload")
}

func TestBus_PostMiddlewareSeesSettledPayloadNotHandlerMutations(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Subscribe("mutator", "message.received", func(_ context.Context, evt *Event) error {
		evt.Payload = "mutated-by-handler"
		return nil
	})
	require.NoError(t, err)

	var postSaw any
	_, err = b.RegisterMiddleware("message.received", PhasePost, func(_ context.Context, p any) (any, error) {
		postSaw = p
		return p, nil
	})
	require.NoError(t, err)

	_, err = b.RegisterMiddleware("message.received", PhasePre, func(_ context.Context, p any) (any, error) {
		return p.(string) + "-pre", nil
	})
	require.NoError(t, err)

	settled, err := b.Emit(context.Background(), "message.received", "base")
	require.NoError(t, err)

	assert.Equal(t, "base-pre", postSaw, "post phase works on the pre-handler payload")
	assert.Equal(t, "base-pre", settled)
}

func TestBus_MiddlewareFailureSkipsTransform(t *testing.T) {
	b := newTestBus(t)

	_, err := b.RegisterMiddleware("message.received", PhasePre, func(_ context.Context, p any) (any, error) {
		return nil, errors.New("transform broke")
	})
	require.NoError(t, err)
	_, err = b.RegisterMiddleware("message.received", PhasePre, func(_ context.Context, p any) (any, error) {
		return p.(string) + "-ok", nil
	})
	require.NoError(t, err)

	settled, err := b.Emit(context.Background(), "message.received", "base")
	require.NoError(t, err)
	assert.Equal(t, "base-ok", settled, "failed link leaves payload unchanged, chain continues")

	m, _ := b.Metrics("message.received")
	assert.Equal(t, uint64(1), m.MiddlewareErrors)
}

func TestBus_MiddlewarePanicTreatedAsFailure(t *testing.T) {
	b := newTestBus(t)

	_, err := b.RegisterMiddleware("message.received", PhasePre, func(context.Context, any) (any, error) {
		panic("transform exploded")
	})
	require.NoError(t, err)

	settled, err := b.Emit(context.Background(), "message.received", "base")
	require.NoError(t, err)
	assert.Equal(t, "base", settled)

	m, _ := b.Metrics("message.received")
	assert.Equal(t, uint64(1), m.MiddlewareErrors)
}

func TestBus_RegisterMiddlewareValidation(t *testing.T) {
	b := newTestBus(t)

	_, err := b.RegisterMiddleware("", PhasePre, func(_ context.Context, p any) (any, error) { return p, nil })
	assert.ErrorIs(t, err, ErrEventName)

	_, err = b.RegisterMiddleware("message.received", Phase("during"), func(_ context.Context, p any) (any, error) { return p, nil })
	assert.ErrorIs(t, err, ErrPhase)

	_, err = b.RegisterMiddleware("message.received", PhasePre, nil)
	assert.ErrorIs(t, err, ErrNilTransform)
}

func TestBus_UnregisterMiddlewarePreservesOrder(t *testing.T) {
	b := newTestBus(t)

	_, err := b.RegisterMiddleware("message.received", PhasePre, func(_ context.Context, p any) (any, error) {
		return p.(string) + "-a", nil
	})
	require.NoError(t, err)
	idB, err := b.RegisterMiddleware("message.received", PhasePre, func(_ context.Context, p any) (any, error) {
		return p.(string) + "-b", nil
	})
	require.NoError(t, err)
	_, err = b.RegisterMiddleware("message.received", PhasePre, func(_ context.Context, p any) (any, error) {
		return p.(string) + "-c", nil
	})
	require.NoError(t, err)

	b.UnregisterMiddleware(idB)
	pre, post := b.MiddlewareCount("message.received")
	assert.Equal(t, 2, pre)
	assert.Equal(t, 0, post)

	settled, err := b.Emit(context.Background(), "message.received", "x")
	require.NoError(t, err)
	assert.Equal(t, "x-a-c", settled)

	// Unknown id is a no-op.
	b.UnregisterMiddleware("missing")
}

func TestBus_MetricsAccumulate(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Subscribe("slow", "message.send", func(context.Context, *Event) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := b.Emit(context.Background(), "message.send", i)
		require.NoError(t, err)
	}

	m, ok := b.Metrics("message.send")
	require.True(t, ok)
	assert.Equal(t, uint64(3), m.Emitted)
	assert.Zero(t, m.HandlerErrors)
	assert.GreaterOrEqual(t, m.TotalDuration, 6*time.Millisecond)
	assert.GreaterOrEqual(t, m.AvgDuration(), 2*time.Millisecond)

	all := b.AllMetrics()
	assert.Contains(t, all, "message.send")

	_, ok = b.Metrics("never.emitted")
	assert.False(t, ok)
}

func TestBus_ConcurrentEmits(t *testing.T) {
	b := newTestBus(t)

	r := &recorder{}
	_, err := b.Subscribe("feature", "message.received", r.handler)
	require.NoError(t, err)

	const emitters = 10
	const perEmitter = 20

	var wg sync.WaitGroup
	for i := 0; i < emitters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < perEmitter; j++ {
				_, err := b.Emit(context.Background(), "message.received", fmt.Sprintf("%d-%d", n, j))
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, emitters*perEmitter, r.count())

	m, _ := b.Metrics("message.received")
	assert.Equal(t, uint64(emitters*perEmitter), m.Emitted)
}

func TestBus_EmitAfterCloseRunsInline(t *testing.T) {
	logger := zap.NewNop()
	b, err := New(logger, metrics.NewCollector(prometheus.NewRegistry()), 4)
	require.NoError(t, err)

	r := &recorder{}
	_, err = b.Subscribe("feature", "message.received", r.handler)
	require.NoError(t, err)

	b.Close()

	_, err = b.Emit(context.Background(), "message.received", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, r.count(), "delivery falls back to the emitting goroutine")
}
