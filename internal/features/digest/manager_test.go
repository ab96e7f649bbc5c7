package digest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatautomation/internal/bus"
	"chatautomation/internal/clock"
	"chatautomation/internal/metrics"
	"chatautomation/pkg/feature"
)

// stubActivity stands in for the activity feature in the lookup.
type stubActivity struct {
	totals map[string]int64
}

func (s *stubActivity) Name() string                      { return "activity" }
func (s *stubActivity) Initialize(*feature.Context) error { return nil }
func (s *stubActivity) Start() error                      { return nil }
func (s *stubActivity) Stop() error                       { return nil }

func (s *stubActivity) Totals() map[string]int64 {
	out := make(map[string]int64, len(s.totals))
	for k, v := range s.totals {
		out[k] = v
	}
	return out
}

func (s *stubActivity) Count(conversation string) int64 {
	return s.totals[conversation]
}

// plainFeature implements feature.Feature without the counters.
type plainFeature struct{}

func (plainFeature) Name() string                      { return "activity" }
func (plainFeature) Initialize(*feature.Context) error { return nil }
func (plainFeature) Start() error                      { return nil }
func (plainFeature) Stop() error                       { return nil }

type staticLookup map[string]feature.Feature

func (l staticLookup) Feature(name string) (feature.Feature, bool) {
	f, ok := l[name]
	return f, ok
}

type sendRecorder struct {
	mu   sync.Mutex
	msgs []*feature.Message
}

func (s *sendRecorder) handle(_ context.Context, evt *bus.Event) error {
	msg, ok := evt.Payload.(*feature.Message)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *sendRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *sendRecorder) last() *feature.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return nil
	}
	return s.msgs[len(s.msgs)-1]
}

func newTestManager(t *testing.T, settings map[string]any, lookup feature.Lookup) (*Manager, *clock.MockClock, *sendRecorder) {
	t.Helper()

	logger := zap.NewNop()
	collector := metrics.NewCollector(prometheus.NewRegistry())
	clk := clock.NewMockClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	b, err := bus.New(logger, collector, 4)
	require.NoError(t, err)
	t.Cleanup(b.Close)

	rec := &sendRecorder{}
	_, err = b.Subscribe("test", bus.EventMessageSend, rec.handle)
	require.NoError(t, err)

	m := NewManager()
	ctx := feature.NewContext(feature.WrapBus(b), nil, nil, lookup, logger, clk, settings)
	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Stop() })

	return m, clk, rec
}

func TestManager_ScheduledDigest(t *testing.T) {
	lookup := staticLookup{"activity": &stubActivity{totals: map[string]int64{
		"family-chat": 3,
		"work-chat":   1,
	}}}
	_, clk, rec := newTestManager(t, map[string]any{
		"interval_hours": 1,
		"conversation":   "family-chat",
	}, lookup)

	// Advance inside the poll loop: the schedule re-arms its timer
	// between ticks, so a single jump can land before the timer exists.
	require.Eventually(t, func() bool {
		clk.Advance(time.Hour)
		return rec.count() >= 1
	}, time.Second, 10*time.Millisecond)

	msg := rec.last()
	assert.Equal(t, "family-chat", msg.Conversation)
	assert.Contains(t, msg.Text, "4 messages across 2 conversations")
	assert.Contains(t, msg.Text, "family-chat: 3 messages")

	// The schedule keeps firing.
	require.Eventually(t, func() bool {
		clk.Advance(time.Hour)
		return rec.count() >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestManager_NoConversationConfigured(t *testing.T) {
	lookup := staticLookup{"activity": &stubActivity{totals: map[string]int64{"family-chat": 3}}}
	m, clk, rec := newTestManager(t, map[string]any{"interval_hours": 1}, lookup)

	clk.Advance(2 * time.Hour)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.count())

	// The command still works without a configured conversation.
	reply, err := m.Commands()[0].Handler(context.Background(), &feature.Invocation{})
	require.NoError(t, err)
	assert.Contains(t, reply, "family-chat")
}

func TestManager_DigestCommandOrdersByCount(t *testing.T) {
	lookup := staticLookup{"activity": &stubActivity{totals: map[string]int64{
		"chat-a": 5,
		"chat-b": 9,
		"chat-c": 2,
	}}}
	m, _, _ := newTestManager(t, map[string]any{"conversation": "chat-a"}, lookup)

	reply, err := m.build()
	require.NoError(t, err)

	lines := strings.Split(reply, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Activity digest: 16 messages across 3 conversations.", lines[0])
	assert.Equal(t, "chat-b: 9 messages", lines[1])
	assert.Equal(t, "chat-a: 5 messages", lines[2])
	assert.Equal(t, "chat-c: 2 messages", lines[3])
}

func TestManager_DigestEmptyTotals(t *testing.T) {
	lookup := staticLookup{"activity": &stubActivity{}}
	m, _, _ := newTestManager(t, nil, lookup)

	reply, err := m.build()
	require.NoError(t, err)
	assert.Equal(t, "Activity digest: no messages recorded.", reply)
}

func TestManager_MissingActivityFeature(t *testing.T) {
	m, _, _ := newTestManager(t, nil, staticLookup{})

	_, err := m.build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not available")
}

func TestManager_ActivityWithoutCounters(t *testing.T) {
	m, _, _ := newTestManager(t, nil, staticLookup{"activity": plainFeature{}})

	_, err := m.build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not expose counters")
}

func TestManager_InitializeRejectsBadInterval(t *testing.T) {
	m := NewManager()
	ctx := feature.NewContext(nil, nil, nil, staticLookup{}, zap.NewNop(),
		clock.NewMockClock(time.Now()), map[string]any{"interval_hours": 0})
	require.Error(t, m.Initialize(ctx))
}

func TestManager_StopHaltsSchedule(t *testing.T) {
	lookup := staticLookup{"activity": &stubActivity{totals: map[string]int64{"family-chat": 3}}}
	m, clk, rec := newTestManager(t, map[string]any{
		"interval_hours": 1,
		"conversation":   "family-chat",
	}, lookup)

	require.NoError(t, m.Stop())

	clk.Advance(3 * time.Hour)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.count())
}
