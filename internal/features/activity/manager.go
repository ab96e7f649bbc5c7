// Package activity counts messages per conversation and persists the
// totals through the feature's namespaced store.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatautomation/pkg/feature"
)

// storageKey is where the counters live in the feature's store.
const storageKey = "counters"

// topConversations caps how many rows the activity command reports.
const topConversations = 5

// Reader exposes activity counts to features that depend on this one.
// Resolve it through the feature lookup:
//
//	f, _ := ctx.Features.Feature("activity")
//	totals := f.(activity.Reader).Totals()
type Reader interface {
	// Totals returns a copy of the per-conversation message counts.
	Totals() map[string]int64

	// Count returns the message count for one conversation.
	Count(conversation string) int64
}

// Manager implements the activity feature.
type Manager struct {
	ctx    *feature.Context
	logger *zap.Logger

	// Settings
	saveInterval time.Duration

	mu     sync.RWMutex
	counts map[string]int64
	dirty  bool

	// Control channels
	stopChan    chan struct{}
	stoppedChan chan struct{}

	// Lifecycle tracking
	started bool
}

// NewManager creates an activity manager. Dependencies arrive through
// Initialize.
func NewManager() *Manager {
	return &Manager{counts: make(map[string]int64)}
}

// Name returns the feature name.
func (m *Manager) Name() string {
	return "activity"
}

// Initialize captures the runtime context, reads settings and loads the
// persisted counters.
func (m *Manager) Initialize(ctx *feature.Context) error {
	m.ctx = ctx
	m.logger = ctx.Logger
	m.saveInterval = time.Duration(ctx.SettingInt("save_interval_seconds", 300)) * time.Second
	if m.saveInterval <= 0 {
		return fmt.Errorf("save_interval_seconds must be positive")
	}

	data, err := ctx.Storage.Load(context.Background(), storageKey)
	if err != nil {
		if errors.Is(err, feature.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load activity counters: %w", err)
	}
	if err := json.Unmarshal(data, &m.counts); err != nil {
		return fmt.Errorf("failed to decode activity counters: %w", err)
	}
	if m.counts == nil {
		m.counts = make(map[string]int64)
	}
	m.logger.Info("Loaded activity counters", zap.Int("conversations", len(m.counts)))
	return nil
}

// Start launches the periodic save goroutine.
func (m *Manager) Start() error {
	m.stopChan = make(chan struct{})
	m.stoppedChan = make(chan struct{})
	m.started = true

	go m.periodicSave()

	m.logger.Info("Activity tracking started",
		zap.Duration("save_interval", m.saveInterval))
	return nil
}

// Stop halts the save goroutine and flushes the counters.
func (m *Manager) Stop() error {
	if !m.started {
		return nil
	}
	m.started = false

	close(m.stopChan)
	<-m.stoppedChan

	if err := m.save(context.Background()); err != nil {
		return err
	}
	m.logger.Info("Activity tracking stopped")
	return nil
}

// HandleEvent counts one inbound message.
func (m *Manager) HandleEvent(_ context.Context, evt *feature.Event) error {
	msg, ok := evt.Payload.(*feature.Message)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Name)
	}
	if msg.Conversation == "" {
		return nil
	}

	m.mu.Lock()
	m.counts[msg.Conversation]++
	m.dirty = true
	m.mu.Unlock()
	return nil
}

// Commands returns the activity command.
func (m *Manager) Commands() []feature.Command {
	return []feature.Command{
		{
			Name:        "activity",
			Description: "Show the most active conversations",
			Handler:     m.activityCommand,
		},
	}
}

// Totals returns a copy of the per-conversation message counts.
func (m *Manager) Totals() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(m.counts))
	for conversation, n := range m.counts {
		out[conversation] = n
	}
	return out
}

// Count returns the message count for one conversation.
func (m *Manager) Count(conversation string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[conversation]
}

func (m *Manager) periodicSave() {
	defer close(m.stoppedChan)

	for {
		select {
		case <-m.ctx.Clock.After(m.saveInterval):
			if err := m.save(context.Background()); err != nil {
				m.logger.Error("Failed to save activity counters", zap.Error(err))
			}
		case <-m.stopChan:
			return
		}
	}
}

// save persists the counters when they changed since the last save.
func (m *Manager) save(ctx context.Context) error {
	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return nil
	}
	data, err := json.Marshal(m.counts)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to encode activity counters: %w", err)
	}
	m.dirty = false
	m.mu.Unlock()

	if err := m.ctx.Storage.Save(ctx, storageKey, data); err != nil {
		m.mu.Lock()
		m.dirty = true
		m.mu.Unlock()
		return fmt.Errorf("failed to save activity counters: %w", err)
	}
	return nil
}

func (m *Manager) activityCommand(_ context.Context, _ *feature.Invocation) (string, error) {
	totals := m.Totals()
	if len(totals) == 0 {
		return "No activity recorded yet.", nil
	}

	type row struct {
		conversation string
		count        int64
	}
	rows := make([]row, 0, len(totals))
	for conversation, n := range totals {
		rows = append(rows, row{conversation, n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		return rows[i].conversation < rows[j].conversation
	})

	if len(rows) > topConversations {
		rows = rows[:topConversations]
	}

	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, "Most active conversations:")
	for _, r := range rows {
		lines = append(lines, fmt.Sprintf("%s: %d messages", r.conversation, r.count))
	}
	return strings.Join(lines, "\n"), nil
}
