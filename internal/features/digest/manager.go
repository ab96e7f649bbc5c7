// Package digest posts a periodic summary of conversation activity. It
// depends on the activity feature and reads its counters through the
// feature lookup.
package digest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"chatautomation/internal/features/activity"
	"chatautomation/pkg/feature"
)

// Manager implements the digest feature.
type Manager struct {
	ctx    *feature.Context
	logger *zap.Logger

	// Settings
	interval     time.Duration
	conversation string

	// Control channels
	stopChan    chan struct{}
	stoppedChan chan struct{}

	// Lifecycle tracking
	started bool
}

// NewManager creates a digest manager. Dependencies arrive through
// Initialize.
func NewManager() *Manager {
	return &Manager{}
}

// Name returns the feature name.
func (m *Manager) Name() string {
	return "digest"
}

// Initialize captures the runtime context and reads settings.
func (m *Manager) Initialize(ctx *feature.Context) error {
	m.ctx = ctx
	m.logger = ctx.Logger

	hours := ctx.SettingInt("interval_hours", 24)
	if hours <= 0 {
		return fmt.Errorf("interval_hours must be positive, got %d", hours)
	}
	m.interval = time.Duration(hours) * time.Hour
	m.conversation = ctx.SettingString("conversation", "")
	return nil
}

// Start launches the digest schedule. Without a configured conversation
// the schedule idles and only the digest command works.
func (m *Manager) Start() error {
	m.stopChan = make(chan struct{})
	m.stoppedChan = make(chan struct{})
	m.started = true

	if m.conversation == "" {
		m.logger.Warn("No digest conversation configured, scheduled digests disabled")
	}

	go m.loop()

	m.logger.Info("Digest scheduler started", zap.Duration("interval", m.interval))
	return nil
}

// Stop halts the digest schedule.
func (m *Manager) Stop() error {
	if !m.started {
		return nil
	}
	m.started = false

	close(m.stopChan)
	<-m.stoppedChan

	m.logger.Info("Digest scheduler stopped")
	return nil
}

// Commands returns the digest command.
func (m *Manager) Commands() []feature.Command {
	return []feature.Command{
		{
			Name:        "digest",
			Description: "Show the activity digest now",
			Handler: func(_ context.Context, _ *feature.Invocation) (string, error) {
				return m.build()
			},
		},
	}
}

func (m *Manager) loop() {
	defer close(m.stoppedChan)

	for {
		select {
		case <-m.ctx.Clock.After(m.interval):
			if m.conversation == "" {
				continue
			}
			if err := m.send(context.Background()); err != nil {
				m.logger.Error("Failed to send digest", zap.Error(err))
			}
		case <-m.stopChan:
			return
		}
	}
}

// send posts the digest to the configured conversation.
func (m *Manager) send(ctx context.Context) error {
	text, err := m.build()
	if err != nil {
		return err
	}
	_, err = m.ctx.Bus.Emit(ctx, feature.EventMessageSend, &feature.Message{
		Conversation: m.conversation,
		Text:         text,
	})
	return err
}

// build renders the digest from the activity feature's counters.
func (m *Manager) build() (string, error) {
	f, ok := m.ctx.Features.Feature("activity")
	if !ok {
		return "", fmt.Errorf("activity feature is not available")
	}
	reader, ok := f.(activity.Reader)
	if !ok {
		return "", fmt.Errorf("activity feature does not expose counters")
	}

	totals := reader.Totals()
	if len(totals) == 0 {
		return "Activity digest: no messages recorded.", nil
	}

	type row struct {
		conversation string
		count        int64
	}
	rows := make([]row, 0, len(totals))
	var total int64
	for conversation, n := range totals {
		rows = append(rows, row{conversation, n})
		total += n
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		return rows[i].conversation < rows[j].conversation
	})

	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, fmt.Sprintf("Activity digest: %d messages across %d conversations.", total, len(rows)))
	for _, r := range rows {
		lines = append(lines, fmt.Sprintf("%s: %d messages", r.conversation, r.count))
	}
	return strings.Join(lines, "\n"), nil
}
