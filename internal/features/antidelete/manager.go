// Package antidelete caches every inbound message and republishes the
// content of messages their senders delete.
package antidelete

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"chatautomation/pkg/feature"
)

// maxRecovered caps how many deleted messages the recover command lists.
const maxRecovered = 5

// Manager implements the antidelete feature.
type Manager struct {
	ctx    *feature.Context
	logger *zap.Logger

	// Settings
	announce bool

	// Lifecycle tracking
	started bool
}

// NewManager creates an antidelete manager. Dependencies arrive through
// Initialize.
func NewManager() *Manager {
	return &Manager{}
}

// Name returns the feature name.
func (m *Manager) Name() string {
	return "antidelete"
}

// Initialize captures the runtime context and reads settings.
func (m *Manager) Initialize(ctx *feature.Context) error {
	m.ctx = ctx
	m.logger = ctx.Logger
	m.announce = ctx.SettingBool("announce", true)
	return nil
}

// Start marks the feature active. Event subscriptions are managed by
// the feature manager from the declared event list.
func (m *Manager) Start() error {
	m.started = true
	m.logger.Info("Antidelete started", zap.Bool("announce", m.announce))
	return nil
}

// Stop marks the feature inactive.
func (m *Manager) Stop() error {
	if !m.started {
		return nil
	}
	m.started = false
	m.logger.Info("Antidelete stopped")
	return nil
}

// HandleEvent caches inbound messages and recovers deleted ones.
func (m *Manager) HandleEvent(ctx context.Context, evt *feature.Event) error {
	switch evt.Name {
	case feature.EventMessageReceived:
		msg, ok := evt.Payload.(*feature.Message)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Name)
		}
		return m.cacheMessage(msg)

	case feature.EventMessageDeleted:
		del, ok := evt.Payload.(*feature.Deletion)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Name)
		}
		return m.recoverMessage(ctx, del)
	}
	return nil
}

// Commands returns the recover command.
func (m *Manager) Commands() []feature.Command {
	return []feature.Command{
		{
			Name:        "recover",
			Description: "List recently deleted messages in this conversation",
			Handler:     m.recoverCommand,
		},
	}
}

func (m *Manager) cacheMessage(msg *feature.Message) error {
	if msg.ID == "" || msg.Conversation == "" {
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	m.ctx.Cache.Put(msg.Conversation, msg.ID, payload)
	return nil
}

func (m *Manager) recoverMessage(ctx context.Context, del *feature.Deletion) error {
	entry, ok := m.ctx.Cache.MarkDeleted(del.TargetID)
	if !ok {
		m.logger.Debug("Deleted message not in cache",
			zap.String("target_id", del.TargetID))
		return nil
	}

	var msg feature.Message
	if err := json.Unmarshal(entry.Payload, &msg); err != nil {
		return fmt.Errorf("failed to decode cached message: %w", err)
	}

	m.logger.Info("Recovered deleted message",
		zap.String("conversation", entry.BucketID),
		zap.String("id", entry.ID),
		zap.String("deleted_by", del.Sender))

	if !m.announce {
		return nil
	}

	conversation := del.Conversation
	if conversation == "" {
		conversation = entry.BucketID
	}

	text := fmt.Sprintf("%s deleted a message from %s: %s", del.Sender, msg.Sender, msg.Text)
	_, err := m.ctx.Bus.Emit(ctx, feature.EventMessageSend, &feature.Message{
		Conversation: conversation,
		Text:         text,
	})
	return err
}

func (m *Manager) recoverCommand(_ context.Context, inv *feature.Invocation) (string, error) {
	entries := m.ctx.Cache.ListBucket(inv.Conversation, 0)

	var lines []string
	for _, entry := range entries {
		if !entry.Deleted {
			continue
		}
		var msg feature.Message
		if err := json.Unmarshal(entry.Payload, &msg); err != nil {
			m.logger.Warn("Skipping undecodable cache entry",
				zap.String("id", entry.ID), zap.Error(err))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", msg.Sender, msg.Text))
		if len(lines) == maxRecovered {
			break
		}
	}

	if len(lines) == 0 {
		return "No deleted messages cached for this conversation.", nil
	}
	return "Recently deleted:\n" + strings.Join(lines, "\n"), nil
}
