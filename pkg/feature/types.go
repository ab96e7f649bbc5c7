package feature

import (
	"context"
	"encoding/json"
	"time"
)

// Event names used across the runtime. These mirror the constants in the
// internal bus package so that features compiled outside this module can
// subscribe without importing internal code.
const (
	// EventMessageReceived fires for every inbound chat message.
	// Payload: *Message.
	EventMessageReceived = "message.received"

	// EventMessageDeleted fires when the transport reports a message
	// removal. Payload: *Deletion.
	EventMessageDeleted = "message.deleted"

	// EventMessageSend asks the transport to deliver an outbound message.
	// Payload: *Message.
	EventMessageSend = "message.send"

	// EventConnectionOpen and EventConnectionClosed track transport
	// health. Payload: nil.
	EventConnectionOpen   = "connection.open"
	EventConnectionClosed = "connection.closed"

	// Lifecycle notifications published by the feature manager.
	// Payload: *Lifecycle.
	EventFeatureStarted = "feature.started"
	EventFeatureStopped = "feature.stopped"
	EventFeatureError   = "feature.error"
)

// Event is a single bus occurrence delivered to feature handlers.
type Event struct {
	ID      string
	Name    string
	Payload any
	Time    time.Time
}

// Handler processes one event delivered through the bus.
type Handler func(ctx context.Context, evt *Event) error

// Message is the payload of message.received and message.send events.
type Message struct {
	ID           string    `json:"id"`
	Conversation string    `json:"conversation"`
	Sender       string    `json:"sender"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
}

// Deletion is the payload of message.deleted events. TargetID names the
// message being removed, Sender the account that removed it.
type Deletion struct {
	Conversation string `json:"conversation"`
	TargetID     string `json:"target_id"`
	Sender       string `json:"sender"`
}

// Lifecycle is the payload of feature.started, feature.stopped and
// feature.error events.
type Lifecycle struct {
	Feature string `json:"feature"`
	Err     string `json:"err,omitempty"`
}

// CacheEntry is one retained item from the message cache. Payload stays
// available after a soft-delete so features can recover the original
// content.
type CacheEntry struct {
	ID         string          `json:"id"`
	BucketID   string          `json:"bucket_id"`
	Payload    json.RawMessage `json:"payload"`
	InsertedAt time.Time       `json:"inserted_at"`
	Deleted    bool            `json:"deleted"`
	DeletedAt  time.Time       `json:"deleted_at"`
}
