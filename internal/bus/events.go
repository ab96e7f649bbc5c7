package bus

import "time"

// Event names used across the runtime. Features and collaborators agree on
// these by convention; the bus itself treats names as opaque strings.
const (
	// EventMessageReceived fires for every inbound chat message.
	EventMessageReceived = "message.received"

	// EventMessageDeleted fires when the transport reports a message removal.
	EventMessageDeleted = "message.deleted"

	// EventMessageSend asks the transport to deliver an outbound message.
	EventMessageSend = "message.send"

	// EventConnectionOpen and EventConnectionClosed track transport health.
	EventConnectionOpen   = "connection.open"
	EventConnectionClosed = "connection.closed"

	// Lifecycle notifications published by the feature manager.
	EventFeatureStarted = "feature.started"
	EventFeatureStopped = "feature.stopped"
	EventFeatureError   = "feature.error"
)

// Event is a single occurrence delivered to subscribed handlers. Payload is
// opaque to the bus; emitters and subscribers agree on its shape per event
// name.
type Event struct {
	ID      string
	Name    string
	Payload any
	Time    time.Time
}
