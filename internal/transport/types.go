// Package transport maintains the websocket session with the chat
// gateway. Inbound frames become bus events; message.send events become
// outbound frames. The connection heals itself with exponential backoff.
package transport

import "time"

// Frame types exchanged with the chat gateway.
const (
	// TypeAuthRequired is sent by the gateway immediately after the
	// websocket opens.
	TypeAuthRequired = "auth_required"

	// TypeAuth carries the client token.
	TypeAuth = "auth"

	// TypeAuthOK and TypeAuthInvalid answer an auth frame.
	TypeAuthOK      = "auth_ok"
	TypeAuthInvalid = "auth_invalid"

	// TypeMessage is an inbound chat message.
	TypeMessage = "message"

	// TypeMessageDeleted reports that a previously delivered message
	// was removed. TargetID names the removed message.
	TypeMessageDeleted = "message_deleted"

	// TypeSend asks the gateway to deliver an outbound message.
	TypeSend = "send"
)

// Frame is the envelope for every exchange with the gateway. Fields
// irrelevant to a frame's type are left zero.
type Frame struct {
	Type         string    `json:"type"`
	ID           string    `json:"id,omitempty"`
	Conversation string    `json:"conversation,omitempty"`
	Sender       string    `json:"sender,omitempty"`
	Text         string    `json:"text,omitempty"`
	TargetID     string    `json:"target_id,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
	Token        string    `json:"token,omitempty"`
	Error        string    `json:"error,omitempty"`
}
