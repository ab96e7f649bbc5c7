// Package feature defines the public feature API and registry for the chat
// automation runtime. Features can register themselves with the global
// registry using init() functions, allowing for compile-time feature
// selection and override mechanisms for private implementations.
package feature

import "context"

// Feature is the core interface that all features must implement.
// Features encapsulate one unit of chat behavior (e.g. message recovery,
// activity tracking, scheduled digests) and are driven through a fixed
// lifecycle by the feature manager: Initialize, then Start, then Stop.
type Feature interface {
	// Name returns the unique identifier for this feature.
	// This name is used for registration, dependency resolution and logging.
	Name() string

	// Initialize prepares the feature with its runtime dependencies.
	// Called exactly once, before Start. The feature should validate its
	// settings and restore persisted state here, but must not subscribe
	// to events or begin acting yet.
	Initialize(ctx *Context) error

	// Start begins the feature's operation.
	// - Starts any background goroutines
	// - Returns error if the feature cannot begin operating
	// Event subscriptions declared in the registration Info are set up by
	// the manager; Start only needs to handle work beyond those.
	Start() error

	// Stop gracefully shuts down the feature.
	// - Stops any background goroutines
	// - Persists state that should survive a restart
	// Subscriptions made on the feature's behalf are removed by the
	// manager regardless of whether Stop returns an error.
	Stop() error
}

// EventHandler is an optional interface for features that consume bus
// events. The manager subscribes each event named in the feature's
// registration Info to HandleEvent when the feature starts, and removes
// those subscriptions when it stops.
type EventHandler interface {
	// HandleEvent processes one event. Errors are logged and counted by
	// the bus but never affect other subscribers.
	HandleEvent(ctx context.Context, evt *Event) error
}

// CommandProvider is an optional interface for features that respond to
// chat commands. The command router registers the returned commands when
// the feature starts and removes them when it stops.
type CommandProvider interface {
	// Commands returns the chat commands this feature handles.
	Commands() []Command
}

// Command is a single chat command exposed by a feature.
type Command struct {
	// Name is the command keyword, invoked in chat as "!name".
	Name string

	// Description is a short human-readable help line.
	Description string

	// Handler runs the command. The returned string, if non-empty, is
	// sent back to the conversation the command came from.
	Handler CommandFunc
}

// CommandFunc handles one command invocation.
type CommandFunc func(ctx context.Context, inv *Invocation) (string, error)

// Invocation carries the parsed context of a command sent in chat.
type Invocation struct {
	// Conversation is the id of the conversation the command arrived in.
	Conversation string

	// Sender is the id of the account that issued the command.
	Sender string

	// Args are the whitespace-separated tokens after the command name.
	Args []string
}

// Factory is a function that creates a new, uninitialized feature
// instance. Factories are registered with the global registry and called
// by the manager during loading; the manager then calls Initialize on the
// returned instance with the injected Context.
type Factory func() Feature
