// Package command routes chat commands to the features that registered
// them. A command is any inbound message whose text starts with the
// configured prefix, e.g. "!recover 3".
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"chatautomation/internal/bus"
	"chatautomation/internal/clock"
	"chatautomation/pkg/feature"
)

// Owner is the subscription owner name the router uses on the bus.
const Owner = "command-router"

// helpName is reserved for the built-in command listing.
const helpName = "help"

type registered struct {
	owner string
	cmd   feature.Command
}

// Router listens for message.received events, parses prefixed commands
// and runs the matching handler. Replies returned by handlers are
// published as message.send events.
type Router struct {
	logger *zap.Logger
	bus    *bus.Bus
	clock  clock.Clock
	prefix string

	mu       sync.RWMutex
	commands map[string]registered
	subID    string
}

// NewRouter creates a Router. It does not subscribe until Start.
func NewRouter(b *bus.Bus, logger *zap.Logger, clk clock.Clock, prefix string) *Router {
	return &Router{
		logger:   logger.Named("command"),
		bus:      b,
		clock:    clk,
		prefix:   prefix,
		commands: make(map[string]registered),
	}
}

// Start subscribes the router to inbound messages.
func (r *Router) Start() error {
	id, err := r.bus.Subscribe(Owner, bus.EventMessageReceived, r.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe command router: %w", err)
	}

	r.mu.Lock()
	r.subID = id
	r.mu.Unlock()

	r.logger.Info("command router started", zap.String("prefix", r.prefix))
	return nil
}

// Stop removes the router's bus subscription. Registered commands stay
// in place so a later Start resumes dispatching them.
func (r *Router) Stop() {
	r.bus.UnsubscribeAll(Owner)

	r.mu.Lock()
	r.subID = ""
	r.mu.Unlock()

	r.logger.Info("command router stopped")
}

// Register adds the commands a feature exposes. Names must be unique
// across features; "help" is reserved for the built-in listing.
func (r *Router) Register(owner string, cmds []feature.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cmd := range cmds {
		name := strings.ToLower(strings.TrimSpace(cmd.Name))
		if name == "" {
			return fmt.Errorf("feature %s: command name cannot be empty", owner)
		}
		if name == helpName {
			return fmt.Errorf("feature %s: command name %q is reserved", owner, helpName)
		}
		if existing, ok := r.commands[name]; ok {
			return fmt.Errorf("command %q already registered by %s", name, existing.owner)
		}
		if cmd.Handler == nil {
			return fmt.Errorf("feature %s: command %q has no handler", owner, name)
		}
		r.commands[name] = registered{owner: owner, cmd: cmd}
		r.logger.Debug("command registered",
			zap.String("command", name),
			zap.String("feature", owner))
	}
	return nil
}

// UnregisterOwner removes every command a feature registered.
func (r *Router) UnregisterOwner(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, reg := range r.commands {
		if reg.owner == owner {
			delete(r.commands, name)
		}
	}
}

// Commands returns the registered commands sorted by name.
func (r *Router) Commands() []feature.Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]feature.Command, 0, len(r.commands))
	for _, reg := range r.commands {
		result = append(result, reg.cmd)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

func (r *Router) handleMessage(ctx context.Context, evt *bus.Event) error {
	msg, ok := evt.Payload.(*feature.Message)
	if !ok {
		r.logger.Debug("ignoring message with unexpected payload type")
		return nil
	}

	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, r.prefix) {
		return nil
	}

	tokens := strings.Fields(strings.TrimPrefix(text, r.prefix))
	if len(tokens) == 0 {
		return nil
	}
	name := strings.ToLower(tokens[0])

	if name == helpName {
		return r.reply(ctx, msg.Conversation, r.helpText())
	}

	r.mu.RLock()
	reg, found := r.commands[name]
	r.mu.RUnlock()

	if !found {
		r.logger.Debug("unknown command", zap.String("command", name))
		return nil
	}

	inv := &feature.Invocation{
		Conversation: msg.Conversation,
		Sender:       msg.Sender,
		Args:         tokens[1:],
	}

	response, err := reg.cmd.Handler(ctx, inv)
	if err != nil {
		r.logger.Warn("command failed",
			zap.String("command", name),
			zap.String("feature", reg.owner),
			zap.Error(err))
		return r.reply(ctx, msg.Conversation, fmt.Sprintf("command %s failed", name))
	}

	if response == "" {
		return nil
	}
	return r.reply(ctx, msg.Conversation, response)
}

func (r *Router) reply(ctx context.Context, conversation, text string) error {
	_, err := r.bus.Emit(ctx, bus.EventMessageSend, &feature.Message{
		Conversation: conversation,
		Text:         text,
		Timestamp:    r.clock.Now(),
	})
	return err
}

func (r *Router) helpText() string {
	cmds := r.Commands()

	var sb strings.Builder
	sb.WriteString("available commands:")
	sb.WriteString("\n" + r.prefix + helpName + " - list available commands")
	for _, cmd := range cmds {
		sb.WriteString("\n" + r.prefix + cmd.Name)
		if cmd.Description != "" {
			sb.WriteString(" - " + cmd.Description)
		}
	}
	return sb.String()
}
