package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transform rewrites an event payload during the pre or post phase. The
// returned payload replaces the current one; an error leaves the payload
// untouched and lets the rest of the chain proceed.
type Transform func(ctx context.Context, payload any) (any, error)

// Phase selects when a middleware transform runs relative to handlers.
type Phase string

const (
	// PhasePre runs before handlers see the event.
	PhasePre Phase = "pre"

	// PhasePost runs after all handlers have finished.
	PhasePost Phase = "post"
)

var (
	// ErrNilTransform rejects nil middleware transforms.
	ErrNilTransform = errors.New("transform is nil")

	// ErrPhase rejects middleware registration with an unknown phase.
	ErrPhase = errors.New("phase must be pre or post")
)

type middlewareEntry struct {
	id        string
	event     string
	phase     Phase
	transform Transform
}

// RegisterMiddleware adds a transform for the named event and phase. Chains
// run in registration order. Middleware is independent of feature lifecycle;
// it stays registered until explicitly removed.
func (b *Bus) RegisterMiddleware(event string, phase Phase, t Transform) (string, error) {
	if strings.TrimSpace(event) == "" {
		return "", ErrEventName
	}
	if phase != PhasePre && phase != PhasePost {
		return "", fmt.Errorf("%w: %q", ErrPhase, phase)
	}
	if t == nil {
		return "", ErrNilTransform
	}

	entry := &middlewareEntry{
		id:        uuid.NewString(),
		event:     event,
		phase:     phase,
		transform: t,
	}

	b.mwMu.Lock()
	if phase == PhasePre {
		b.pre[event] = append(b.pre[event], entry)
	} else {
		b.post[event] = append(b.post[event], entry)
	}
	b.mwID[entry.id] = entry
	b.mwMu.Unlock()

	return entry.id, nil
}

// UnregisterMiddleware removes a transform by id, preserving the order of
// the remaining chain. Unknown ids are ignored.
func (b *Bus) UnregisterMiddleware(id string) {
	b.mwMu.Lock()
	defer b.mwMu.Unlock()

	entry, ok := b.mwID[id]
	if !ok {
		return
	}
	delete(b.mwID, id)

	chains := b.pre
	if entry.phase == PhasePost {
		chains = b.post
	}
	list := chains[entry.event]
	for i, e := range list {
		if e.id == id {
			chains[entry.event] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(chains[entry.event]) == 0 {
		delete(chains, entry.event)
	}
}

// MiddlewareCount returns the chain lengths for the named event.
func (b *Bus) MiddlewareCount(event string) (pre, post int) {
	b.mwMu.RLock()
	defer b.mwMu.RUnlock()
	return len(b.pre[event]), len(b.post[event])
}

// applyTransforms runs the event's chain for the given phase over payload.
// A failing or panicking transform is skipped; the payload carries over
// unchanged to the next link.
func (b *Bus) applyTransforms(ctx context.Context, event string, phase Phase, payload any) any {
	b.mwMu.RLock()
	var chain []*middlewareEntry
	if phase == PhasePre {
		chain = append(chain, b.pre[event]...)
	} else {
		chain = append(chain, b.post[event]...)
	}
	b.mwMu.RUnlock()

	for _, entry := range chain {
		next, err := b.applyOne(ctx, entry, payload)
		if err != nil {
			b.logger.Warn("Middleware transform failed",
				zap.String("event", event),
				zap.String("phase", string(phase)),
				zap.String("middleware_id", entry.id),
				zap.Error(err))
			b.countMiddlewareError(event)
			b.collector.IncMiddlewareError(event, string(phase))
			continue
		}
		payload = next
	}
	return payload
}

// applyOne runs a single transform, converting a panic into an error.
func (b *Bus) applyOne(ctx context.Context, entry *middlewareEntry, payload any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform panicked: %v", r)
		}
	}()
	return entry.transform(ctx, payload)
}
