// Package bus implements the event backbone of the runtime: named events,
// per-feature subscriptions, pre/post transform middleware and per-event
// metrics. Handlers run concurrently on a shared worker pool; a failing or
// panicking handler never affects its siblings or the emitter.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"chatautomation/internal/metrics"
)

// Handler processes one delivered event. A non-nil error is logged and
// counted against the event's metrics but never reaches the emitter.
type Handler func(ctx context.Context, evt *Event) error

var (
	// ErrEventName rejects emits and subscriptions with a blank event name.
	ErrEventName = errors.New("event name is empty")

	// ErrOwnerName rejects subscriptions without an owning feature name.
	ErrOwnerName = errors.New("owner name is empty")

	// ErrNilHandler rejects nil subscription handlers.
	ErrNilHandler = errors.New("handler is nil")
)

type subscription struct {
	id      string
	owner   string
	event   string
	handler Handler
}

// SubscriptionInfo describes one active subscription for introspection.
type SubscriptionInfo struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Event string `json:"event"`
}

// Bus routes events from emitters to subscribed handlers.
type Bus struct {
	logger    *zap.Logger
	collector *metrics.Collector
	pool      *ants.Pool

	subMu   sync.RWMutex
	subs    map[string][]*subscription
	byID    map[string]*subscription
	byOwner map[string][]string

	mwMu sync.RWMutex
	pre  map[string][]*middlewareEntry
	post map[string][]*middlewareEntry
	mwID map[string]*middlewareEntry

	statsMu sync.Mutex
	stats   map[string]*EventMetrics
}

// New creates a Bus whose handler fan-out runs on a pool of poolSize
// goroutines.
func New(logger *zap.Logger, collector *metrics.Collector, poolSize int) (*Bus, error) {
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	return &Bus{
		logger:    logger,
		collector: collector,
		pool:      pool,
		subs:      make(map[string][]*subscription),
		byID:      make(map[string]*subscription),
		byOwner:   make(map[string][]string),
		pre:       make(map[string][]*middlewareEntry),
		post:      make(map[string][]*middlewareEntry),
		mwID:      make(map[string]*middlewareEntry),
		stats:     make(map[string]*EventMetrics),
	}, nil
}

// Subscribe registers handler for the named event on behalf of owner and
// returns the subscription id.
func (b *Bus) Subscribe(owner, event string, handler Handler) (string, error) {
	if strings.TrimSpace(owner) == "" {
		return "", ErrOwnerName
	}
	if strings.TrimSpace(event) == "" {
		return "", ErrEventName
	}
	if handler == nil {
		return "", ErrNilHandler
	}

	sub := &subscription{
		id:      uuid.NewString(),
		owner:   owner,
		event:   event,
		handler: handler,
	}

	b.subMu.Lock()
	b.subs[event] = append(b.subs[event], sub)
	b.byID[sub.id] = sub
	b.byOwner[owner] = append(b.byOwner[owner], sub.id)
	b.subMu.Unlock()

	b.logger.Debug("Subscribed",
		zap.String("owner", owner),
		zap.String("event", event),
		zap.String("subscription_id", sub.id))

	return sub.id, nil
}

// Unsubscribe removes a single subscription by id. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.removeLocked(id)
}

// UnsubscribeAll removes every subscription owned by the named feature.
// Calling it again, or for an owner with no subscriptions, is a no-op.
func (b *Bus) UnsubscribeAll(owner string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	ids := b.byOwner[owner]
	for _, id := range ids {
		b.removeLocked(id)
	}
	delete(b.byOwner, owner)
}

// removeLocked deletes one subscription from all three tables. Caller holds
// subMu.
func (b *Bus) removeLocked(id string) {
	sub, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)

	list := b.subs[sub.event]
	for i, s := range list {
		if s.id == id {
			b.subs[sub.event] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.event]) == 0 {
		delete(b.subs, sub.event)
	}

	owned := b.byOwner[sub.owner]
	for i, oid := range owned {
		if oid == id {
			b.byOwner[sub.owner] = append(owned[:i], owned[i+1:]...)
			break
		}
	}
	if len(b.byOwner[sub.owner]) == 0 {
		delete(b.byOwner, sub.owner)
	}
}

// SubscriptionCount returns how many subscriptions the owner currently holds.
func (b *Bus) SubscriptionCount(owner string) int {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	return len(b.byOwner[owner])
}

// Subscriptions lists the owner's active subscriptions.
func (b *Bus) Subscriptions(owner string) []SubscriptionInfo {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	infos := make([]SubscriptionInfo, 0, len(b.byOwner[owner]))
	for _, id := range b.byOwner[owner] {
		if sub, ok := b.byID[id]; ok {
			infos = append(infos, SubscriptionInfo{ID: sub.id, Owner: sub.owner, Event: sub.event})
		}
	}
	return infos
}

// AllSubscriptions lists every active subscription, for the status API.
func (b *Bus) AllSubscriptions() []SubscriptionInfo {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	infos := make([]SubscriptionInfo, 0, len(b.byID))
	for _, sub := range b.byID {
		infos = append(infos, SubscriptionInfo{ID: sub.id, Owner: sub.owner, Event: sub.event})
	}
	return infos
}

// Emit delivers an event: pre transforms run first in registration order,
// then every subscribed handler runs concurrently on the worker pool, then
// post transforms run on the payload as it stood after the pre phase.
// Handler results never feed back into the pipeline. Emit returns after all
// handlers have finished, with the settled payload.
//
// The only failure Emit reports is a blank event name. Handler and
// middleware failures are logged, counted and absorbed.
func (b *Bus) Emit(ctx context.Context, event string, payload any) (any, error) {
	if strings.TrimSpace(event) == "" {
		return nil, ErrEventName
	}

	start := time.Now()

	payload = b.applyTransforms(ctx, event, PhasePre, payload)

	evt := &Event{
		ID:      uuid.NewString(),
		Name:    event,
		Payload: payload,
		Time:    time.Now(),
	}

	b.subMu.RLock()
	handlers := make([]*subscription, len(b.subs[event]))
	copy(handlers, b.subs[event])
	b.subMu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range handlers {
		sub := sub
		wg.Add(1)
		task := func() {
			defer wg.Done()
			b.runHandler(ctx, sub, evt)
		}
		if err := b.pool.Submit(task); err != nil {
			// Pool released during shutdown: deliver inline so the join
			// guarantee holds.
			task()
		}
	}
	wg.Wait()

	payload = b.applyTransforms(ctx, event, PhasePost, payload)

	elapsed := time.Since(start)
	b.recordEmit(event, elapsed)
	b.collector.RecordEmit(event, elapsed)

	return payload, nil
}

// runHandler executes one handler as an isolated unit: errors and panics are
// logged and counted, never propagated.
func (b *Bus) runHandler(ctx context.Context, sub *subscription, evt *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Handler panicked",
				zap.String("event", evt.Name),
				zap.String("owner", sub.owner),
				zap.Any("panic", r))
			b.countHandlerError(evt.Name)
		}
	}()

	if err := sub.handler(ctx, evt); err != nil {
		b.logger.Warn("Handler failed",
			zap.String("event", evt.Name),
			zap.String("owner", sub.owner),
			zap.Error(err))
		b.countHandlerError(evt.Name)
	}
}

// Close releases the worker pool. Emits issued afterwards still deliver, with
// handlers running inline on the emitting goroutine.
func (b *Bus) Close() {
	b.pool.Release()
}

// PoolRunning reports how many pool workers are currently executing handlers.
func (b *Bus) PoolRunning() int {
	return b.pool.Running()
}
