package feature

import (
	"context"
	"encoding/json"
	"fmt"

	"chatautomation/internal/bus"
	"chatautomation/internal/cache"
	"chatautomation/internal/store"
)

// ErrNotFound is returned by Storage.Load for keys that were never saved.
// It is the same sentinel the storage backends return, so errors.Is works
// on either side of the package boundary.
var ErrNotFound = store.ErrKeyNotFound

// internalToEvent converts an internal bus.Event to a pkg feature.Event.
func internalToEvent(e *bus.Event) *Event {
	if e == nil {
		return nil
	}
	return &Event{
		ID:      e.ID,
		Name:    e.Name,
		Payload: e.Payload,
		Time:    e.Time,
	}
}

// internalToEntry converts an internal cache.Entry to a pkg CacheEntry.
func internalToEntry(e *cache.Entry) *CacheEntry {
	if e == nil {
		return nil
	}
	return &CacheEntry{
		ID:         e.ID,
		BucketID:   e.BucketID,
		Payload:    e.Payload,
		InsertedAt: e.InsertedAt,
		Deleted:    e.Deleted,
		DeletedAt:  e.DeletedAt,
	}
}

// BusAdapter wraps the internal bus to implement EventBus.
type BusAdapter struct {
	internal *bus.Bus
}

// WrapBus wraps an internal bus.Bus to implement the EventBus interface.
func WrapBus(b *bus.Bus) EventBus {
	return &BusAdapter{internal: b}
}

func (a *BusAdapter) Subscribe(owner, event string, handler Handler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}
	wrapped := func(ctx context.Context, evt *bus.Event) error {
		return handler(ctx, internalToEvent(evt))
	}
	return a.internal.Subscribe(owner, event, wrapped)
}

func (a *BusAdapter) Unsubscribe(id string) {
	a.internal.Unsubscribe(id)
}

func (a *BusAdapter) UnsubscribeAll(owner string) {
	a.internal.UnsubscribeAll(owner)
}

func (a *BusAdapter) Emit(ctx context.Context, event string, payload any) (any, error) {
	return a.internal.Emit(ctx, event, payload)
}

// CacheAdapter wraps the internal cache to implement MessageCache.
type CacheAdapter struct {
	internal *cache.Cache
}

// WrapCache wraps an internal cache.Cache to implement the MessageCache
// interface.
func WrapCache(c *cache.Cache) MessageCache {
	return &CacheAdapter{internal: c}
}

func (a *CacheAdapter) Put(bucketID, entryID string, payload json.RawMessage) {
	a.internal.Put(bucketID, entryID, payload)
}

func (a *CacheAdapter) Get(entryID string) (*CacheEntry, bool) {
	e, ok := a.internal.Get(entryID)
	if !ok {
		return nil, false
	}
	return internalToEntry(e), true
}

func (a *CacheAdapter) MarkDeleted(entryID string) (*CacheEntry, bool) {
	e, ok := a.internal.MarkDeleted(entryID)
	if !ok {
		return nil, false
	}
	return internalToEntry(e), true
}

func (a *CacheAdapter) ListBucket(bucketID string, limit int) []*CacheEntry {
	entries := a.internal.ListBucket(bucketID, limit)
	result := make([]*CacheEntry, len(entries))
	for i, e := range entries {
		result[i] = internalToEntry(e)
	}
	return result
}
