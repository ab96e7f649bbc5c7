package feature

import (
	"context"
	"encoding/json"
	"time"
)

// EventBus is the feature-facing view of the runtime event bus.
// Subscriptions are grouped by owner so the manager can remove everything
// a feature registered in one call when it stops.
//
// The actual implementation from internal/bus satisfies this interface
// through the adapter in this package.
type EventBus interface {
	// Subscribe registers handler for the named event and returns the
	// subscription id. Owner and event must be non-empty.
	Subscribe(owner, event string, handler Handler) (string, error)

	// Unsubscribe removes a single subscription by id. Unknown ids are
	// ignored.
	Unsubscribe(id string)

	// UnsubscribeAll removes every subscription held by owner.
	UnsubscribeAll(owner string)

	// Emit publishes an event to all current subscribers and returns the
	// payload as settled by pre-dispatch middleware. Handler failures are
	// isolated and never surface through the returned error.
	Emit(ctx context.Context, event string, payload any) (any, error)
}

// MessageCache is the feature-facing view of the retention cache. Buckets
// are keyed by conversation id; each holds at most a configured number of
// entries, oldest evicted first.
type MessageCache interface {
	// Put stores payload under entryID in the given bucket. Re-inserting
	// an existing id moves it to the newest position.
	Put(bucketID, entryID string, payload json.RawMessage)

	// Get returns the entry for entryID, including soft-deleted entries.
	Get(entryID string) (*CacheEntry, bool)

	// MarkDeleted flags an entry as deleted without discarding its
	// payload, and returns the updated entry.
	MarkDeleted(entryID string) (*CacheEntry, bool)

	// ListBucket returns up to limit entries of one bucket, newest first.
	// A limit <= 0 returns all of them.
	ListBucket(bucketID string, limit int) []*CacheEntry
}

// Storage persists keyed JSON documents for a feature. Each feature
// receives a namespaced view, so keys never collide across features.
type Storage interface {
	// Load returns the value saved under key, or ErrNotFound.
	Load(ctx context.Context, key string) (json.RawMessage, error)

	// Save persists value under key, replacing any previous value.
	Save(ctx context.Context, key string, value json.RawMessage) error

	// Delete removes the key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error
}

// Clock abstracts time for features, so scheduled behavior can be driven
// deterministically in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After waits for the duration to elapse and then sends the current
	// time on the returned channel.
	After(d time.Duration) <-chan time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
}

// Lookup resolves running features by name, allowing one feature to call
// into another it declared a dependency on. The feature manager
// implements this interface.
type Lookup interface {
	// Feature returns the named feature if it is currently loaded.
	Feature(name string) (Feature, bool)
}
