// Package store persists keyed JSON values for features and cache
// snapshots. Backends: local files, in-memory (tests), Redis.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrKeyNotFound is returned by Load for keys that were never saved.
var ErrKeyNotFound = errors.New("key not found")

// Store is the persistence contract. Values are opaque JSON documents;
// callers own their schema.
type Store interface {
	// Load returns the value saved under key, or ErrKeyNotFound.
	Load(ctx context.Context, key string) (json.RawMessage, error)

	// Save persists value under key, replacing any previous value.
	Save(ctx context.Context, key string, value json.RawMessage) error

	// Delete removes the key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error
}

// Namespaced returns a view of s that prefixes every key, isolating one
// feature's data from another's.
func Namespaced(s Store, prefix string) Store {
	return &namespaced{inner: s, prefix: prefix}
}

type namespaced struct {
	inner  Store
	prefix string
}

func (n *namespaced) key(key string) string {
	return n.prefix + "." + key
}

func (n *namespaced) Load(ctx context.Context, key string) (json.RawMessage, error) {
	return n.inner.Load(ctx, n.key(key))
}

func (n *namespaced) Save(ctx context.Context, key string, value json.RawMessage) error {
	return n.inner.Save(ctx, n.key(key), value)
}

func (n *namespaced) Delete(ctx context.Context, key string) error {
	return n.inner.Delete(ctx, n.key(key))
}
