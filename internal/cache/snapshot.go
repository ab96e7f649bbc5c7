package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chatautomation/internal/store"
)

// snapshot is the persisted form of the cache: every entry in per-bucket
// insertion order, so a restore replays them through the same bounds that
// governed the original inserts.
type snapshot struct {
	SavedAt time.Time `json:"saved_at"`
	Entries []*Entry  `json:"entries"`
}

// Snapshot writes the cache contents to the store under key.
func (c *Cache) Snapshot(ctx context.Context, s store.Store, key string) error {
	snap := snapshot{SavedAt: c.clock.Now()}

	c.bucketMu.RLock()
	bucketIDs := make([]string, 0, len(c.buckets))
	for id := range c.buckets {
		bucketIDs = append(bucketIDs, id)
	}
	c.bucketMu.RUnlock()

	for _, bucketID := range bucketIDs {
		c.bucketMu.RLock()
		b, ok := c.buckets[bucketID]
		c.bucketMu.RUnlock()
		if !ok {
			continue
		}

		b.mu.Lock()
		ids := make([]string, len(b.ids))
		copy(ids, b.ids)
		b.mu.Unlock()

		for _, id := range ids {
			if e, ok := c.entries.Get(id); ok {
				cp := *e
				snap.Entries = append(snap.Entries, &cp)
			}
		}
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal cache snapshot: %w", err)
	}
	if err := s.Save(ctx, key, raw); err != nil {
		return fmt.Errorf("failed to save cache snapshot: %w", err)
	}

	c.logger.Info("Cache snapshot saved",
		zap.String("key", key),
		zap.Int("entries", len(snap.Entries)))
	return nil
}

// Restore replays a snapshot saved earlier, dropping entries that aged out
// of the retention window while the process was down. Meant to run at
// startup, before new traffic reaches the cache. Returns how many entries
// were restored. A missing snapshot is not an error.
func (c *Cache) Restore(ctx context.Context, s store.Store, key string) (int, error) {
	raw, err := s.Load(ctx, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load cache snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return 0, fmt.Errorf("failed to parse cache snapshot: %w", err)
	}

	if c.cfg.MaxPerBucket == 0 {
		return 0, nil
	}

	now := c.clock.Now()
	restored := 0
	for _, e := range snap.Entries {
		if e == nil || e.ID == "" || e.BucketID == "" {
			continue
		}
		if c.cfg.Retention > 0 && now.Sub(e.InsertedAt) > c.cfg.Retention {
			continue
		}
		c.insert(e)
		restored++
	}

	c.logger.Info("Cache snapshot restored",
		zap.String("key", key),
		zap.Int("restored", restored),
		zap.Int("dropped", len(snap.Entries)-restored))
	return restored, nil
}
