// Package cache implements the message retention cache: per-bucket FIFO
// bounded by a maximum count, with a global retention window enforced by a
// periodic sweep rather than on the write path. Consumers key buckets by
// conversation id and keep payloads opaque.
package cache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"chatautomation/internal/clock"
	"chatautomation/internal/metrics"
)

// Entry is one retained item. Payload stays available after a soft-delete so
// consumers can recover the original content.
type Entry struct {
	ID         string          `json:"id"`
	BucketID   string          `json:"bucket_id"`
	Payload    json.RawMessage `json:"payload"`
	InsertedAt time.Time       `json:"inserted_at"`
	Deleted    bool            `json:"deleted"`
	DeletedAt  time.Time       `json:"deleted_at"`
}

// Config bounds the cache. MaxPerBucket zero makes every bucket always
// empty; Retention zero or negative disables age-based expiry.
type Config struct {
	MaxPerBucket  int
	Retention     time.Duration
	SweepInterval time.Duration
}

// Stats is a point-in-time size snapshot.
type Stats struct {
	TotalEntries int `json:"total_entries"`
	TotalBuckets int `json:"total_buckets"`
}

// bucket holds the insertion order of entry ids, oldest first. Its mutex
// serializes order mutation for one bucket id.
type bucket struct {
	mu  sync.Mutex
	ids []string
}

// Cache is the retention cache. All methods are safe for concurrent use.
type Cache struct {
	cfg       Config
	logger    *zap.Logger
	collector *metrics.Collector
	clock     clock.Clock

	entries cmap.ConcurrentMap[string, *Entry]

	bucketMu sync.RWMutex
	buckets  map[string]*bucket

	sweepIndex *queue.Queue

	sweeperMu   sync.Mutex
	sweeperOn   bool
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// sweepRecord marks when one insertion becomes eligible for removal. Records
// are appended in insertion order, so the queue is ordered by expiry.
type sweepRecord struct {
	id         string
	insertedAt time.Time
	expiresAt  time.Time
}

// New creates a Cache. A negative MaxPerBucket is treated as zero.
func New(cfg Config, logger *zap.Logger, collector *metrics.Collector, clk clock.Clock) *Cache {
	if cfg.MaxPerBucket < 0 {
		cfg.MaxPerBucket = 0
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	return &Cache{
		cfg:        cfg,
		logger:     logger,
		collector:  collector,
		clock:      clk,
		entries:    cmap.New[*Entry](),
		buckets:    make(map[string]*bucket),
		sweepIndex: queue.New(64),
	}
}

// Put stores payload under the bucket, evicting the bucket's oldest entries
// once it exceeds the configured bound. Put never fails; with a zero bound
// it is a no-op.
func (c *Cache) Put(bucketID, entryID string, payload json.RawMessage) {
	if c.cfg.MaxPerBucket == 0 {
		return
	}

	e := &Entry{
		ID:         entryID,
		BucketID:   bucketID,
		Payload:    payload,
		InsertedAt: c.clock.Now(),
	}
	c.insert(e)
}

// insert places an already-built entry, preserving its metadata. Shared by
// Put and snapshot restore.
func (c *Cache) insert(e *Entry) {
	c.entries.Set(e.ID, e)

	b := c.bucketFor(e.BucketID)

	b.mu.Lock()
	// Re-inserting an id moves it to the newest position.
	for i, id := range b.ids {
		if id == e.ID {
			b.ids = append(b.ids[:i], b.ids[i+1:]...)
			break
		}
	}
	b.ids = append(b.ids, e.ID)

	var evicted []string
	for len(b.ids) > c.cfg.MaxPerBucket {
		evicted = append(evicted, b.ids[0])
		b.ids = b.ids[1:]
	}
	b.mu.Unlock()

	for _, id := range evicted {
		c.entries.Remove(id)
		c.collector.IncCacheEviction()
		c.logger.Debug("Evicted entry over bucket bound",
			zap.String("bucket", e.BucketID),
			zap.String("entry", id))
	}

	if c.cfg.Retention > 0 {
		rec := &sweepRecord{
			id:         e.ID,
			insertedAt: e.InsertedAt,
			expiresAt:  e.InsertedAt.Add(c.cfg.Retention),
		}
		if err := c.sweepIndex.Put(rec); err != nil {
			c.logger.Warn("Sweep index rejected record", zap.Error(err))
		}
	}

	c.publishSize()
}

// bucketFor returns the bucket, creating it on first use.
func (c *Cache) bucketFor(bucketID string) *bucket {
	c.bucketMu.RLock()
	b, ok := c.buckets[bucketID]
	c.bucketMu.RUnlock()
	if ok {
		return b
	}

	c.bucketMu.Lock()
	defer c.bucketMu.Unlock()
	if b, ok = c.buckets[bucketID]; ok {
		return b
	}
	b = &bucket{}
	c.buckets[bucketID] = b
	return b
}

// Get returns a copy of the entry, or false if the id is unknown, evicted
// or swept.
func (c *Cache) Get(entryID string) (*Entry, bool) {
	e, ok := c.entries.Get(entryID)
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// MarkDeleted flags the entry as soft-deleted, retaining its payload, and
// returns the updated entry. The entry keeps its bucket slot until evicted
// or swept.
func (c *Cache) MarkDeleted(entryID string) (*Entry, bool) {
	cur, ok := c.entries.Get(entryID)
	if !ok {
		return nil, false
	}

	next := *cur
	next.Deleted = true
	next.DeletedAt = c.clock.Now()
	c.entries.Set(entryID, &next)

	cp := next
	return &cp, true
}

// ListBucket returns up to limit entries from the bucket, most recent
// first. A non-positive limit returns the whole bucket.
func (c *Cache) ListBucket(bucketID string, limit int) []*Entry {
	c.bucketMu.RLock()
	b, ok := c.buckets[bucketID]
	c.bucketMu.RUnlock()
	if !ok {
		return nil
	}

	b.mu.Lock()
	ids := make([]string, len(b.ids))
	copy(ids, b.ids)
	b.mu.Unlock()

	var out []*Entry
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if e, ok := c.entries.Get(ids[i]); ok {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// Stats reports current totals.
func (c *Cache) Stats() Stats {
	return Stats{
		TotalEntries: c.entries.Count(),
		TotalBuckets: c.bucketCount(),
	}
}

// BucketSizes reports the live entry count per bucket, for the status API.
func (c *Cache) BucketSizes() map[string]int {
	c.bucketMu.RLock()
	defer c.bucketMu.RUnlock()

	out := make(map[string]int, len(c.buckets))
	for id, b := range c.buckets {
		b.mu.Lock()
		n := len(b.ids)
		b.mu.Unlock()
		if n > 0 {
			out[id] = n
		}
	}
	return out
}

func (c *Cache) bucketCount() int {
	c.bucketMu.RLock()
	defer c.bucketMu.RUnlock()

	n := 0
	for _, b := range c.buckets {
		b.mu.Lock()
		if len(b.ids) > 0 {
			n++
		}
		b.mu.Unlock()
	}
	return n
}

func (c *Cache) publishSize() {
	c.collector.SetCacheSize(c.entries.Count(), c.bucketCount())
}

// removeFromBucket drops one id from a bucket's order and prunes the bucket
// when it empties.
func (c *Cache) removeFromBucket(bucketID, entryID string) {
	c.bucketMu.RLock()
	b, ok := c.buckets[bucketID]
	c.bucketMu.RUnlock()
	if !ok {
		return
	}

	b.mu.Lock()
	for i, id := range b.ids {
		if id == entryID {
			b.ids = append(b.ids[:i], b.ids[i+1:]...)
			break
		}
	}
	empty := len(b.ids) == 0
	b.mu.Unlock()

	if empty {
		c.bucketMu.Lock()
		if cur, ok := c.buckets[bucketID]; ok && cur == b {
			cur.mu.Lock()
			if len(cur.ids) == 0 {
				delete(c.buckets, bucketID)
			}
			cur.mu.Unlock()
		}
		c.bucketMu.Unlock()
	}
}
