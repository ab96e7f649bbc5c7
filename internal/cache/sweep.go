package cache

import (
	"time"

	"go.uber.org/zap"
)

// Sweep removes every entry older than the retention window as of now and
// returns how many were removed. Bucket indices are updated consistently.
// Cost is proportional to the number of removals, not the cache size: the
// sweep index is ordered by expiry, so the scan stops at the first entry
// still inside the window.
func (c *Cache) Sweep(now time.Time) int {
	if c.cfg.Retention <= 0 {
		return 0
	}

	due, err := c.sweepIndex.TakeUntil(func(item interface{}) bool {
		rec := item.(*sweepRecord)
		return rec.expiresAt.Before(now)
	})
	if err != nil {
		c.logger.Warn("Sweep index unavailable", zap.Error(err))
		return 0
	}

	removed := 0
	for _, item := range due {
		rec := item.(*sweepRecord)

		e, ok := c.entries.Get(rec.id)
		if !ok {
			// Already evicted over the bucket bound.
			continue
		}
		if !e.InsertedAt.Equal(rec.insertedAt) {
			// Re-inserted since; a newer record tracks it.
			continue
		}

		c.entries.Remove(rec.id)
		c.removeFromBucket(e.BucketID, rec.id)
		removed++
	}

	if removed > 0 {
		c.collector.AddCacheSwept(removed)
		c.publishSize()
		c.logger.Debug("Removed entries past retention",
			zap.Int("removed", removed),
			zap.Time("now", now))
	}
	return removed
}

// StartSweeper launches the periodic sweep. It runs until StopSweeper is
// called; starting twice is a no-op.
func (c *Cache) StartSweeper() {
	c.sweeperMu.Lock()
	defer c.sweeperMu.Unlock()

	if c.sweeperOn {
		return
	}
	c.sweeperOn = true
	c.stopChan = make(chan struct{})
	c.stoppedChan = make(chan struct{})

	go c.sweepLoop(c.stopChan, c.stoppedChan)

	c.logger.Info("Cache sweeper started",
		zap.Duration("interval", c.cfg.SweepInterval),
		zap.Duration("retention", c.cfg.Retention))
}

// StopSweeper cancels the periodic sweep and waits for the loop to exit.
// Safe to call when the sweeper never started.
func (c *Cache) StopSweeper() {
	c.sweeperMu.Lock()
	if !c.sweeperOn {
		c.sweeperMu.Unlock()
		return
	}
	c.sweeperOn = false
	stop, stopped := c.stopChan, c.stoppedChan
	c.sweeperMu.Unlock()

	close(stop)
	<-stopped

	c.logger.Info("Cache sweeper stopped")
}

func (c *Cache) sweepLoop(stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	for {
		select {
		case <-stop:
			return
		case <-c.clock.After(c.cfg.SweepInterval):
			c.safeSweep()
		}
	}
}

// safeSweep shields the loop from a panicking sweep; the next interval
// simply retries.
func (c *Cache) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Sweep panicked", zap.Any("panic", r))
		}
	}()
	c.Sweep(c.clock.Now())
}
