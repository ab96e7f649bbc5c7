package bus

import "time"

// EventMetrics aggregates delivery statistics for one event name.
type EventMetrics struct {
	Emitted          uint64        `json:"emitted"`
	HandlerErrors    uint64        `json:"handler_errors"`
	MiddlewareErrors uint64        `json:"middleware_errors"`
	TotalDuration    time.Duration `json:"total_duration"`
}

// AvgDuration returns the mean emit latency, zero before the first emit.
func (m EventMetrics) AvgDuration() time.Duration {
	if m.Emitted == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.Emitted)
}

func (b *Bus) statsFor(event string) *EventMetrics {
	s, ok := b.stats[event]
	if !ok {
		s = &EventMetrics{}
		b.stats[event] = s
	}
	return s
}

func (b *Bus) recordEmit(event string, d time.Duration) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	s := b.statsFor(event)
	s.Emitted++
	s.TotalDuration += d
}

func (b *Bus) countHandlerError(event string) {
	b.statsMu.Lock()
	b.statsFor(event).HandlerErrors++
	b.statsMu.Unlock()
	b.collector.IncHandlerError(event)
}

func (b *Bus) countMiddlewareError(event string) {
	b.statsMu.Lock()
	b.statsFor(event).MiddlewareErrors++
	b.statsMu.Unlock()
}

// Metrics returns the statistics recorded for one event name.
func (b *Bus) Metrics(event string) (EventMetrics, bool) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	s, ok := b.stats[event]
	if !ok {
		return EventMetrics{}, false
	}
	return *s, true
}

// AllMetrics returns a snapshot of the statistics for every event name seen
// so far.
func (b *Bus) AllMetrics() map[string]EventMetrics {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	out := make(map[string]EventMetrics, len(b.stats))
	for name, s := range b.stats {
		out[name] = *s
	}
	return out
}
