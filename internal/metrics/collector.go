// Package metrics exposes the Prometheus series shared by the event bus,
// the retention cache, the feature manager, and the transport.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector owns every Prometheus series the runtime records. Construct it
// with the registry the /metrics endpoint serves; tests pass their own
// prometheus.NewRegistry() so repeated construction never collides.
type Collector struct {
	eventsEmitted    *prometheus.CounterVec
	handlerErrors    *prometheus.CounterVec
	middlewareErrors *prometheus.CounterVec
	emitDuration     *prometheus.HistogramVec

	cacheEntries   prometheus.Gauge
	cacheBuckets   prometheus.Gauge
	cacheEvictions prometheus.Counter
	cacheSwept     prometheus.Counter

	featureStates   *prometheus.GaugeVec
	featureFailures *prometheus.CounterVec
	featureReloads  prometheus.Counter

	transportConnected  prometheus.Gauge
	transportReconnects prometheus.Counter
}

// NewCollector registers the runtime series on reg. A nil reg leaves the
// series unregistered, which is convenient for throwaway components.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		eventsEmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatautomation_events_emitted_total",
				Help: "Total number of events emitted on the bus",
			},
			[]string{"event"},
		),
		handlerErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatautomation_handler_errors_total",
				Help: "Total number of handler failures, including panics",
			},
			[]string{"event"},
		),
		middlewareErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatautomation_middleware_errors_total",
				Help: "Total number of middleware transform failures",
			},
			[]string{"event", "phase"},
		),
		emitDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatautomation_emit_duration_seconds",
				Help:    "Emit latency including handler fan-out",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"event"},
		),
		cacheEntries: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatautomation_cache_entries",
				Help: "Current number of entries in the retention cache",
			},
		),
		cacheBuckets: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatautomation_cache_buckets",
				Help: "Current number of non-empty cache buckets",
			},
		),
		cacheEvictions: f.NewCounter(
			prometheus.CounterOpts{
				Name: "chatautomation_cache_evictions_total",
				Help: "Entries evicted because a bucket exceeded its capacity",
			},
		),
		cacheSwept: f.NewCounter(
			prometheus.CounterOpts{
				Name: "chatautomation_cache_swept_total",
				Help: "Entries removed because they aged out of retention",
			},
		),
		featureStates: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chatautomation_features",
				Help: "Number of features in each lifecycle state",
			},
			[]string{"state"},
		),
		featureFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatautomation_feature_failures_total",
				Help: "Feature lifecycle failures by stage",
			},
			[]string{"feature", "stage"},
		),
		featureReloads: f.NewCounter(
			prometheus.CounterOpts{
				Name: "chatautomation_feature_reloads_total",
				Help: "Completed feature reloads",
			},
		),
		transportConnected: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatautomation_transport_connected",
				Help: "1 while the transport connection is established",
			},
		),
		transportReconnects: f.NewCounter(
			prometheus.CounterOpts{
				Name: "chatautomation_transport_reconnects_total",
				Help: "Reconnection attempts made by the transport client",
			},
		),
	}
}

// RecordEmit counts one emit of the named event and observes its latency.
func (c *Collector) RecordEmit(event string, d time.Duration) {
	c.eventsEmitted.WithLabelValues(event).Inc()
	c.emitDuration.WithLabelValues(event).Observe(d.Seconds())
}

// IncHandlerError counts a failed or panicked handler for the named event.
func (c *Collector) IncHandlerError(event string) {
	c.handlerErrors.WithLabelValues(event).Inc()
}

// IncMiddlewareError counts a failed transform for the named event and phase.
func (c *Collector) IncMiddlewareError(event, phase string) {
	c.middlewareErrors.WithLabelValues(event, phase).Inc()
}

// SetCacheSize publishes the cache entry and bucket counts.
func (c *Collector) SetCacheSize(entries, buckets int) {
	c.cacheEntries.Set(float64(entries))
	c.cacheBuckets.Set(float64(buckets))
}

// IncCacheEviction counts one capacity eviction.
func (c *Collector) IncCacheEviction() {
	c.cacheEvictions.Inc()
}

// AddCacheSwept counts entries removed by a retention sweep.
func (c *Collector) AddCacheSwept(n int) {
	c.cacheSwept.Add(float64(n))
}

// SetFeatureState publishes how many features sit in the given state.
func (c *Collector) SetFeatureState(state string, n int) {
	c.featureStates.WithLabelValues(state).Set(float64(n))
}

// IncFeatureFailure counts a lifecycle failure for a feature at a stage
// (load, start, stop).
func (c *Collector) IncFeatureFailure(feature, stage string) {
	c.featureFailures.WithLabelValues(feature, stage).Inc()
}

// IncFeatureReload counts a completed reload.
func (c *Collector) IncFeatureReload() {
	c.featureReloads.Inc()
}

// SetTransportConnected publishes transport connectivity.
func (c *Collector) SetTransportConnected(connected bool) {
	if connected {
		c.transportConnected.Set(1)
		return
	}
	c.transportConnected.Set(0)
}

// IncTransportReconnect counts a reconnection attempt.
func (c *Collector) IncTransportReconnect() {
	c.transportReconnects.Inc()
}
