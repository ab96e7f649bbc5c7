package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordEmit("message.received", 5*time.Millisecond)
	c.RecordEmit("message.received", 2*time.Millisecond)
	c.IncHandlerError("message.received")
	c.IncMiddlewareError("message.received", "pre")
	c.SetCacheSize(7, 2)
	c.IncCacheEviction()
	c.AddCacheSwept(3)
	c.SetFeatureState("started", 4)
	c.IncFeatureFailure("antidelete", "start")
	c.IncFeatureReload()
	c.SetTransportConnected(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.eventsEmitted.WithLabelValues("message.received")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handlerErrors.WithLabelValues("message.received")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.middlewareErrors.WithLabelValues("message.received", "pre")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.cacheEntries))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheBuckets))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheEvictions))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.cacheSwept))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.featureStates.WithLabelValues("started")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.featureFailures.WithLabelValues("antidelete", "start")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transportConnected))

	c.SetTransportConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.transportConnected))

	// Two collectors must be able to coexist on separate registries.
	other := prometheus.NewRegistry()
	require.NotPanics(t, func() { NewCollector(other) })
}

func TestCollector_NilRegisterer(t *testing.T) {
	require.NotPanics(t, func() {
		c := NewCollector(nil)
		c.RecordEmit("message.send", time.Millisecond)
		c.IncFeatureReload()
	})
}
