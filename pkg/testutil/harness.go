package testutil

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"chatautomation/internal/bus"
	"chatautomation/internal/cache"
	"chatautomation/internal/clock"
	"chatautomation/internal/command"
	"chatautomation/internal/config"
	"chatautomation/internal/manager"
	"chatautomation/internal/metrics"
	"chatautomation/internal/store"
	"chatautomation/internal/transport"
)

// TestToken is the gateway token the harness authenticates with.
const TestToken = "test-token"

// TestEnv wires the full runtime against a MockGateway: bus, cache,
// store, command router, transport client and feature manager. Tests
// register features, Discover them on Manager and drive traffic
// through Gateway.
//
// Example usage:
//
//	env, err := testutil.NewTestEnv(nil)
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
//
//	env.Manager.Discover(feature.List())
//	require.NoError(t, env.Manager.StartAll())
type TestEnv struct {
	Gateway *MockGateway
	Bus     *bus.Bus
	Cache   *cache.Cache
	Store   *store.MemoryStore
	Router  *command.Router
	Client  *transport.Client
	Manager *manager.Manager
	Clock   *clock.MockClock
	Logger  *zap.Logger
}

// NewTestEnv builds a connected environment. A nil manifest runs every
// discovered feature with default settings. Always call Cleanup in a
// defer after creating the TestEnv.
func NewTestEnv(manifest *config.Manifest) (*TestEnv, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}

	if manifest == nil {
		manifest = &config.Manifest{}
	}

	collector := metrics.NewCollector(prometheus.NewRegistry())
	clk := clock.NewMockClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	gateway := NewMockGateway(TestToken)

	b, err := bus.New(logger, collector, 8)
	if err != nil {
		gateway.Close()
		return nil, err
	}

	st := store.NewMemoryStore()
	c := cache.New(cache.Config{
		MaxPerBucket:  100,
		Retention:     24 * time.Hour,
		SweepInterval: time.Minute,
	}, logger, collector, clk)

	router := command.NewRouter(b, logger, clk, "!")
	if err := router.Start(); err != nil {
		b.Close()
		gateway.Close()
		return nil, err
	}

	client := transport.NewClient(gateway.URL(), TestToken, b, clk, collector, logger)
	if err := client.Connect(); err != nil {
		router.Stop()
		b.Close()
		gateway.Close()
		return nil, err
	}

	mgr, err := manager.New(manager.Deps{
		Bus:       b,
		Cache:     c,
		Store:     st,
		Router:    router,
		Manifest:  manifest,
		Clock:     clk,
		Logger:    logger,
		Collector: collector,
	})
	if err != nil {
		client.Disconnect()
		router.Stop()
		b.Close()
		gateway.Close()
		return nil, err
	}

	return &TestEnv{
		Gateway: gateway,
		Bus:     b,
		Cache:   c,
		Store:   st,
		Router:  router,
		Client:  client,
		Manager: mgr,
		Clock:   clk,
		Logger:  logger,
	}, nil
}

// Cleanup stops every component in reverse startup order.
func (e *TestEnv) Cleanup() {
	if err := e.Manager.StopAll(); err != nil {
		e.Logger.Warn("Test cleanup: StopAll reported errors", zap.Error(err))
	}
	e.Client.Disconnect()
	e.Router.Stop()
	e.Cache.StopSweeper()
	e.Bus.Close()
	e.Gateway.Close()
}
