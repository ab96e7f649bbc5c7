// Package api exposes runtime introspection over HTTP: feature states,
// cache statistics, bus metrics, process health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"chatautomation/internal/bus"
	"chatautomation/internal/cache"
	"chatautomation/internal/manager"
	"chatautomation/internal/transport"
)

// Server provides HTTP API endpoints for the chat automation runtime.
type Server struct {
	manager   *manager.Manager
	bus       *bus.Bus
	cache     *cache.Cache
	transport transport.Transport
	logger    *zap.Logger
	server    *http.Server
	proc      *process.Process
	startedAt time.Time
}

// NewServer creates the API server. The registry backs the /metrics
// endpoint; readiness follows gateway connectivity.
func NewServer(
	mgr *manager.Manager,
	b *bus.Bus,
	c *cache.Cache,
	tr transport.Transport,
	registry *prometheus.Registry,
	logger *zap.Logger,
	port int,
) *Server {
	s := &Server{
		manager:   mgr,
		bus:       b,
		cache:     c,
		transport: tr,
		logger:    logger.Named("api"),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	} else {
		s.logger.Warn("Process statistics unavailable", zap.Error(err))
	}

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(500))
	health.AddReadinessCheck("gateway", func() error {
		if !s.transport.IsConnected() {
			return fmt.Errorf("gateway disconnected")
		}
		return nil
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/api/features", s.handleFeatures)
	mux.HandleFunc("/api/cache", s.handleCache)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// handleFeatures returns every feature descriptor with its state.
func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	statuses := s.manager.Statuses()
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })

	s.writeJSON(w, map[string]any{"features": statuses})
}

// CacheResponse is the JSON shape of the cache endpoint.
type CacheResponse struct {
	Stats   cache.Stats    `json:"stats"`
	Buckets map[string]int `json:"buckets"`
}

// handleCache returns cache totals and per-bucket sizes.
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, CacheResponse{
		Stats:   s.cache.Stats(),
		Buckets: s.cache.BucketSizes(),
	})
}

// EventsResponse is the JSON shape of the events endpoint.
type EventsResponse struct {
	Metrics       map[string]bus.EventMetrics `json:"metrics"`
	Subscriptions []bus.SubscriptionInfo      `json:"subscriptions"`
}

// handleEvents returns per-event delivery statistics and the active
// subscriptions.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	subs := s.bus.AllSubscriptions()
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].Owner != subs[j].Owner {
			return subs[i].Owner < subs[j].Owner
		}
		return subs[i].Event < subs[j].Event
	})

	s.writeJSON(w, EventsResponse{
		Metrics:       s.bus.AllMetrics(),
		Subscriptions: subs,
	})
}

// StatusResponse is the JSON shape of the status endpoint.
type StatusResponse struct {
	Status           string  `json:"status"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	GatewayConnected bool    `json:"gateway_connected"`
	FeaturesStarted  int     `json:"features_started"`
	FeaturesFailed   int     `json:"features_failed"`
	MemoryRSSBytes   uint64  `json:"memory_rss_bytes"`
	CPUPercent       float64 `json:"cpu_percent"`
}

// handleStatus returns process and connectivity health.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{
		Status:           "ok",
		GatewayConnected: s.transport.IsConnected(),
	}
	if !s.startedAt.IsZero() {
		resp.UptimeSeconds = time.Since(s.startedAt).Seconds()
	}

	for _, st := range s.manager.States() {
		switch st {
		case manager.StateStarted:
			resp.FeaturesStarted++
		case manager.StateFailed:
			resp.FeaturesFailed++
		}
	}

	if s.proc != nil {
		if mi, err := s.proc.MemoryInfo(); err == nil {
			resp.MemoryRSSBytes = mi.RSS
		}
		if pct, err := s.proc.CPUPercent(); err == nil {
			resp.CPUPercent = pct
		}
	}

	s.writeJSON(w, resp)
}

// Endpoint represents an API endpoint with its documentation.
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

// handleSitemap lists the available endpoints. It answers 404 so
// automations probing unknown paths still see a miss, with a body that
// helps humans.
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	endpoints := []Endpoint{
		{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
		{Path: "/api/features", Method: "GET", Description: "Feature descriptors with lifecycle states"},
		{Path: "/api/cache", Method: "GET", Description: "Retention cache totals and per-conversation sizes"},
		{Path: "/api/events", Method: "GET", Description: "Event bus delivery statistics and subscriptions"},
		{Path: "/api/status", Method: "GET", Description: "Process health, uptime and gateway connectivity"},
		{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
		{Path: "/live", Method: "GET", Description: "Liveness probe"},
		{Path: "/ready", Method: "GET", Description: "Readiness probe - fails while the gateway is disconnected"},
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)

	fmt.Fprintf(w, "Chat Automation API\n")
	fmt.Fprintf(w, "===================\n\n")
	fmt.Fprintf(w, "Available endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-6s %-16s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nExamples:\n\n")
	fmt.Fprintf(w, "  curl http://localhost%s/api/features | jq\n", s.server.Addr)
	fmt.Fprintf(w, "  curl http://localhost%s/api/status\n", s.server.Addr)

	s.logger.Debug("Sitemap request served", zap.String("remote_addr", r.RemoteAddr))
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
