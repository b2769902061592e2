// Package orchestratorapi provides the HTTP management surface of the
// orchestrator: team and agent inspection, template management, job
// submission, and lifecycle actions on jobs and task attempts.
package orchestratorapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/taskgrid/orchestrator"
)

// Component implements the orchestrator-api component.
type Component struct {
	name   string
	config Config
	logger *slog.Logger

	engine *orchestrator.Orchestrator
	server *http.Server

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	requestErrors atomic.Int64
}

// NewComponent constructs an orchestrator-api Component from raw JSON
// config and deps.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:   "orchestrator-api",
		config: config,
		logger: deps.GetLogger(),
	}, nil
}

// SetEngine wires the shared orchestrator assembly. Must be called
// before Start.
func (c *Component) SetEngine(engine *orchestrator.Orchestrator) {
	c.engine = engine
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized orchestrator-api",
		"addr", c.config.Addr, "prefix", c.config.Prefix)
	return nil
}

// Start begins serving the management API.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.engine == nil {
		c.mu.Unlock()
		return fmt.Errorf("orchestrator engine required")
	}

	c.running = true
	c.startTime = time.Now()

	_, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	mux := http.NewServeMux()
	c.RegisterHTTPHandlers(c.config.Prefix, mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	c.server = &http.Server{
		Addr:              c.config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	c.mu.Unlock()

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Management API server failed", "error", err)
		}
	}()

	c.logger.Info("orchestrator-api started",
		"addr", c.config.Addr, "prefix", c.config.Prefix)
	return nil
}

// Stop gracefully stops the component.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}

	cancel := c.cancel
	server := c.server
	c.running = false
	c.cancel = nil
	c.server = nil
	c.mu.Unlock()

	if server != nil {
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutCtx, shutCancel := context.WithTimeout(context.Background(), timeout)
		defer shutCancel()
		if err := server.Shutdown(shutCtx); err != nil {
			c.logger.Warn("Management API shutdown incomplete", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}

	c.logger.Info("orchestrator-api stopped",
		"request_errors", c.requestErrors.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "orchestrator-api",
		Type:        "processor",
		Description: "HTTP management API for jobs, templates, agents, and teams",
		Version:     "0.1.0",
	}
}

// InputPorts returns an empty port list. This component has no NATS inputs.
func (c *Component) InputPorts() []component.Port {
	return []component.Port{}
}

// OutputPorts returns an empty port list. This component has no NATS outputs.
func (c *Component) OutputPorts() []component.Port {
	return []component.Port{}
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return orchestratorAPISchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.requestErrors.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{}
}
