// Package crontrigger provides the processor that fires scheduled job
// templates. It keeps a cron entry per template with a schedule
// expression and creates a job instance each time one fires; admission
// control in the scheduler decides whether the instance actually runs.
package crontrigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/robfig/cron/v3"

	"github.com/c360studio/taskgrid/orchestrator"
	"github.com/c360studio/taskgrid/types"
)

// cronEntry tracks one template's registered schedule.
type cronEntry struct {
	entryID  cron.EntryID
	schedule string
}

// Component implements the cron-trigger processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	engine *orchestrator.Orchestrator

	cron    *cron.Cron
	entries map[string]cronEntry

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	triggersFired  atomic.Int64
	triggerErrors  atomic.Int64
	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// NewComponent creates a new cron-trigger processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.RefreshInterval == "" {
		config.RefreshInterval = defaults.RefreshInterval
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "cron-trigger",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
		entries:    make(map[string]cronEntry),
	}, nil
}

// SetEngine wires the shared orchestrator assembly. Must be called
// before Start.
func (c *Component) SetEngine(engine *orchestrator.Orchestrator) {
	c.engine = engine
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized cron-trigger",
		"refresh_interval", c.config.RefreshInterval)
	return nil
}

// Start loads template schedules and begins firing them.
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

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.cron = cron.New()
	c.mu.Unlock()

	if err := c.refreshSchedules(subCtx); err != nil {
		c.logger.Error("Initial schedule load failed", "error", err)
	}
	c.cron.Start()

	go c.refreshLoop(subCtx)

	c.logger.Info("cron-trigger started",
		"schedules", len(c.entries),
		"refresh_interval", c.config.RefreshInterval)
	return nil
}

// refreshLoop reloads template schedules on every tick, picking up
// templates created, changed, or deleted since the last pass.
func (c *Component) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.GetRefreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.refreshSchedules(ctx); err != nil {
				c.logger.Error("Schedule refresh failed", "error", err)
			}
		}
	}
}

// refreshSchedules reconciles cron entries with stored templates.
func (c *Component) refreshSchedules(ctx context.Context) error {
	defs, err := c.engine.Store.JobDefs.Find(ctx, func(d *types.JobDef) bool {
		return d.Schedule != ""
	})
	if err != nil {
		return fmt.Errorf("list scheduled templates: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		seen[def.ID] = true
		existing, ok := c.entries[def.ID]
		if ok && existing.schedule == def.Schedule {
			continue
		}
		if ok {
			c.cron.Remove(existing.entryID)
		}

		defID := def.ID
		entryID, err := c.cron.AddFunc(def.Schedule, func() {
			c.fire(ctx, defID)
		})
		if err != nil {
			c.logger.Error("Invalid template schedule",
				"jobdef", def.ID, "schedule", def.Schedule, "error", err)
			delete(c.entries, def.ID)
			continue
		}
		c.entries[def.ID] = cronEntry{entryID: entryID, schedule: def.Schedule}
		c.logger.Info("Template schedule registered",
			"jobdef", def.ID, "schedule", def.Schedule)
	}

	for id, entry := range c.entries {
		if !seen[id] {
			c.cron.Remove(entry.entryID)
			delete(c.entries, id)
			c.logger.Info("Template schedule removed", "jobdef", id)
		}
	}
	return nil
}

// fire creates one instance of the template at its trigger time.
func (c *Component) fire(ctx context.Context, jobDefID string) {
	c.triggersFired.Add(1)
	c.updateLastActivity()

	job, err := c.engine.Scheduler.TriggerJobDef(ctx, jobDefID, time.Now())
	if err != nil {
		c.triggerErrors.Add(1)
		c.logger.Error("Scheduled trigger failed", "jobdef", jobDefID, "error", err)
		return
	}
	c.logger.Info("Scheduled job created",
		"jobdef", jobDefID, "job", job.ID, "run", job.RunID)
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}

	cancel := c.cancel
	cr := c.cron
	c.running = false
	c.cancel = nil
	c.cron = nil
	c.entries = make(map[string]cronEntry)
	c.mu.Unlock()

	if cr != nil {
		cr.Stop()
	}
	if cancel != nil {
		cancel()
	}

	c.logger.Info("cron-trigger stopped",
		"triggers_fired", c.triggersFired.Load(),
		"trigger_errors", c.triggerErrors.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "cron-trigger",
		Type:        "processor",
		Description: "Fires job templates on their cron schedules",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return cronTriggerSchema
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
		ErrorCount: int(c.triggerErrors.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastActivity(),
	}
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
