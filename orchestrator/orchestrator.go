// Package orchestrator assembles the taskgrid engine: storage, agent
// directory, router, dispatcher, downstream launcher, lifecycle
// service, and template scheduler, wired together over one NATS
// client. Processor components and the management API share a single
// assembly per process.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/taskgrid/agents"
	"github.com/c360studio/taskgrid/alerts"
	"github.com/c360studio/taskgrid/broker"
	"github.com/c360studio/taskgrid/config"
	"github.com/c360studio/taskgrid/dispatch"
	"github.com/c360studio/taskgrid/launcher"
	"github.com/c360studio/taskgrid/lifecycle"
	"github.com/c360studio/taskgrid/routing"
	"github.com/c360studio/taskgrid/schedule"
	"github.com/c360studio/taskgrid/storage"
)

// Orchestrator holds the wired engine.
type Orchestrator struct {
	Store     *storage.Store
	Directory *agents.Directory
	Router    *routing.Router
	Publisher *broker.NATSPublisher
	Dispatch  *dispatch.Dispatcher
	Launcher  *launcher.Launcher
	Lifecycle *lifecycle.Service
	Scheduler *schedule.Scheduler

	cfg config.OrchestraConfig
}

// New builds the engine over the given NATS client. It ensures the
// TASKGRID stream and KV buckets exist, so it needs a connected client.
func New(ctx context.Context, client *natsclient.Client, cfg config.OrchestraConfig, logger *slog.Logger) (*Orchestrator, error) {
	js, err := client.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	if err := broker.EnsureStream(ctx, js); err != nil {
		return nil, err
	}

	store, err := storage.NewNATSStore(ctx, js)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	return assemble(store, broker.NewNATSPublisher(client, logger), cfg, logger), nil
}

// NewWithStore builds the engine over an existing store and publisher.
// Tests use it with the in-memory store and a recording publisher.
func NewWithStore(store *storage.Store, pub broker.Publisher, cfg config.OrchestraConfig, logger *slog.Logger) *Orchestrator {
	return assemble(store, pub, cfg, logger)
}

func assemble(store *storage.Store, pub broker.Publisher, cfg config.OrchestraConfig, logger *slog.Logger) *Orchestrator {
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = 90 * time.Second
	}
	if cfg.QueueTTL <= 0 {
		cfg.QueueTTL = 10 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = schedule.DefaultLeaseTTL
	}

	dir := agents.NewDirectory(store, cfg.LivenessWindow, logger)
	router := routing.NewRouter(store, dir, routing.Config{
		AdminTeamID: cfg.AdminTeamID,
		LambdaTag:   cfg.LambdaTag,
	}, logger)
	disp := dispatch.NewDispatcher(store, router, pub, cfg.QueueTTL, logger)
	svc := lifecycle.NewService(store, disp, pub, logger)
	disp.SetJobNotifier(svc)

	laun := launcher.NewLauncher(store, disp, logger)
	svc.SetDownstream(laun)

	sched := schedule.NewScheduler(store, svc, cfg.LeaseTTL, logger)
	svc.SetScheduler(sched)
	svc.SetAlertNotifier(alerts.NewNotifier(logger))

	o := &Orchestrator{
		Store:     store,
		Directory: dir,
		Router:    router,
		Dispatch:  disp,
		Launcher:  laun,
		Lifecycle: svc,
		Scheduler: sched,
		cfg:       cfg,
	}
	if np, ok := pub.(*broker.NATSPublisher); ok {
		o.Publisher = np
	}
	return o
}

// Config returns the orchestration settings used to assemble the engine.
func (o *Orchestrator) Config() config.OrchestraConfig { return o.cfg }
