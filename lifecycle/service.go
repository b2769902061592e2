// Package lifecycle owns the job and task state machines: creation,
// status transitions, outcome processing, and the interrupt, cancel,
// and restart actions. Every transition goes through a conditional
// atomic update so concurrent handlers cannot double-apply one.
package lifecycle

import (
	"context"
	"log/slog"

	"github.com/c360studio/taskgrid/broker"
	"github.com/c360studio/taskgrid/dispatch"
	"github.com/c360studio/taskgrid/storage"
	"github.com/c360studio/taskgrid/types"
)

// Downstream is the DAG advancement engine consulted when a task
// reaches a terminal outcome.
type Downstream interface {
	LaunchDownstreamTasks(ctx context.Context, job *types.Job, task *types.Task, route string) error
	SkipDownstreamOf(ctx context.Context, task *types.Task) error
}

// ReadyLauncher re-runs template admission after a running instance
// frees a slot.
type ReadyLauncher interface {
	LaunchReadyJobs(ctx context.Context, jobDefID string) error
}

// AlertNotifier is told when a job reaches a terminal status and has
// alert targets configured.
type AlertNotifier interface {
	JobTerminal(ctx context.Context, job *types.Job)
}

// Service implements the job and task lifecycle operations.
type Service struct {
	store  *storage.Store
	disp   *dispatch.Dispatcher
	pub    broker.Publisher
	logger *slog.Logger

	down   Downstream
	ready  ReadyLauncher
	alerts AlertNotifier
}

// NewService builds a lifecycle Service. Downstream and scheduler
// wiring happens via setters during orchestrator assembly because the
// three engines reference each other.
func NewService(store *storage.Store, disp *dispatch.Dispatcher, pub broker.Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		disp:   disp,
		pub:    pub,
		logger: logger,
	}
}

// SetDownstream wires the DAG advancement engine.
func (s *Service) SetDownstream(d Downstream) { s.down = d }

// SetScheduler wires the template admission engine.
func (s *Service) SetScheduler(r ReadyLauncher) { s.ready = r }

// SetAlertNotifier wires the terminal-job alert hook. Optional.
func (s *Service) SetAlertNotifier(a AlertNotifier) { s.alerts = a }

// TaskStatusChanged satisfies dispatch.JobStatusNotifier: a dispatch
// decision moved a task into a terminal status, so re-derive the job.
func (s *Service) TaskStatusChanged(ctx context.Context, jobID string) error {
	return s.CheckJobStatus(ctx, jobID)
}

func (s *Service) publishJobDelta(ctx context.Context, job *types.Job, op broker.DeltaOp) {
	if err := s.pub.PublishDelta(ctx, job.TeamID, "job", op, job.LogSafe()); err != nil {
		s.logger.Warn("Failed to publish job delta", "job", job.ID, "error", err)
	}
}

func (s *Service) publishTaskDelta(ctx context.Context, task *types.Task, op broker.DeltaOp) {
	if err := s.pub.PublishDelta(ctx, task.TeamID, "task", op, task); err != nil {
		s.logger.Warn("Failed to publish task delta", "task", task.ID, "error", err)
	}
}

func (s *Service) publishOutcomeDelta(ctx context.Context, outcome *types.TaskOutcome, op broker.DeltaOp) {
	if err := s.pub.PublishDelta(ctx, outcome.TeamID, "taskoutcome", op, outcome); err != nil {
		s.logger.Warn("Failed to publish outcome delta", "outcome", outcome.ID, "error", err)
	}
}

func (s *Service) publishJobDefDelta(ctx context.Context, def *types.JobDef, op broker.DeltaOp) {
	if err := s.pub.PublishDelta(ctx, def.TeamID, "jobdef", op, def); err != nil {
		s.logger.Warn("Failed to publish jobdef delta", "jobdef", def.ID, "error", err)
	}
}

// decrementAgentLoad releases one active-task slot after an outcome
// reaches a terminal status.
func (s *Service) decrementAgentLoad(ctx context.Context, agentID string) {
	if agentID == "" {
		return
	}
	_, err := s.store.Agents.Update(ctx, agentID,
		func(a *types.Agent) bool { return a.NumActiveTasks > 0 },
		func(a *types.Agent) { a.NumActiveTasks-- })
	if err != nil && !storage.IsNoEffect(err) {
		s.logger.Warn("Failed to decrement agent load", "agent", agentID, "error", err)
	}
}
