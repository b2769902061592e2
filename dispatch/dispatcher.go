// Package dispatch publishes ready tasks to agent queues and records
// the status transitions that routing outcomes imply.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/c360studio/taskgrid/broker"
	"github.com/c360studio/taskgrid/routing"
	"github.com/c360studio/taskgrid/storage"
	"github.com/c360studio/taskgrid/types"
)

var (
	tasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgrid_tasks_dispatched_total",
		Help: "Task dispatch attempts by result.",
	}, []string{"result"})

	queuePublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskgrid_queue_publish_failures_total",
		Help: "Agent queue publishes that failed and were dead-lettered.",
	})
)

// JobStatusNotifier is told when a dispatch decision moved a task into a
// terminal status, so the owning job's status can be re-derived.
type JobStatusNotifier interface {
	TaskStatusChanged(ctx context.Context, jobID string) error
}

// Dispatcher routes tasks and publishes them to agent queues.
type Dispatcher struct {
	store    *storage.Store
	router   *routing.Router
	pub      broker.Publisher
	logger   *slog.Logger
	queueTTL time.Duration
	source   string

	notifier JobStatusNotifier
}

// NewDispatcher builds a Dispatcher. queueTTL bounds how long a
// published task may sit unconsumed in an agent queue; zero disables
// expiry.
func NewDispatcher(store *storage.Store, router *routing.Router, pub broker.Publisher, queueTTL time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		router:   router,
		pub:      pub,
		logger:   logger,
		queueTTL: queueTTL,
		source:   "taskgrid",
	}
}

// SetJobNotifier wires the job status recompute hook. Optional; set
// during orchestrator assembly.
func (d *Dispatcher) SetJobNotifier(n JobStatusNotifier) {
	d.notifier = n
}

// PublishTask routes the task and publishes it to every returned agent
// queue. Routing failures map onto task status:
//
//	no agent available        -> WAITING_FOR_AGENT (retried by the sweeper)
//	definition errors         -> FAILED with the routing failure code
//
// A successful publish moves the task to PUBLISHED and clears any prior
// failure code.
func (d *Dispatcher) PublishTask(ctx context.Context, job *types.Job, task *types.Task) error {
	routes, err := d.router.GetTaskRoutes(ctx, job, task)
	if err != nil {
		var lte *types.LaunchTaskError
		if errors.As(err, &lte) {
			return d.handleRoutingFailure(ctx, task, lte)
		}
		return fmt.Errorf("route task %s: %w", task.ID, err)
	}

	updated, err := d.store.Tasks.Update(ctx, task.ID,
		func(t *types.Task) bool { return t.StatusAtOrBelow(types.TaskPublished) },
		func(t *types.Task) {
			t.Status = types.TaskPublished.Ptr()
			t.FailureCode = nil
			now := time.Now()
			t.DateDispatched = &now
		})
	if err != nil {
		if errors.Is(err, storage.ErrNoMatch) {
			// Another handler already advanced the task past PUBLISHED.
			d.logger.Debug("Task advanced before publish, skipping", "task", task.ID)
			return nil
		}
		return fmt.Errorf("mark task %s published: %w", task.ID, err)
	}
	*task = *updated

	data, err := d.dispatchPayload(job, task)
	if err != nil {
		return fmt.Errorf("build dispatch payload for task %s: %w", task.ID, err)
	}

	for _, route := range routes {
		if err := d.pub.PublishTask(ctx, route.AgentQueue, data, d.queueTTL); err != nil {
			queuePublishFailures.Inc()
			d.logger.Error("Failed to publish task to agent queue",
				"task", task.ID, "queue", route.AgentQueue, "error", err)
			if dlErr := d.pub.PublishDeadLetter(ctx, route.AgentQueue, data, err.Error()); dlErr != nil {
				d.logger.Error("Failed to dead-letter task payload", "task", task.ID, "error", dlErr)
			}
			return fmt.Errorf("publish task %s to %s: %w", task.ID, route.AgentQueue, err)
		}
	}

	tasksDispatched.WithLabelValues("published").Inc()
	d.publishTaskDelta(ctx, task)
	return nil
}

func (d *Dispatcher) handleRoutingFailure(ctx context.Context, task *types.Task, lte *types.LaunchTaskError) error {
	if lte.Code == types.FailureNoAgentAvailable {
		updated, err := d.store.Tasks.Update(ctx, task.ID,
			func(t *types.Task) bool { return t.StatusAtOrBelow(types.TaskPublished) },
			func(t *types.Task) {
				t.Status = types.TaskWaitingForAgent.Ptr()
				code := types.FailureNoAgentAvailable
				t.FailureCode = &code
			})
		if err != nil && !errors.Is(err, storage.ErrNoMatch) {
			return fmt.Errorf("mark task %s waiting for agent: %w", task.ID, err)
		}
		if updated != nil {
			*task = *updated
			d.publishTaskDelta(ctx, task)
		}
		tasksDispatched.WithLabelValues("waiting").Inc()
		d.logger.Info("No agent available, task parked", "task", task.ID, "name", task.Name)
		return nil
	}

	// Remaining codes are definition or internal errors; retrying the
	// same task cannot help.
	updated, err := d.store.Tasks.Update(ctx, task.ID,
		func(t *types.Task) bool { return t.Status == nil || !t.Status.Terminal() },
		func(t *types.Task) {
			t.Status = types.TaskFailed.Ptr()
			code := lte.Code
			t.FailureCode = &code
		})
	if err != nil && !errors.Is(err, storage.ErrNoMatch) {
		return fmt.Errorf("mark task %s failed: %w", task.ID, err)
	}
	if updated != nil {
		*task = *updated
		d.publishTaskDelta(ctx, task)
		if d.notifier != nil {
			if nErr := d.notifier.TaskStatusChanged(ctx, task.JobID); nErr != nil {
				d.logger.Error("Failed to recompute job status", "job", task.JobID, "error", nErr)
			}
		}
	}
	tasksDispatched.WithLabelValues("failed").Inc()
	return lte
}

// dispatchPayload builds the wire message for agent queues with step
// variable references resolved against task then job scope.
func (d *Dispatcher) dispatchPayload(job *types.Job, task *types.Task) ([]byte, error) {
	scopes := []types.RuntimeVars{task.RuntimeVars}
	if job != nil {
		scopes = append(scopes, job.RuntimeVars)
	}

	steps := make([]types.TaskStep, len(task.Steps))
	for i, step := range task.Steps {
		step.Script = types.InterpolateVars(step.Script, scopes...)
		step.Arguments = types.InterpolateVars(step.Arguments, scopes...)
		if len(step.Variables) > 0 {
			vars := make(map[string]string, len(step.Variables))
			for k, v := range step.Variables {
				vars[k] = types.InterpolateVars(v, scopes...)
			}
			step.Variables = vars
		}
		steps[i] = step
	}

	payload := &broker.TaskDispatchPayload{
		TaskID:          task.ID,
		JobID:           task.JobID,
		TeamID:          task.TeamID,
		TaskName:        task.Name,
		Target:          task.Target,
		Steps:           steps,
		RuntimeVars:     task.RuntimeVars,
		SourceTaskRoute: task.SourceTaskRoute,
		AutoRestart:     task.AutoRestart,
		CorrelationID:   task.CorrelationID,
	}
	return json.Marshal(message.NewBaseMessage(broker.TaskDispatchType, payload, d.source))
}

// RepublishTask resets a task and publishes it again, used for restarts
// and queued-dispatch expiry. The reset clears attempted agents so the
// router considers the full pool.
func (d *Dispatcher) RepublishTask(ctx context.Context, job *types.Job, task *types.Task) error {
	updated, err := d.store.Tasks.Update(ctx, task.ID, nil, func(t *types.Task) {
		t.Status = types.TaskNotStarted.Ptr()
		t.AttemptedRunAgentIDs = nil
	})
	if err != nil {
		return fmt.Errorf("reset task %s for republish: %w", task.ID, err)
	}
	*task = *updated
	return d.PublishTask(ctx, job, task)
}

// RepublishTasksWaitingForAgent retries every parked task in the team.
// Called periodically by the sweeper and immediately after an agent
// heartbeat registers new capacity.
func (d *Dispatcher) RepublishTasksWaitingForAgent(ctx context.Context, teamID string) error {
	waiting, err := d.store.Tasks.Find(ctx, func(t *types.Task) bool {
		return t.TeamID == teamID && t.Status != nil && *t.Status == types.TaskWaitingForAgent
	})
	if err != nil {
		return fmt.Errorf("find waiting tasks: %w", err)
	}

	for _, task := range waiting {
		updated, err := d.store.Tasks.Update(ctx, task.ID,
			func(t *types.Task) bool {
				return t.Status != nil && *t.Status == types.TaskWaitingForAgent
			},
			func(t *types.Task) {
				t.Status = types.TaskNotStarted.Ptr()
				t.AttemptedRunAgentIDs = nil
			})
		if err != nil {
			if errors.Is(err, storage.ErrNoMatch) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return fmt.Errorf("reset waiting task %s: %w", task.ID, err)
		}

		job, err := d.store.Jobs.Get(ctx, updated.JobID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				d.logger.Warn("Waiting task has no job, skipping", "task", updated.ID)
				continue
			}
			return fmt.Errorf("load job %s: %w", updated.JobID, err)
		}

		if err := d.PublishTask(ctx, job, updated); err != nil {
			d.logger.Error("Failed to republish waiting task", "task", updated.ID, "error", err)
		}
	}
	return nil
}

// TaskReadyToPublish reports whether the task may dispatch at job
// launch: its upstream dependency set is empty and no sibling names it
// as a fan-out target. Fan-out targets only launch when an upstream
// outcome routes to them.
func TaskReadyToPublish(task *types.Task, siblings []*types.Task) bool {
	if len(task.UpDep) > 0 {
		return false
	}
	for _, sib := range siblings {
		if sib.ID == task.ID {
			continue
		}
		for _, edge := range sib.ToRoutes {
			if edge.TaskName == task.Name {
				return false
			}
		}
	}
	return true
}

func (d *Dispatcher) publishTaskDelta(ctx context.Context, task *types.Task) {
	if err := d.pub.PublishDelta(ctx, task.TeamID, "task", broker.DeltaUpdate, task); err != nil {
		d.logger.Warn("Failed to publish task delta", "task", task.ID, "error", err)
	}
}
