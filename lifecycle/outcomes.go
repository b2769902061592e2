package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/c360studio/taskgrid/broker"
	"github.com/c360studio/taskgrid/dag"
	"github.com/c360studio/taskgrid/storage"
	"github.com/c360studio/taskgrid/types"
)

// UpdateTaskOutcome applies an outcome report from an agent (or a
// synthetic one from a sweep). It advances the outcome and its task,
// and on a terminal status merges reported variables into the job,
// evaluates downstream edges, and re-derives the job status.
//
// Reports against an already-terminal outcome are stale duplicates and
// are dropped.
func (s *Service) UpdateTaskOutcome(ctx context.Context, payload *broker.OutcomeUpdatePayload) error {
	task, err := s.store.Tasks.Get(ctx, payload.TaskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.NewMissingObjectError("Task %s not found.", payload.TaskID)
		}
		return fmt.Errorf("load task %s: %w", payload.TaskID, err)
	}
	job, err := s.store.Jobs.Get(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.NewMissingObjectError("Job %s not found.", task.JobID)
		}
		return fmt.Errorf("load job %s: %w", task.JobID, err)
	}

	outcome, err := s.findOrCreateOutcome(ctx, payload, task)
	if err != nil {
		return err
	}
	if outcome.Status.Terminal() {
		s.logger.Debug("Dropping stale outcome report",
			"outcome", outcome.ID, "status", outcome.Status, "reported", payload.Status)
		return nil
	}

	newStatus := payload.Status
	// An interrupt that lands while the job is being canceled settles the
	// attempt as cancelled; the agent will not resume it.
	if newStatus == types.TaskInterrupted && job.Status == types.JobCanceling {
		newStatus = types.TaskCancelled
	}

	route := outcome.Route
	if v, ok := payload.RuntimeVars["route"]; ok && v.Value != "" {
		route = v.Value
	}

	outcome, err = s.store.TaskOutcomes.Update(ctx, outcome.ID,
		func(o *types.TaskOutcome) bool { return !o.Status.Terminal() },
		func(o *types.TaskOutcome) {
			o.Status = newStatus
			o.Route = route
			if payload.FailureCode != nil {
				o.FailureCode = payload.FailureCode
			}
			if payload.AgentID != "" {
				o.AgentID = payload.AgentID
			}
			if payload.DateStarted != nil {
				o.DateStarted = payload.DateStarted
			}
			if payload.DateCompleted != nil {
				o.DateCompleted = payload.DateCompleted
			}
			o.RuntimeVars = o.RuntimeVars.Merge(payload.RuntimeVars)
		})
	if err != nil {
		if storage.IsNoEffect(err) {
			return nil
		}
		return fmt.Errorf("update outcome for task %s: %w", payload.TaskID, err)
	}
	s.publishOutcomeDelta(ctx, outcome, broker.DeltaUpdate)

	mirrored, err := s.store.Tasks.Update(ctx, task.ID,
		func(t *types.Task) bool { return t.Status == nil || !t.Status.Terminal() },
		func(t *types.Task) {
			t.Status = newStatus.Ptr()
			t.FailureCode = outcome.FailureCode
		})
	if err == nil {
		task = mirrored
		s.publishTaskDelta(ctx, task, broker.DeltaUpdate)
	} else if !storage.IsNoEffect(err) {
		return fmt.Errorf("mirror outcome to task %s: %w", task.ID, err)
	}

	if !newStatus.Terminal() {
		return nil
	}
	return s.finishTask(ctx, job, task, outcome, newStatus)
}

// finishTask runs the terminal-outcome side effects.
func (s *Service) finishTask(ctx context.Context, job *types.Job, task *types.Task, outcome *types.TaskOutcome, status types.TaskStatus) error {
	s.decrementAgentLoad(ctx, outcome.AgentID)

	// Reported variables become visible to downstream interpolation.
	if len(outcome.RuntimeVars) > 0 {
		updated, err := s.store.Jobs.Update(ctx, job.ID, nil, func(j *types.Job) {
			j.RuntimeVars = j.RuntimeVars.Merge(outcome.RuntimeVars)
		})
		if err != nil {
			if !storage.IsNoEffect(err) {
				return fmt.Errorf("merge outcome vars into job %s: %w", job.ID, err)
			}
		} else {
			job = updated
		}
	}

	if status == types.TaskFailed && task.AutoRestart &&
		outcome.FailureCode != nil && outcome.FailureCode.Retryable() {
		s.logger.Info("Auto-restarting failed task",
			"task", task.ID, "name", task.Name, "code", outcome.FailureCode)
		return s.RestartTaskOutcome(ctx, outcome.ID)
	}

	route := outcome.Route
	if route == "" && status != types.TaskSucceeded {
		route = dag.FailRoute
	}
	if s.down != nil {
		if err := s.down.LaunchDownstreamTasks(ctx, job, task, route); err != nil {
			return fmt.Errorf("launch downstream of task %s: %w", task.ID, err)
		}
	}
	return s.CheckJobStatus(ctx, job.ID)
}

// findOrCreateOutcome resolves the outcome a report addresses: explicit
// id, the task's open outcome, or a fresh record for a first report.
func (s *Service) findOrCreateOutcome(ctx context.Context, payload *broker.OutcomeUpdatePayload, task *types.Task) (*types.TaskOutcome, error) {
	if payload.OutcomeID != "" {
		outcome, err := s.store.TaskOutcomes.Get(ctx, payload.OutcomeID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, types.NewMissingObjectError("Task outcome %s not found.", payload.OutcomeID)
			}
			return nil, fmt.Errorf("load outcome %s: %w", payload.OutcomeID, err)
		}
		return outcome, nil
	}

	outcome, err := s.store.TaskOutcomes.FindOne(ctx, func(o *types.TaskOutcome) bool {
		return o.TaskID == task.ID && !o.Status.Terminal()
	})
	if err == nil {
		return outcome, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("find open outcome for task %s: %w", task.ID, err)
	}

	outcome = &types.TaskOutcome{
		ID:              uuid.NewString(),
		TeamID:          task.TeamID,
		JobID:           task.JobID,
		TaskID:          task.ID,
		TaskName:        task.Name,
		AgentID:         payload.AgentID,
		Status:          types.TaskPublished,
		Target:          task.Target,
		AutoRestart:     task.AutoRestart,
		SourceTaskRoute: task.SourceTaskRoute,
		DateStarted:     payload.DateStarted,
		CorrelationID:   payload.CorrelationID,
	}
	if err := s.store.TaskOutcomes.Insert(ctx, outcome.ID, outcome); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return s.store.TaskOutcomes.Get(ctx, outcome.ID)
		}
		return nil, fmt.Errorf("create outcome for task %s: %w", task.ID, err)
	}
	s.publishOutcomeDelta(ctx, outcome, broker.DeltaCreate)
	return outcome, nil
}
