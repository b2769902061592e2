package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/taskgrid/broker"
	"github.com/c360studio/taskgrid/storage"
	"github.com/c360studio/taskgrid/types"
)

// InterruptTaskOutcome asks the agent running the outcome to suspend
// it. Only a RUNNING outcome can be interrupted.
func (s *Service) InterruptTaskOutcome(ctx context.Context, outcomeID string) error {
	outcome, err := s.store.TaskOutcomes.Update(ctx, outcomeID,
		func(o *types.TaskOutcome) bool { return o.Status == types.TaskRunning },
		func(o *types.TaskOutcome) { o.Status = types.TaskInterrupting })
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.NewMissingObjectError("Task outcome %s not found.", outcomeID)
		}
		if errors.Is(err, storage.ErrNoMatch) {
			current, getErr := s.store.TaskOutcomes.Get(ctx, outcomeID)
			if getErr != nil {
				return fmt.Errorf("load outcome %s: %w", outcomeID, getErr)
			}
			return types.NewValidationError(
				"Task outcome %s cannot be interrupted - current status should be \"RUNNING\" but is \"%s\"",
				outcomeID, current.Status)
		}
		return fmt.Errorf("interrupt outcome %s: %w", outcomeID, err)
	}
	s.publishOutcomeDelta(ctx, outcome, broker.DeltaUpdate)
	s.mirrorTaskStatus(ctx, outcome.TaskID, types.TaskInterrupting)

	return s.signalAgent(ctx, outcome, "interrupt")
}

// CancelTaskOutcome stops the outcome. An attempt held by an agent is
// moved to CANCELING and the agent signalled; an attempt no agent holds
// settles as CANCELLED immediately. A FAILED outcome may be canceled to
// discard it before a restart.
func (s *Service) CancelTaskOutcome(ctx context.Context, outcomeID string) error {
	current, err := s.store.TaskOutcomes.Get(ctx, outcomeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.NewMissingObjectError("Task outcome %s not found.", outcomeID)
		}
		return fmt.Errorf("load outcome %s: %w", outcomeID, err)
	}

	cancelable := func(o *types.TaskOutcome) bool {
		return o.Status < types.TaskCanceling || o.Status == types.TaskFailed
	}
	if !cancelable(current) {
		return types.NewValidationError(
			"Task outcome %s cannot be canceled since current status is \"%s\"",
			outcomeID, current.Status)
	}

	if current.AgentID == "" {
		// Nothing holds the attempt; settle it through the normal
		// terminal machinery.
		return s.UpdateTaskOutcome(ctx, &broker.OutcomeUpdatePayload{
			OutcomeID: outcomeID,
			TaskID:    current.TaskID,
			TeamID:    current.TeamID,
			Status:    types.TaskCancelled,
		})
	}

	outcome, err := s.store.TaskOutcomes.Update(ctx, outcomeID, cancelable,
		func(o *types.TaskOutcome) { o.Status = types.TaskCanceling })
	if err != nil {
		if storage.IsNoEffect(err) {
			return nil
		}
		return fmt.Errorf("cancel outcome %s: %w", outcomeID, err)
	}
	s.publishOutcomeDelta(ctx, outcome, broker.DeltaUpdate)
	s.mirrorTaskStatus(ctx, outcome.TaskID, types.TaskCanceling)

	return s.signalAgent(ctx, outcome, "cancel")
}

// RestartTaskOutcome retires an interrupted or retryably-failed attempt
// and dispatches the task again. A broadcast task restarts pinned to
// the agent that ran the retired attempt, so the retry does not fan out
// to the whole pool a second time.
func (s *Service) RestartTaskOutcome(ctx context.Context, outcomeID string) error {
	restartable := func(o *types.TaskOutcome) bool {
		if o.Status == types.TaskInterrupted {
			return true
		}
		return o.Status == types.TaskFailed && o.FailureCode != nil && o.FailureCode.Retryable()
	}

	outcome, err := s.store.TaskOutcomes.Update(ctx, outcomeID, restartable,
		func(o *types.TaskOutcome) {
			o.Status = types.TaskCancelled
			delete(o.RuntimeVars, "route")
		})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.NewMissingObjectError("Task outcome %s not found.", outcomeID)
		}
		if errors.Is(err, storage.ErrNoMatch) {
			current, getErr := s.store.TaskOutcomes.Get(ctx, outcomeID)
			if getErr != nil {
				return fmt.Errorf("load outcome %s: %w", outcomeID, getErr)
			}
			return types.NewValidationError(
				"Task outcome %s cannot be restarted since current status is \"%s\"",
				outcomeID, current.Status)
		}
		return fmt.Errorf("restart outcome %s: %w", outcomeID, err)
	}
	s.publishOutcomeDelta(ctx, outcome, broker.DeltaUpdate)
	s.decrementAgentLoad(ctx, outcome.AgentID)

	task, err := s.store.Tasks.Update(ctx, outcome.TaskID, nil, func(t *types.Task) {
		t.Status = types.TaskNotStarted.Ptr()
		t.FailureCode = nil
		t.AttemptedRunAgentIDs = nil
		if t.Target.IsAll() && outcome.AgentID != "" {
			t.Target = types.TargetSingleSpecificAgent
			t.TargetAgentID = outcome.AgentID
		}
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.NewMissingObjectError("Task %s not found.", outcome.TaskID)
		}
		return fmt.Errorf("reset task %s for restart: %w", outcome.TaskID, err)
	}
	s.publishTaskDelta(ctx, task, broker.DeltaUpdate)

	job, err := s.store.Jobs.Get(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", task.JobID, err)
	}

	if err := s.disp.PublishTask(ctx, job, task); err != nil {
		var lte *types.LaunchTaskError
		if errors.As(err, &lte) {
			return nil
		}
		return err
	}
	return nil
}

// mirrorTaskStatus reflects an outcome transition onto the task
// document, best effort.
func (s *Service) mirrorTaskStatus(ctx context.Context, taskID string, status types.TaskStatus) {
	task, err := s.store.Tasks.Update(ctx, taskID,
		func(t *types.Task) bool { return t.Status == nil || !t.Status.Terminal() },
		func(t *types.Task) { t.Status = status.Ptr() })
	if err != nil {
		if !storage.IsNoEffect(err) {
			s.logger.Error("Failed to mirror outcome status to task", "task", taskID, "error", err)
		}
		return
	}
	s.publishTaskDelta(ctx, task, broker.DeltaUpdate)
}

func (s *Service) signalAgent(ctx context.Context, outcome *types.TaskOutcome, signal string) error {
	sig := &broker.AgentSignal{
		Signal:    signal,
		OutcomeID: outcome.ID,
		TaskID:    outcome.TaskID,
		Outcome:   outcome,
	}
	if err := s.pub.PublishToAgent(ctx, outcome.AgentID, sig); err != nil {
		return fmt.Errorf("signal agent %s: %w", outcome.AgentID, err)
	}
	return nil
}
