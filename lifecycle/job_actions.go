package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/taskgrid/broker"
	"github.com/c360studio/taskgrid/storage"
	"github.com/c360studio/taskgrid/types"
)

// InterruptJob suspends a running job: the job moves to INTERRUPTING
// and every running attempt is asked to stop. The job settles as
// INTERRUPTED once the agents report back.
func (s *Service) InterruptJob(ctx context.Context, jobID string) error {
	job, err := s.UpdateJobStatus(ctx, jobID,
		func(j *types.Job) bool { return j.Status == types.JobRunning },
		types.JobInterrupting)
	if err != nil {
		return s.jobActionError(ctx, jobID, err,
			"Job %s cannot be interrupted - current status should be \"RUNNING\" but is \"%s\"")
	}

	outcomes, err := s.openJobOutcomes(ctx, job.ID)
	if err != nil {
		return err
	}
	for _, outcome := range outcomes {
		if outcome.Status != types.TaskRunning {
			continue
		}
		if err := s.InterruptTaskOutcome(ctx, outcome.ID); err != nil {
			var verr *types.ValidationError
			if errors.As(err, &verr) {
				continue
			}
			return err
		}
	}
	return s.CheckJobStatus(ctx, jobID)
}

// CancelJob stops a job for good. Attempts held by agents are
// signalled; everything not yet on an agent settles immediately. A
// FAILED job may be canceled to stop its surviving branches.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	job, err := s.UpdateJobStatus(ctx, jobID,
		func(j *types.Job) bool {
			return j.Status < types.JobCanceling || j.Status == types.JobFailed
		},
		types.JobCanceling)
	if err != nil {
		return s.jobActionError(ctx, jobID, err,
			"Job %s cannot be canceled since current status is \"%s\"")
	}

	outcomes, err := s.openJobOutcomes(ctx, job.ID)
	if err != nil {
		return err
	}
	for _, outcome := range outcomes {
		if err := s.CancelTaskOutcome(ctx, outcome.ID); err != nil {
			var verr *types.ValidationError
			if errors.As(err, &verr) {
				continue
			}
			return err
		}
	}

	// Tasks not yet handed to any agent cannot report back; settle them
	// here so the job does not hang on them.
	tasks, err := s.store.JobTasks(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load tasks for job %s: %w", jobID, err)
	}
	for _, task := range tasks {
		if task.Status == nil {
			continue
		}
		if *task.Status != types.TaskNotStarted && *task.Status != types.TaskWaitingForAgent {
			continue
		}
		observed := *task.Status
		updated, err := s.store.Tasks.Update(ctx, task.ID,
			func(t *types.Task) bool { return t.Status != nil && *t.Status == observed },
			func(t *types.Task) { t.Status = types.TaskCancelled.Ptr() })
		if err != nil {
			if storage.IsNoEffect(err) {
				continue
			}
			return fmt.Errorf("cancel pending task %s: %w", task.ID, err)
		}
		s.publishTaskDelta(ctx, updated, broker.DeltaUpdate)
	}

	return s.CheckJobStatus(ctx, jobID)
}

// RestartJob resumes an interrupted job, or retries a failed one whose
// failures are retryable. The job returns to RUNNING and each eligible
// attempt is retired and dispatched again.
func (s *Service) RestartJob(ctx context.Context, jobID string) error {
	_, err := s.UpdateJobStatus(ctx, jobID,
		func(j *types.Job) bool {
			return j.Status == types.JobInterrupted || j.Status == types.JobFailed
		},
		types.JobRunning)
	if err != nil {
		return s.jobActionError(ctx, jobID, err,
			"Job %s cannot be restarted since current status is \"%s\"")
	}

	outcomes, err := s.store.JobOutcomes(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load outcomes for job %s: %w", jobID, err)
	}
	for _, outcome := range outcomes {
		eligible := outcome.Status == types.TaskInterrupted ||
			(outcome.Status == types.TaskFailed && outcome.FailureCode != nil && outcome.FailureCode.Retryable())
		if !eligible {
			continue
		}
		if err := s.RestartTaskOutcome(ctx, outcome.ID); err != nil {
			var verr *types.ValidationError
			if errors.As(err, &verr) {
				continue
			}
			return err
		}
	}
	return nil
}

func (s *Service) openJobOutcomes(ctx context.Context, jobID string) ([]*types.TaskOutcome, error) {
	outcomes, err := s.store.TaskOutcomes.Find(ctx, func(o *types.TaskOutcome) bool {
		return o.JobID == jobID && !o.Status.Terminal()
	})
	if err != nil {
		return nil, fmt.Errorf("load open outcomes for job %s: %w", jobID, err)
	}
	return outcomes, nil
}

// jobActionError turns a failed guarded transition into the precise
// client-facing error: missing job, or the job's actual current status.
func (s *Service) jobActionError(ctx context.Context, jobID string, err error, format string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return types.NewMissingObjectError("Job %s not found.", jobID)
	}
	if errors.Is(err, storage.ErrNoMatch) {
		current, getErr := s.store.Jobs.Get(ctx, jobID)
		if getErr != nil {
			return fmt.Errorf("load job %s: %w", jobID, getErr)
		}
		return types.NewValidationError(format, jobID, current.Status)
	}
	return fmt.Errorf("update job %s: %w", jobID, err)
}
