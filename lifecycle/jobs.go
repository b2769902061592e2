package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/taskgrid/broker"
	"github.com/c360studio/taskgrid/dag"
	"github.com/c360studio/taskgrid/dispatch"
	"github.com/c360studio/taskgrid/storage"
	"github.com/c360studio/taskgrid/types"
)

// JobSpec is an ad-hoc job submission: a named task DAG that starts
// running immediately, outside any template.
type JobSpec struct {
	Name          string            `json:"name"`
	RuntimeVars   types.RuntimeVars `json:"runtime_vars,omitempty"`
	Tasks         []types.TaskSpec  `json:"tasks"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	AlertEmail    string            `json:"alert_email,omitempty"`
	AlertSlackURL string            `json:"alert_slack_url,omitempty"`
}

// CreateJob instantiates and starts an ad-hoc job. Validation failures
// before anything is written return without side effects; a failure
// after the job document exists marks it FAILED with the error message
// so the client can see what went wrong.
func (s *Service) CreateJob(ctx context.Context, teamID string, spec *JobSpec) (*types.Job, error) {
	if err := validateSpec(spec.Tasks); err != nil {
		return nil, err
	}

	now := time.Now()
	job := &types.Job{
		ID:            uuid.NewString(),
		TeamID:        teamID,
		Name:          spec.Name,
		Status:        types.JobRunning,
		RuntimeVars:   spec.RuntimeVars,
		DateCreated:   now,
		DateStarted:   &now,
		AlertEmail:    spec.AlertEmail,
		AlertSlackURL: spec.AlertSlackURL,
		CorrelationID: spec.CorrelationID,
	}
	if err := s.store.Jobs.Insert(ctx, job.ID, job); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	s.publishJobDelta(ctx, job, broker.DeltaCreate)

	if err := s.instantiateTasks(ctx, job, spec.Tasks); err != nil {
		s.failJob(ctx, job.ID, err)
		return nil, err
	}
	if err := s.LaunchTasksWithNoUpstreamDependencies(ctx, job); err != nil {
		s.failJob(ctx, job.ID, err)
		return nil, err
	}
	return job, nil
}

// CreateJobFromJobDef instantiates a job from a template. The job is
// created NOT_STARTED; admission control decides when (or whether) it
// starts. dateScheduled carries the moment the trigger fired, which the
// misfire check compares against.
func (s *Service) CreateJobFromJobDef(ctx context.Context, jobDefID string, dateScheduled time.Time) (*types.Job, error) {
	def, err := s.store.JobDefs.Get(ctx, jobDefID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, types.NewMissingObjectError("Job template %s not found.", jobDefID)
		}
		return nil, fmt.Errorf("load job template %s: %w", jobDefID, err)
	}

	if err := validateSpec(def.Tasks); err != nil {
		return nil, err
	}

	// Claim a run id before creating the job so concurrent instantiations
	// never collide.
	def, err = s.store.JobDefs.Update(ctx, jobDefID, nil, func(d *types.JobDef) {
		d.LastRunID++
	})
	if err != nil {
		return nil, fmt.Errorf("claim run id for template %s: %w", jobDefID, err)
	}
	s.publishJobDefDelta(ctx, def, broker.DeltaUpdate)

	sched := dateScheduled
	job := &types.Job{
		ID:            uuid.NewString(),
		TeamID:        def.TeamID,
		JobDefID:      def.ID,
		RunID:         def.LastRunID,
		Name:          fmt.Sprintf("%s - %d", def.Name, def.LastRunID),
		Status:        types.JobNotStarted,
		RuntimeVars:   def.RuntimeVars.Merge(nil),
		DateCreated:   time.Now(),
		DateScheduled: &sched,
		AlertEmail:    def.AlertEmail,
		AlertSlackURL: def.AlertSlackURL,
	}
	if err := s.store.Jobs.Insert(ctx, job.ID, job); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	s.publishJobDelta(ctx, job, broker.DeltaCreate)

	if err := s.instantiateTasks(ctx, job, def.Tasks); err != nil {
		s.failJob(ctx, job.ID, err)
		return nil, err
	}
	return job, nil
}

func validateSpec(tasks []types.TaskSpec) error {
	if err := types.ValidateJobSpec(tasks); err != nil {
		return err
	}
	return dag.Validate(tasks)
}

// instantiateTasks copies the declarations into task documents. Status
// starts nil: the task has not been evaluated for dispatch.
func (s *Service) instantiateTasks(ctx context.Context, job *types.Job, specs []types.TaskSpec) error {
	downDeps := dag.DownstreamDependencies(specs)

	for i := range specs {
		spec := &specs[i]
		upDep := make(map[string]string, len(spec.FromRoutes))
		for _, edge := range spec.FromRoutes {
			upDep[edge.TaskName] = edge.RoutePattern
		}

		task := &types.Task{
			ID:            uuid.NewString(),
			TeamID:        job.TeamID,
			JobID:         job.ID,
			Name:          spec.Name,
			Target:        spec.Target,
			TargetAgentID: spec.TargetAgentID,
			RequiredTags:  spec.RequiredTags,
			FromRoutes:    spec.FromRoutes,
			ToRoutes:      spec.ToRoutes,
			UpDep:         upDep,
			DownDep:       downDeps[spec.Name],
			AutoRestart:   spec.AutoRestart,
			Steps:         spec.Steps,
			CorrelationID: job.CorrelationID,
		}
		if err := s.store.Tasks.Insert(ctx, task.ID, task); err != nil {
			return fmt.Errorf("insert task %q: %w", spec.Name, err)
		}
		s.publishTaskDelta(ctx, task, broker.DeltaCreate)
	}
	return nil
}

func (s *Service) failJob(ctx context.Context, jobID string, cause error) {
	now := time.Now()
	job, err := s.store.Jobs.Update(ctx, jobID, nil, func(j *types.Job) {
		j.Status = types.JobFailed
		j.Error = cause.Error()
		j.DateCompleted = &now
	})
	if err != nil {
		s.logger.Error("Failed to mark job failed", "job", jobID, "error", err)
		return
	}
	s.publishJobDelta(ctx, job, broker.DeltaUpdate)
}

// LaunchTasksWithNoUpstreamDependencies dispatches every task in the
// job that can start on its own: no upstream dependency set and not a
// fan-out target. Routing failures are recorded on the task by the
// dispatcher; they do not abort the remaining launches.
func (s *Service) LaunchTasksWithNoUpstreamDependencies(ctx context.Context, job *types.Job) error {
	tasks, err := s.store.JobTasks(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load tasks for job %s: %w", job.ID, err)
	}

	for _, task := range tasks {
		if task.Status != nil || !dispatch.TaskReadyToPublish(task, tasks) {
			continue
		}
		if err := s.disp.PublishTask(ctx, job, task); err != nil {
			var lte *types.LaunchTaskError
			if errors.As(err, &lte) {
				continue
			}
			return err
		}
	}
	return nil
}

// StartJob moves a scheduled job from NOT_STARTED to RUNNING and
// dispatches its root tasks. Idempotent: a job already past NOT_STARTED
// is left alone.
func (s *Service) StartJob(ctx context.Context, jobID string) error {
	now := time.Now()
	job, err := s.store.Jobs.Update(ctx, jobID,
		func(j *types.Job) bool { return j.Status == types.JobNotStarted },
		func(j *types.Job) {
			j.Status = types.JobRunning
			j.DateStarted = &now
		})
	if err != nil {
		if storage.IsNoEffect(err) {
			return nil
		}
		return fmt.Errorf("start job %s: %w", jobID, err)
	}
	s.publishJobDelta(ctx, job, broker.DeltaUpdate)
	return s.LaunchTasksWithNoUpstreamDependencies(ctx, job)
}

// SkipJob marks a NOT_STARTED job SKIPPED with the given reason.
// Admission control uses this for misfires and coalesced runs.
func (s *Service) SkipJob(ctx context.Context, jobID, reason string) error {
	now := time.Now()
	job, err := s.store.Jobs.Update(ctx, jobID,
		func(j *types.Job) bool { return j.Status == types.JobNotStarted },
		func(j *types.Job) {
			j.Status = types.JobSkipped
			j.Error = reason
			j.DateCompleted = &now
		})
	if err != nil {
		if storage.IsNoEffect(err) {
			return nil
		}
		return fmt.Errorf("skip job %s: %w", jobID, err)
	}
	s.publishJobDelta(ctx, job, broker.DeltaUpdate)
	return nil
}

// UpdateJobStatus applies a status transition guarded by the given
// filter and runs the side effects a terminal transition implies:
// completion stamp, alerts, template unpause, and admission re-check.
// ErrNoMatch surfaces to the caller so actions can report the precise
// current status.
func (s *Service) UpdateJobStatus(ctx context.Context, jobID string, cond func(*types.Job) bool, newStatus types.JobStatus) (*types.Job, error) {
	var oldStatus types.JobStatus
	now := time.Now()
	job, err := s.store.Jobs.Update(ctx, jobID,
		func(j *types.Job) bool {
			oldStatus = j.Status
			return cond == nil || cond(j)
		},
		func(j *types.Job) {
			j.Status = newStatus
			if newStatus.Terminal() && j.DateCompleted == nil {
				j.DateCompleted = &now
			}
			if newStatus == types.JobRunning {
				j.DateCompleted = nil
				j.Error = ""
				if j.DateStarted == nil {
					j.DateStarted = &now
				}
			}
		})
	if err != nil {
		return nil, err
	}

	s.publishJobDelta(ctx, job, broker.DeltaUpdate)
	s.afterJobTransition(ctx, job, oldStatus)
	return job, nil
}

// afterJobTransition runs the cross-entity side effects of a job status
// change.
func (s *Service) afterJobTransition(ctx context.Context, job *types.Job, oldStatus types.JobStatus) {
	if job.Status.Terminal() && s.alerts != nil && (job.AlertEmail != "" || job.AlertSlackURL != "") {
		s.alerts.JobTerminal(ctx, job)
	}

	if job.JobDefID == "" {
		return
	}

	if job.Status == types.JobFailed {
		s.maybePauseJobDef(ctx, job.JobDefID)
	}
	s.maybeUnpauseJobDef(ctx, job, oldStatus)

	// A freed slot may admit a queued instance.
	if job.Status.Terminal() && s.ready != nil {
		if err := s.ready.LaunchReadyJobs(ctx, job.JobDefID); err != nil {
			s.logger.Error("Failed to re-run admission after job completion",
				"jobdef", job.JobDefID, "error", err)
		}
	}
}

// maybePauseJobDef pauses the template after a failed run when the
// template asks for it.
func (s *Service) maybePauseJobDef(ctx context.Context, jobDefID string) {
	def, err := s.store.JobDefs.Update(ctx, jobDefID,
		func(d *types.JobDef) bool { return d.PauseOnFailedJob && d.Status == types.JobDefRunning },
		func(d *types.JobDef) { d.Status = types.JobDefPaused })
	if err != nil {
		if !storage.IsNoEffect(err) {
			s.logger.Error("Failed to pause job template", "jobdef", jobDefID, "error", err)
		}
		return
	}
	s.logger.Info("Job template paused after failed run", "jobdef", def.ID)
	s.publishJobDefDelta(ctx, def, broker.DeltaUpdate)
}

// maybeUnpauseJobDef resumes a paused template once the run that paused
// it has been dealt with: the job left a broken state for a healthy one
// and no sibling run is still interrupted or failed.
func (s *Service) maybeUnpauseJobDef(ctx context.Context, job *types.Job, oldStatus types.JobStatus) {
	recovered := job.Status == types.JobRunning || job.Status == types.JobCompleted || job.Status == types.JobSkipped
	wasBroken := oldStatus == types.JobInterrupted || oldStatus == types.JobCanceling || oldStatus == types.JobFailed
	if !recovered || !wasBroken {
		return
	}

	siblings, err := s.store.Jobs.Find(ctx, func(j *types.Job) bool {
		return j.JobDefID == job.JobDefID && j.ID != job.ID &&
			(j.Status == types.JobInterrupted || j.Status == types.JobFailed)
	})
	if err != nil {
		s.logger.Error("Failed to check sibling jobs", "jobdef", job.JobDefID, "error", err)
		return
	}
	if len(siblings) > 0 {
		return
	}

	def, err := s.store.JobDefs.Update(ctx, job.JobDefID,
		func(d *types.JobDef) bool { return d.Status == types.JobDefPaused },
		func(d *types.JobDef) { d.Status = types.JobDefRunning })
	if err != nil {
		if !storage.IsNoEffect(err) {
			s.logger.Error("Failed to unpause job template", "jobdef", job.JobDefID, "error", err)
		}
		return
	}
	s.logger.Info("Job template resumed", "jobdef", def.ID)
	s.publishJobDefDelta(ctx, def, broker.DeltaUpdate)
}

// CheckJobStatus re-derives the job's status from its tasks. Fan-out
// targets whose every possible source has finished without routing to
// them are first settled as SKIPPED, so a job cannot hang on a branch
// that will never fire.
func (s *Service) CheckJobStatus(ctx context.Context, jobID string) error {
	job, err := s.store.Jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.NewMissingObjectError("Job %s not found.", jobID)
		}
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		return nil
	}

	tasks, err := s.store.JobTasks(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load tasks for job %s: %w", jobID, err)
	}

	if err := s.settleUnreachableTasks(ctx, tasks); err != nil {
		return err
	}

	var anyActive, anyInterrupted, anyFailed bool
	for _, task := range tasks {
		switch {
		case task.Status == nil:
			anyActive = true
		case *task.Status == types.TaskInterrupted:
			anyInterrupted = true
		case *task.Status == types.TaskFailed:
			anyFailed = true
		case !task.Status.Terminal():
			anyActive = true
		}
	}
	if anyActive {
		return nil
	}

	var target types.JobStatus
	switch {
	case anyInterrupted:
		target = types.JobInterrupted
	case anyFailed:
		target = types.JobFailed
	default:
		target = types.JobCompleted
	}
	if target == job.Status {
		return nil
	}

	observed := job.Status
	_, err = s.UpdateJobStatus(ctx, jobID,
		func(j *types.Job) bool { return j.Status == observed },
		target)
	if err != nil && !storage.IsNoEffect(err) {
		return fmt.Errorf("derive status for job %s: %w", jobID, err)
	}
	return nil
}

// settleUnreachableTasks marks unevaluated tasks SKIPPED when no
// unfinished task can still reach them, either through a dependency
// edge or a fan-out route. The updated statuses are written back into
// the slice so the caller's derivation sees them.
func (s *Service) settleUnreachableTasks(ctx context.Context, tasks []*types.Task) error {
	byName := make(map[string]*types.Task, len(tasks))
	for _, task := range tasks {
		byName[task.Name] = task
	}

	for _, task := range tasks {
		if task.Status != nil {
			continue
		}

		reachable := false
		for upstream := range task.UpDep {
			if src, ok := byName[upstream]; ok && taskMayStillFinish(src) {
				reachable = true
				break
			}
		}
		if !reachable {
			for _, src := range tasks {
				if src.Name == task.Name || !taskMayStillFinish(src) {
					continue
				}
				for _, edge := range src.ToRoutes {
					if edge.TaskName == task.Name {
						reachable = true
						break
					}
				}
				if reachable {
					break
				}
			}
		}
		// A root task with no inbound edges is pending dispatch, not
		// unreachable.
		if len(task.UpDep) == 0 && !isFanOutTarget(task, tasks) {
			continue
		}
		if reachable {
			continue
		}

		updated, err := s.store.Tasks.Update(ctx, task.ID,
			func(t *types.Task) bool { return t.Status == nil },
			func(t *types.Task) { t.Status = types.TaskSkipped.Ptr() })
		if err != nil {
			if storage.IsNoEffect(err) {
				continue
			}
			return fmt.Errorf("settle unreachable task %q: %w", task.Name, err)
		}
		*task = *updated
		s.logger.Info("Task unreachable, settled as skipped", "job", task.JobID, "task", task.Name)
	}
	return nil
}

func taskMayStillFinish(t *types.Task) bool {
	return t.Status == nil || !t.Status.Terminal()
}

func isFanOutTarget(task *types.Task, all []*types.Task) bool {
	for _, other := range all {
		if other.Name == task.Name {
			continue
		}
		for _, edge := range other.ToRoutes {
			if edge.TaskName == task.Name {
				return true
			}
		}
	}
	return false
}
