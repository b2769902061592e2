// Package schedule admits template-scheduled jobs: instance caps,
// misfire handling, and coalescing of overdue runs. Admission for one
// template is serialized across orchestrator instances by a launch
// lease.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/c360studio/taskgrid/storage"
	"github.com/c360studio/taskgrid/types"
)

const (
	misfireSkipReason  = "Exceeded misfire grace time"
	coalesceSkipReason = "Job skipped due to coalesce"
)

var jobsAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "taskgrid_jobs_admitted_total",
	Help: "Admission decisions for template-scheduled jobs.",
}, []string{"decision"})

// JobControl is the slice of the lifecycle service the scheduler
// drives.
type JobControl interface {
	CreateJobFromJobDef(ctx context.Context, jobDefID string, dateScheduled time.Time) (*types.Job, error)
	StartJob(ctx context.Context, jobID string) error
	SkipJob(ctx context.Context, jobID, reason string) error
}

// Scheduler runs admission control for job templates.
type Scheduler struct {
	store    *storage.Store
	jobs     JobControl
	logger   *slog.Logger
	holder   string
	leaseTTL time.Duration

	now func() time.Time
}

// NewScheduler builds a Scheduler. The holder id identifies this
// orchestrator instance on launch leases.
func NewScheduler(store *storage.Store, jobs JobControl, leaseTTL time.Duration, logger *slog.Logger) *Scheduler {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &Scheduler{
		store:    store,
		jobs:     jobs,
		logger:   logger,
		holder:   uuid.NewString(),
		leaseTTL: leaseTTL,
		now:      time.Now,
	}
}

// TriggerJobDef instantiates one run of the template for the given
// trigger time and immediately runs admission.
func (s *Scheduler) TriggerJobDef(ctx context.Context, jobDefID string, firedAt time.Time) (*types.Job, error) {
	job, err := s.jobs.CreateJobFromJobDef(ctx, jobDefID, firedAt)
	if err != nil {
		return nil, err
	}
	if err := s.LaunchReadyJobs(ctx, jobDefID); err != nil {
		return job, err
	}
	return job, nil
}

// LaunchReadyJobs admits queued NOT_STARTED instances of the template:
// overdue runs past the misfire grace are skipped, coalescing collapses
// a backlog into its newest run, and the instance cap bounds how many
// start. Admission passes for one template never overlap; a pass that
// cannot get the lease returns and relies on the holder to drain the
// queue.
func (s *Scheduler) LaunchReadyJobs(ctx context.Context, jobDefID string) error {
	def, err := s.store.JobDefs.Get(ctx, jobDefID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.NewMissingObjectError("Job template %s not found.", jobDefID)
		}
		return fmt.Errorf("load job template %s: %w", jobDefID, err)
	}
	if def.Status == types.JobDefPaused {
		s.logger.Info("Job template paused, admission skipped", "jobdef", jobDefID)
		return nil
	}

	acquired, err := s.acquireLease(ctx, jobDefID)
	if err != nil {
		return err
	}
	if !acquired {
		s.logger.Debug("Launch lease held elsewhere", "jobdef", jobDefID)
		return nil
	}
	defer s.releaseLease(ctx, jobDefID)

	for {
		progressed, err := s.admitOnce(ctx, def)
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}

// admitOnce runs one admission pass and reports whether it changed
// anything. The caller loops until a pass is a no-op, which covers jobs
// queued while the pass ran.
func (s *Scheduler) admitOnce(ctx context.Context, def *types.JobDef) (bool, error) {
	candidates, err := s.store.Jobs.Find(ctx, func(j *types.Job) bool {
		return j.JobDefID == def.ID && j.Status == types.JobNotStarted
	})
	if err != nil {
		return false, fmt.Errorf("find queued jobs for %s: %w", def.ID, err)
	}
	if len(candidates) == 0 {
		return false, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return scheduledTime(candidates[i]).Before(scheduledTime(candidates[j]))
	})

	progressed := false

	if def.MisfireGraceSeconds > 0 {
		grace := time.Duration(def.MisfireGraceSeconds) * time.Second
		kept := candidates[:0]
		for _, job := range candidates {
			if s.now().Sub(scheduledTime(job)) > grace {
				if err := s.jobs.SkipJob(ctx, job.ID, misfireSkipReason); err != nil {
					return progressed, err
				}
				jobsAdmitted.WithLabelValues("misfire").Inc()
				s.logger.Info("Job missed its window", "job", job.ID, "jobdef", def.ID)
				progressed = true
				continue
			}
			kept = append(kept, job)
		}
		candidates = kept
	}

	// Coalescing keeps only the newest queued run; the backlog it
	// replaces is skipped.
	if def.Coalesce && len(candidates) > 1 {
		for _, job := range candidates[:len(candidates)-1] {
			if err := s.jobs.SkipJob(ctx, job.ID, coalesceSkipReason); err != nil {
				return progressed, err
			}
			jobsAdmitted.WithLabelValues("coalesced").Inc()
			progressed = true
		}
		candidates = candidates[len(candidates)-1:]
	}

	numToStart := len(candidates)
	if def.MaxInstances > 0 {
		active, err := s.activeInstances(ctx, def.ID)
		if err != nil {
			return progressed, err
		}
		if slots := def.MaxInstances - active; slots < numToStart {
			numToStart = slots
		}
		if numToStart <= 0 {
			return progressed, nil
		}
	}

	for _, job := range candidates[:numToStart] {
		if err := s.jobs.StartJob(ctx, job.ID); err != nil {
			return progressed, err
		}
		jobsAdmitted.WithLabelValues("started").Inc()
		s.logger.Info("Job admitted", "job", job.ID, "jobdef", def.ID, "run", job.RunID)
		progressed = true
	}
	return progressed, nil
}

// activeInstances counts runs of the template occupying an instance
// slot: anything past NOT_STARTED that has not finished.
func (s *Scheduler) activeInstances(ctx context.Context, jobDefID string) (int, error) {
	active, err := s.store.Jobs.Find(ctx, func(j *types.Job) bool {
		return j.JobDefID == jobDefID && j.Status != types.JobNotStarted && !j.Status.Terminal()
	})
	if err != nil {
		return 0, fmt.Errorf("count active instances of %s: %w", jobDefID, err)
	}
	return len(active), nil
}

func scheduledTime(j *types.Job) time.Time {
	if j.DateScheduled != nil {
		return *j.DateScheduled
	}
	return j.DateCreated
}
