package schedule

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/c360studio/taskgrid/agents"
	"github.com/c360studio/taskgrid/broker"
	"github.com/c360studio/taskgrid/dispatch"
	"github.com/c360studio/taskgrid/lifecycle"
	"github.com/c360studio/taskgrid/routing"
	"github.com/c360studio/taskgrid/storage"
	"github.com/c360studio/taskgrid/types"
)

type fixture struct {
	store *storage.Store
	svc   *lifecycle.Service
	sched *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	dir := agents.NewDirectory(store, time.Minute, logger)
	router := routing.NewRouter(store, dir, routing.Config{AdminTeamID: "admin"}, logger)
	rec := broker.NewRecorder()
	disp := dispatch.NewDispatcher(store, router, rec, 0, logger)
	svc := lifecycle.NewService(store, disp, rec, logger)
	sched := NewScheduler(store, svc, DefaultLeaseTTL, logger)
	svc.SetScheduler(sched)

	if err := store.Agents.Insert(context.Background(), "a1", &types.Agent{
		ID: "a1", TeamID: "t1", MaxActiveTasks: 10, LastHeartbeatTime: time.Now(),
	}); err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	return &fixture{store: store, svc: svc, sched: sched}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func (f *fixture) seedJobDef(t *testing.T, def types.JobDef) {
	t.Helper()
	def.TeamID = "t1"
	if def.Status == 0 {
		def.Status = types.JobDefRunning
	}
	if len(def.Tasks) == 0 {
		def.Tasks = []types.TaskSpec{{Name: "build", Target: types.TargetSingleAgent}}
	}
	if err := f.store.JobDefs.Insert(context.Background(), def.ID, &def); err != nil {
		t.Fatalf("seed jobdef: %v", err)
	}
}

func (f *fixture) jobStatus(t *testing.T, id string) types.JobStatus {
	t.Helper()
	job, err := f.store.Jobs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return job.Status
}

func TestTriggerJobDefStartsJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedJobDef(t, types.JobDef{ID: "def1", Name: "nightly"})

	job, err := f.sched.TriggerJobDef(ctx, "def1", time.Now())
	if err != nil {
		t.Fatalf("TriggerJobDef: %v", err)
	}
	if got := f.jobStatus(t, job.ID); got != types.JobRunning {
		t.Fatalf("job status = %v, want RUNNING", got)
	}
	if job.RunID != 1 {
		t.Errorf("run id = %d, want 1", job.RunID)
	}

	def, _ := f.store.JobDefs.Get(ctx, "def1")
	if def.LastRunID != 1 {
		t.Errorf("template last run id = %d, want 1", def.LastRunID)
	}
}

func TestMisfireSkipsOverdueJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedJobDef(t, types.JobDef{ID: "def1", Name: "nightly", MisfireGraceSeconds: 60})

	// The trigger fired two minutes ago; the grace is one minute.
	job, err := f.svc.CreateJobFromJobDef(ctx, "def1", time.Now().Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := f.sched.LaunchReadyJobs(ctx, "def1"); err != nil {
		t.Fatalf("LaunchReadyJobs: %v", err)
	}

	stored, _ := f.store.Jobs.Get(ctx, job.ID)
	if stored.Status != types.JobSkipped {
		t.Fatalf("status = %v, want SKIPPED", stored.Status)
	}
	if stored.Error != misfireSkipReason {
		t.Errorf("reason = %q, want %q", stored.Error, misfireSkipReason)
	}
}

func TestCoalesceKeepsNewestRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedJobDef(t, types.JobDef{ID: "def1", Name: "nightly", Coalesce: true})

	now := time.Now()
	var ids []string
	for i := 0; i < 3; i++ {
		job, err := f.svc.CreateJobFromJobDef(ctx, "def1", now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("create job %d: %v", i, err)
		}
		ids = append(ids, job.ID)
	}

	if err := f.sched.LaunchReadyJobs(ctx, "def1"); err != nil {
		t.Fatalf("LaunchReadyJobs: %v", err)
	}

	for _, id := range ids[:2] {
		job, _ := f.store.Jobs.Get(ctx, id)
		if job.Status != types.JobSkipped {
			t.Errorf("job %s status = %v, want SKIPPED", id, job.Status)
		}
		if job.Error != coalesceSkipReason {
			t.Errorf("job %s reason = %q, want %q", id, job.Error, coalesceSkipReason)
		}
	}
	if got := f.jobStatus(t, ids[2]); got != types.JobRunning {
		t.Errorf("newest job status = %v, want RUNNING", got)
	}
}

func TestMaxInstancesCapsStarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedJobDef(t, types.JobDef{ID: "def1", Name: "nightly", MaxInstances: 1})

	now := time.Now()
	first, err := f.svc.CreateJobFromJobDef(ctx, "def1", now)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := f.svc.CreateJobFromJobDef(ctx, "def1", now.Add(time.Second))
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	if err := f.sched.LaunchReadyJobs(ctx, "def1"); err != nil {
		t.Fatalf("LaunchReadyJobs: %v", err)
	}

	if got := f.jobStatus(t, first.ID); got != types.JobRunning {
		t.Errorf("first job status = %v, want RUNNING", got)
	}
	if got := f.jobStatus(t, second.ID); got != types.JobNotStarted {
		t.Errorf("second job status = %v, want NOT_STARTED (slot full)", got)
	}
}

func TestAdmissionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedJobDef(t, types.JobDef{ID: "def1", Name: "nightly", Coalesce: true})
	job, err := f.svc.CreateJobFromJobDef(ctx, "def1", time.Now())
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := f.sched.LaunchReadyJobs(ctx, "def1"); err != nil {
			t.Fatalf("LaunchReadyJobs pass %d: %v", i, err)
		}
	}
	if got := f.jobStatus(t, job.ID); got != types.JobRunning {
		t.Errorf("job status = %v, want RUNNING", got)
	}
}

func TestPausedTemplateSkipsAdmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedJobDef(t, types.JobDef{ID: "def1", Name: "nightly", Status: types.JobDefPaused})
	job, err := f.svc.CreateJobFromJobDef(ctx, "def1", time.Now())
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	if err := f.sched.LaunchReadyJobs(ctx, "def1"); err != nil {
		t.Fatalf("LaunchReadyJobs: %v", err)
	}
	if got := f.jobStatus(t, job.ID); got != types.JobNotStarted {
		t.Errorf("job status = %v, want NOT_STARTED while paused", got)
	}
}

func TestLeaseSerializesAdmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedJobDef(t, types.JobDef{ID: "def1", Name: "nightly"})
	job, err := f.svc.CreateJobFromJobDef(ctx, "def1", time.Now())
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	// Another instance holds an unexpired lease.
	if err := f.store.Leases.Insert(ctx, "def1", &types.LaunchLease{
		JobDefID:   "def1",
		Holder:     "other-instance",
		AcquiredAt: time.Now(),
		ExpiresAt:  time.Now().Add(time.Minute),
	}); err != nil {
		t.Fatalf("seed lease: %v", err)
	}

	if err := f.sched.LaunchReadyJobs(ctx, "def1"); err != nil {
		t.Fatalf("LaunchReadyJobs: %v", err)
	}
	if got := f.jobStatus(t, job.ID); got != types.JobNotStarted {
		t.Fatalf("job status = %v, want NOT_STARTED (lease held elsewhere)", got)
	}

	// Once the foreign lease expires it may be taken over.
	if _, err := f.store.Leases.Update(ctx, "def1", nil, func(l *types.LaunchLease) {
		l.ExpiresAt = time.Now().Add(-time.Second)
	}); err != nil {
		t.Fatalf("expire lease: %v", err)
	}
	if err := f.sched.LaunchReadyJobs(ctx, "def1"); err != nil {
		t.Fatalf("LaunchReadyJobs after expiry: %v", err)
	}
	if got := f.jobStatus(t, job.ID); got != types.JobRunning {
		t.Errorf("job status = %v, want RUNNING after lease takeover", got)
	}

	lease, err := f.store.Leases.Get(ctx, "def1")
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if lease.Holder == "other-instance" {
		t.Errorf("lease holder not taken over")
	}
}
