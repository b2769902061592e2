package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/c360studio/taskgrid/broker"
	"github.com/c360studio/taskgrid/launcher"
	"github.com/c360studio/taskgrid/types"
)

// wireDownstream attaches the real DAG engine so outcome tests exercise
// the full advance path.
func (f *fixture) wireDownstream(t *testing.T) {
	t.Helper()
	// The launcher shares the dispatcher through the service; rebuild one
	// over the same store and recorder.
	f.svc.SetDownstream(launcher.NewLauncher(f.store, f.svc.disp, f.svc.logger))
}

func (f *fixture) seedRunningJob(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.Jobs.Insert(ctx, "job1", &types.Job{
		ID: "job1", TeamID: "t1", Status: types.JobRunning,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func TestOutcomeSuccessAdvancesDownstream(t *testing.T) {
	f := newFixture(t)
	f.wireDownstream(t)
	ctx := context.Background()
	f.seedRunningJob(t)

	if err := f.store.Tasks.Insert(ctx, "build", &types.Task{
		ID: "build", TeamID: "t1", JobID: "job1", Name: "build",
		Target:  types.TargetSingleAgent,
		Status:  types.TaskRunning.Ptr(),
		DownDep: []types.TaskEdge{{TaskName: "test"}},
	}); err != nil {
		t.Fatalf("seed build: %v", err)
	}
	if err := f.store.Tasks.Insert(ctx, "test", &types.Task{
		ID: "test", TeamID: "t1", JobID: "job1", Name: "test",
		Target: types.TargetSingleAgent,
		UpDep:  map[string]string{"build": ""},
	}); err != nil {
		t.Fatalf("seed test: %v", err)
	}

	now := time.Now()
	err := f.svc.UpdateTaskOutcome(ctx, &broker.OutcomeUpdatePayload{
		TaskID: "build", TeamID: "t1", AgentID: "a1",
		Status:        types.TaskSucceeded,
		DateCompleted: &now,
		RuntimeVars:   types.RuntimeVars{"artifact": {Value: "v1.2"}},
	})
	if err != nil {
		t.Fatalf("UpdateTaskOutcome: %v", err)
	}

	build, _ := f.store.Tasks.Get(ctx, "build")
	if build.Status == nil || *build.Status != types.TaskSucceeded {
		t.Errorf("build status = %v, want SUCCEEDED", build.Status)
	}
	test, _ := f.store.Tasks.Get(ctx, "test")
	if test.Status == nil || *test.Status != types.TaskPublished {
		t.Errorf("test status = %v, want PUBLISHED after upstream finished", test.Status)
	}
	if len(test.UpDep) != 0 {
		t.Errorf("test UpDep = %v, want empty", test.UpDep)
	}

	// Reported variables became job variables for downstream resolution.
	job, _ := f.store.Jobs.Get(ctx, "job1")
	if job.RuntimeVars["artifact"].Value != "v1.2" {
		t.Errorf("job vars = %v, outcome vars not merged", job.RuntimeVars)
	}
}

func TestOutcomeFailureSkipsChainAndFailsJob(t *testing.T) {
	f := newFixture(t)
	f.wireDownstream(t)
	ctx := context.Background()
	f.seedRunningJob(t)

	if err := f.store.Tasks.Insert(ctx, "build", &types.Task{
		ID: "build", TeamID: "t1", JobID: "job1", Name: "build",
		Target:  types.TargetSingleAgent,
		Status:  types.TaskRunning.Ptr(),
		DownDep: []types.TaskEdge{{TaskName: "test"}},
	}); err != nil {
		t.Fatalf("seed build: %v", err)
	}
	if err := f.store.Tasks.Insert(ctx, "test", &types.Task{
		ID: "test", TeamID: "t1", JobID: "job1", Name: "test",
		Target: types.TargetSingleAgent,
		UpDep:  map[string]string{"build": ""},
	}); err != nil {
		t.Fatalf("seed test: %v", err)
	}

	code := types.FailureTaskExecError
	err := f.svc.UpdateTaskOutcome(ctx, &broker.OutcomeUpdatePayload{
		TaskID: "build", TeamID: "t1", AgentID: "a1",
		Status:      types.TaskFailed,
		FailureCode: &code,
	})
	if err != nil {
		t.Fatalf("UpdateTaskOutcome: %v", err)
	}

	// The default route pattern never matches the fail route, so the
	// chain below build is skipped and the job fails.
	test, _ := f.store.Tasks.Get(ctx, "test")
	if test.Status == nil || *test.Status != types.TaskSkipped {
		t.Errorf("test status = %v, want SKIPPED", test.Status)
	}
	job, _ := f.store.Jobs.Get(ctx, "job1")
	if job.Status != types.JobFailed {
		t.Errorf("job status = %v, want FAILED", job.Status)
	}
	if job.DateCompleted == nil {
		t.Error("DateCompleted not stamped")
	}
}

func TestOutcomeFailRouteCanBeHandled(t *testing.T) {
	f := newFixture(t)
	f.wireDownstream(t)
	ctx := context.Background()
	f.seedRunningJob(t)

	// cleanup declares an explicit interest in the fail route.
	if err := f.store.Tasks.Insert(ctx, "build", &types.Task{
		ID: "build", TeamID: "t1", JobID: "job1", Name: "build",
		Target:  types.TargetSingleAgent,
		Status:  types.TaskRunning.Ptr(),
		DownDep: []types.TaskEdge{{TaskName: "cleanup", RoutePattern: "fail"}},
	}); err != nil {
		t.Fatalf("seed build: %v", err)
	}
	if err := f.store.Tasks.Insert(ctx, "cleanup", &types.Task{
		ID: "cleanup", TeamID: "t1", JobID: "job1", Name: "cleanup",
		Target: types.TargetSingleAgent,
		UpDep:  map[string]string{"build": "fail"},
	}); err != nil {
		t.Fatalf("seed cleanup: %v", err)
	}

	code := types.FailureTaskExecError
	if err := f.svc.UpdateTaskOutcome(ctx, &broker.OutcomeUpdatePayload{
		TaskID: "build", TeamID: "t1",
		Status:      types.TaskFailed,
		FailureCode: &code,
	}); err != nil {
		t.Fatalf("UpdateTaskOutcome: %v", err)
	}

	cleanup, _ := f.store.Tasks.Get(ctx, "cleanup")
	if cleanup.Status == nil || *cleanup.Status != types.TaskPublished {
		t.Errorf("cleanup status = %v, want PUBLISHED on fail route", cleanup.Status)
	}
}

func TestStaleOutcomeReportDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedRunningJob(t)

	if err := f.store.Tasks.Insert(ctx, "build", &types.Task{
		ID: "build", TeamID: "t1", JobID: "job1", Name: "build",
		Target: types.TargetSingleAgent,
		Status: types.TaskSucceeded.Ptr(),
	}); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	if err := f.store.TaskOutcomes.Insert(ctx, "out1", &types.TaskOutcome{
		ID: "out1", TeamID: "t1", JobID: "job1", TaskID: "build", TaskName: "build",
		Status: types.TaskSucceeded,
	}); err != nil {
		t.Fatalf("seed outcome: %v", err)
	}

	// A late RUNNING report from the agent must not regress anything.
	if err := f.svc.UpdateTaskOutcome(ctx, &broker.OutcomeUpdatePayload{
		OutcomeID: "out1", TaskID: "build", TeamID: "t1",
		Status: types.TaskRunning,
	}); err != nil {
		t.Fatalf("UpdateTaskOutcome: %v", err)
	}

	outcome, _ := f.store.TaskOutcomes.Get(ctx, "out1")
	if outcome.Status != types.TaskSucceeded {
		t.Errorf("outcome status = %v, want SUCCEEDED preserved", outcome.Status)
	}
	task, _ := f.store.Tasks.Get(ctx, "build")
	if task.Status == nil || *task.Status != types.TaskSucceeded {
		t.Errorf("task status = %v, want SUCCEEDED preserved", task.Status)
	}
}

func TestInterruptDuringCancelSettlesCancelled(t *testing.T) {
	f := newFixture(t)
	f.wireDownstream(t)
	ctx := context.Background()

	if err := f.store.Jobs.Insert(ctx, "job1", &types.Job{
		ID: "job1", TeamID: "t1", Status: types.JobCanceling,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if err := f.store.Tasks.Insert(ctx, "build", &types.Task{
		ID: "build", TeamID: "t1", JobID: "job1", Name: "build",
		Target: types.TargetSingleAgent,
		Status: types.TaskInterrupting.Ptr(),
	}); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	if err := f.svc.UpdateTaskOutcome(ctx, &broker.OutcomeUpdatePayload{
		TaskID: "build", TeamID: "t1", AgentID: "a1",
		Status: types.TaskInterrupted,
	}); err != nil {
		t.Fatalf("UpdateTaskOutcome: %v", err)
	}

	task, _ := f.store.Tasks.Get(ctx, "build")
	if task.Status == nil || *task.Status != types.TaskCancelled {
		t.Errorf("task status = %v, want CANCELLED while job cancels", task.Status)
	}
	job, _ := f.store.Jobs.Get(ctx, "job1")
	if job.Status != types.JobCompleted {
		t.Errorf("job status = %v, want COMPLETED", job.Status)
	}
}

func TestRestartOutcomePinsBroadcastTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedRunningJob(t)

	if err := f.store.Tasks.Insert(ctx, "sweep", &types.Task{
		ID: "sweep", TeamID: "t1", JobID: "job1", Name: "sweep",
		Target: types.TargetAllAgents,
		Status: types.TaskFailed.Ptr(),
	}); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	code := types.FailureAgentExecError
	if err := f.store.TaskOutcomes.Insert(ctx, "out1", &types.TaskOutcome{
		ID: "out1", TeamID: "t1", JobID: "job1", TaskID: "sweep", TaskName: "sweep",
		AgentID: "a1", Status: types.TaskFailed, FailureCode: &code,
		Target: types.TargetAllAgents,
	}); err != nil {
		t.Fatalf("seed outcome: %v", err)
	}

	if err := f.svc.RestartTaskOutcome(ctx, "out1"); err != nil {
		t.Fatalf("RestartTaskOutcome: %v", err)
	}

	outcome, _ := f.store.TaskOutcomes.Get(ctx, "out1")
	if outcome.Status != types.TaskCancelled {
		t.Errorf("outcome status = %v, want CANCELLED", outcome.Status)
	}
	task, _ := f.store.Tasks.Get(ctx, "sweep")
	if task.Target != types.TargetSingleSpecificAgent || task.TargetAgentID != "a1" {
		t.Errorf("restart not pinned: target=%v agent=%q", task.Target, task.TargetAgentID)
	}
	if task.Status == nil || *task.Status != types.TaskPublished {
		t.Errorf("task status = %v, want PUBLISHED after restart", task.Status)
	}
}

func TestFailedJobPausesTemplate(t *testing.T) {
	f := newFixture(t)
	f.wireDownstream(t)
	ctx := context.Background()

	if err := f.store.JobDefs.Insert(ctx, "def1", &types.JobDef{
		ID: "def1", TeamID: "t1", Name: "nightly",
		Status: types.JobDefRunning, PauseOnFailedJob: true,
	}); err != nil {
		t.Fatalf("seed jobdef: %v", err)
	}
	if err := f.store.Jobs.Insert(ctx, "job1", &types.Job{
		ID: "job1", TeamID: "t1", JobDefID: "def1", Status: types.JobRunning,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if err := f.store.Tasks.Insert(ctx, "build", &types.Task{
		ID: "build", TeamID: "t1", JobID: "job1", Name: "build",
		Target: types.TargetSingleAgent,
		Status: types.TaskRunning.Ptr(),
	}); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	code := types.FailureTaskExecError
	if err := f.svc.UpdateTaskOutcome(ctx, &broker.OutcomeUpdatePayload{
		TaskID: "build", TeamID: "t1",
		Status: types.TaskFailed, FailureCode: &code,
	}); err != nil {
		t.Fatalf("UpdateTaskOutcome: %v", err)
	}

	def, _ := f.store.JobDefs.Get(ctx, "def1")
	if def.Status != types.JobDefPaused {
		t.Errorf("template status = %v, want PAUSED after failed run", def.Status)
	}
}
