package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/c360studio/taskgrid/agents"
	"github.com/c360studio/taskgrid/broker"
	"github.com/c360studio/taskgrid/routing"
	"github.com/c360studio/taskgrid/storage"
	"github.com/c360studio/taskgrid/types"
)

type fixture struct {
	store *storage.Store
	rec   *broker.Recorder
	disp  *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	dir := agents.NewDirectory(store, time.Minute, logger)
	router := routing.NewRouter(store, dir, routing.Config{AdminTeamID: "admin"}, logger)
	rec := broker.NewRecorder()
	return &fixture{
		store: store,
		rec:   rec,
		disp:  NewDispatcher(store, router, rec, 30*time.Second, logger),
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func (f *fixture) seedAgent(t *testing.T, a types.Agent) {
	t.Helper()
	if a.LastHeartbeatTime.IsZero() {
		a.LastHeartbeatTime = time.Now()
	}
	if a.MaxActiveTasks == 0 {
		a.MaxActiveTasks = 10
	}
	if err := f.store.Agents.Insert(context.Background(), a.ID, &a); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func (f *fixture) seedTask(t *testing.T, task types.Task) *types.Task {
	t.Helper()
	if err := f.store.Tasks.Insert(context.Background(), task.ID, &task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return &task
}

type notifyRecorder struct{ jobIDs []string }

func (n *notifyRecorder) TaskStatusChanged(_ context.Context, jobID string) error {
	n.jobIDs = append(n.jobIDs, jobID)
	return nil
}

func TestPublishTaskSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAgent(t, types.Agent{ID: "a1", TeamID: "t1"})
	job := &types.Job{ID: "job1", TeamID: "t1", RuntimeVars: types.RuntimeVars{"env": {Value: "prod"}}}
	task := f.seedTask(t, types.Task{
		ID: "task1", TeamID: "t1", JobID: "job1", Name: "deploy",
		Target: types.TargetSingleAgent,
		Steps:  []types.TaskStep{{Name: "run", Script: "deploy.sh", Arguments: `--env @var("env")`}},
	})

	if err := f.disp.PublishTask(ctx, job, task); err != nil {
		t.Fatalf("PublishTask: %v", err)
	}

	if f.rec.TaskPublishCount() != 1 {
		t.Fatalf("got %d publishes, want 1", f.rec.TaskPublishCount())
	}
	pub := f.rec.TaskPublishes[0]
	if pub.Queue != "t1.agent.a1" {
		t.Errorf("queue = %q, want t1.agent.a1", pub.Queue)
	}
	if pub.TTL != 30*time.Second {
		t.Errorf("ttl = %v, want 30s", pub.TTL)
	}

	payload, err := broker.ParseMessage[broker.TaskDispatchPayload](pub.Payload)
	if err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload.Steps[0].Arguments != "--env prod" {
		t.Errorf("arguments = %q, variable not interpolated", payload.Steps[0].Arguments)
	}

	stored, err := f.store.Tasks.Get(ctx, "task1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.Status == nil || *stored.Status != types.TaskPublished {
		t.Errorf("status = %v, want PUBLISHED", stored.Status)
	}
}

func TestPublishTaskNoAgentParksTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := &types.Job{ID: "job1", TeamID: "t1"}
	task := f.seedTask(t, types.Task{
		ID: "task1", TeamID: "t1", JobID: "job1", Name: "build",
		Target: types.TargetSingleAgent,
	})

	// No agents exist; the task parks instead of failing.
	if err := f.disp.PublishTask(ctx, job, task); err != nil {
		t.Fatalf("PublishTask: %v", err)
	}

	stored, _ := f.store.Tasks.Get(ctx, "task1")
	if stored.Status == nil || *stored.Status != types.TaskWaitingForAgent {
		t.Fatalf("status = %v, want WAITING_FOR_AGENT", stored.Status)
	}
	if stored.FailureCode == nil || *stored.FailureCode != types.FailureNoAgentAvailable {
		t.Errorf("failure code = %v, want NoAgentAvailable", stored.FailureCode)
	}
	if f.rec.TaskPublishCount() != 0 {
		t.Errorf("got %d publishes, want 0", f.rec.TaskPublishCount())
	}
}

func TestPublishTaskDefinitionErrorFailsTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	notify := &notifyRecorder{}
	f.disp.SetJobNotifier(notify)

	job := &types.Job{ID: "job1", TeamID: "t1"}
	task := f.seedTask(t, types.Task{
		ID: "task1", TeamID: "t1", JobID: "job1", Name: "train",
		Target: types.TargetSingleAgentWithTags, // no tags declared
	})

	err := f.disp.PublishTask(ctx, job, task)
	var lte *types.LaunchTaskError
	if !errors.As(err, &lte) || lte.Code != types.FailureMissingTargetTags {
		t.Fatalf("err = %v, want MissingTargetTags LaunchTaskError", err)
	}

	stored, _ := f.store.Tasks.Get(ctx, "task1")
	if stored.Status == nil || *stored.Status != types.TaskFailed {
		t.Errorf("status = %v, want FAILED", stored.Status)
	}
	if len(notify.jobIDs) != 1 || notify.jobIDs[0] != "job1" {
		t.Errorf("notifier calls = %v, want [job1]", notify.jobIDs)
	}
}

func TestPublishTaskDeadLettersOnBrokerFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAgent(t, types.Agent{ID: "a1", TeamID: "t1"})
	f.rec.FailTaskPublish = errors.New("stream unavailable")

	job := &types.Job{ID: "job1", TeamID: "t1"}
	task := f.seedTask(t, types.Task{
		ID: "task1", TeamID: "t1", JobID: "job1", Name: "build",
		Target: types.TargetSingleAgent,
	})

	if err := f.disp.PublishTask(ctx, job, task); err == nil {
		t.Fatal("expected publish error")
	}
	if len(f.rec.DeadLetters) != 1 {
		t.Fatalf("got %d dead letters, want 1", len(f.rec.DeadLetters))
	}
	if f.rec.DeadLetters[0].Reason != "stream unavailable" {
		t.Errorf("reason = %q", f.rec.DeadLetters[0].Reason)
	}
}

func TestPublishTaskSkipsAdvancedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAgent(t, types.Agent{ID: "a1", TeamID: "t1"})
	job := &types.Job{ID: "job1", TeamID: "t1"}
	task := f.seedTask(t, types.Task{
		ID: "task1", TeamID: "t1", JobID: "job1", Name: "build",
		Target: types.TargetSingleAgent,
		Status: types.TaskRunning.Ptr(),
	})

	// Already running on an agent; a duplicate dispatch is a no-op.
	if err := f.disp.PublishTask(ctx, job, task); err != nil {
		t.Fatalf("PublishTask: %v", err)
	}
	if f.rec.TaskPublishCount() != 0 {
		t.Errorf("got %d publishes, want 0", f.rec.TaskPublishCount())
	}
}

func TestRepublishTasksWaitingForAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.Jobs.Insert(ctx, "job1", &types.Job{ID: "job1", TeamID: "t1", Status: types.JobRunning}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	f.seedTask(t, types.Task{
		ID: "task1", TeamID: "t1", JobID: "job1", Name: "build",
		Target:               types.TargetSingleAgent,
		Status:               types.TaskWaitingForAgent.Ptr(),
		AttemptedRunAgentIDs: []string{"gone-agent"},
	})

	// An agent has since come online.
	f.seedAgent(t, types.Agent{ID: "a1", TeamID: "t1"})

	if err := f.disp.RepublishTasksWaitingForAgent(ctx, "t1"); err != nil {
		t.Fatalf("RepublishTasksWaitingForAgent: %v", err)
	}

	if f.rec.TaskPublishCount() != 1 {
		t.Fatalf("got %d publishes, want 1", f.rec.TaskPublishCount())
	}
	stored, _ := f.store.Tasks.Get(ctx, "task1")
	if stored.Status == nil || *stored.Status != types.TaskPublished {
		t.Errorf("status = %v, want PUBLISHED", stored.Status)
	}
}

func TestTaskReadyToPublish(t *testing.T) {
	root := &types.Task{ID: "t1", Name: "root"}
	blocked := &types.Task{ID: "t2", Name: "blocked", UpDep: map[string]string{"root": "ok"}}
	fanTarget := &types.Task{ID: "t3", Name: "notify"}
	fanSource := &types.Task{ID: "t4", Name: "fan", ToRoutes: []types.TaskEdge{{TaskName: "notify", RoutePattern: "ok"}}}

	all := []*types.Task{root, blocked, fanTarget, fanSource}

	if !TaskReadyToPublish(root, all) {
		t.Error("root should be ready")
	}
	if TaskReadyToPublish(blocked, all) {
		t.Error("blocked has upstream deps, should not be ready")
	}
	if TaskReadyToPublish(fanTarget, all) {
		t.Error("fan-out target should wait for an explicit route")
	}
	if !TaskReadyToPublish(fanSource, all) {
		t.Error("fan source should be ready")
	}
}
