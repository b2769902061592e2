package routing

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/c360studio/taskgrid/agents"
	"github.com/c360studio/taskgrid/storage"
	"github.com/c360studio/taskgrid/types"
)

func newTestRouter(t *testing.T) (*Router, *storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	dir := agents.NewDirectory(store, time.Minute, logger)
	r := NewRouter(store, dir, Config{AdminTeamID: "admin"}, logger)
	return r, store
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func seedAgent(t *testing.T, store *storage.Store, a types.Agent) {
	t.Helper()
	if a.LastHeartbeatTime.IsZero() {
		a.LastHeartbeatTime = time.Now()
	}
	if a.MaxActiveTasks == 0 {
		a.MaxActiveTasks = 10
	}
	if err := store.Agents.Insert(context.Background(), a.ID, &a); err != nil {
		t.Fatalf("seed agent %s: %v", a.ID, err)
	}
}

func seedTask(t *testing.T, store *storage.Store, task types.Task) *types.Task {
	t.Helper()
	if err := store.Tasks.Insert(context.Background(), task.ID, &task); err != nil {
		t.Fatalf("seed task %s: %v", task.ID, err)
	}
	return &task
}

func launchCode(t *testing.T, err error) types.TaskFailureCode {
	t.Helper()
	var lte *types.LaunchTaskError
	if !errors.As(err, &lte) {
		t.Fatalf("expected LaunchTaskError, got %v", err)
	}
	return lte.Code
}

func TestRouteSingleAgentPicksMostCapacity(t *testing.T) {
	r, store := newTestRouter(t)
	ctx := context.Background()

	seedAgent(t, store, types.Agent{ID: "busy", TeamID: "t1", MaxActiveTasks: 10, NumActiveTasks: 8})
	seedAgent(t, store, types.Agent{ID: "idle", TeamID: "t1", MaxActiveTasks: 10, NumActiveTasks: 1})

	task := seedTask(t, store, types.Task{ID: "task1", TeamID: "t1", Name: "build", Target: types.TargetSingleAgent})

	routes, err := r.GetTaskRoutes(ctx, nil, task)
	if err != nil {
		t.Fatalf("GetTaskRoutes: %v", err)
	}
	if len(routes) != 1 || routes[0].AgentID != "idle" {
		t.Fatalf("routes = %+v, want single route to idle", routes)
	}

	// The pick is recorded on the task and the agent.
	stored, err := store.Tasks.Get(ctx, "task1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if len(stored.AttemptedRunAgentIDs) != 1 || stored.AttemptedRunAgentIDs[0] != "idle" {
		t.Errorf("AttemptedRunAgentIDs = %v, want [idle]", stored.AttemptedRunAgentIDs)
	}
	agent, err := store.Agents.Get(ctx, "idle")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.NumActiveTasks != 2 {
		t.Errorf("NumActiveTasks = %d, want 2", agent.NumActiveTasks)
	}
}

func TestRouteSingleAgentCapacityTieUsesLeastRecent(t *testing.T) {
	r, store := newTestRouter(t)
	ctx := context.Background()
	now := time.Now()

	seedAgent(t, store, types.Agent{ID: "recent", TeamID: "t1", NumActiveTasks: 3, LastTaskAssignedTime: now})
	seedAgent(t, store, types.Agent{ID: "stale", TeamID: "t1", NumActiveTasks: 3, LastTaskAssignedTime: now.Add(-time.Hour)})

	task := seedTask(t, store, types.Task{ID: "task1", TeamID: "t1", Name: "build", Target: types.TargetSingleAgent})

	routes, err := r.GetTaskRoutes(ctx, nil, task)
	if err != nil {
		t.Fatalf("GetTaskRoutes: %v", err)
	}
	if routes[0].AgentID != "stale" {
		t.Errorf("picked %s, want stale (least recently assigned)", routes[0].AgentID)
	}
}

func TestRouteSingleAgentExcludesAttempted(t *testing.T) {
	r, store := newTestRouter(t)
	ctx := context.Background()

	seedAgent(t, store, types.Agent{ID: "a1", TeamID: "t1", NumActiveTasks: 0})
	seedAgent(t, store, types.Agent{ID: "a2", TeamID: "t1", NumActiveTasks: 5})

	task := seedTask(t, store, types.Task{
		ID: "task1", TeamID: "t1", Name: "build",
		Target:               types.TargetSingleAgent,
		AttemptedRunAgentIDs: []string{"a1"},
	})

	routes, err := r.GetTaskRoutes(ctx, nil, task)
	if err != nil {
		t.Fatalf("GetTaskRoutes: %v", err)
	}
	if routes[0].AgentID != "a2" {
		t.Errorf("picked %s, want a2 (a1 already attempted)", routes[0].AgentID)
	}

	// Every agent attempted means no route.
	task2 := seedTask(t, store, types.Task{
		ID: "task2", TeamID: "t1", Name: "build",
		Target:               types.TargetSingleAgent,
		AttemptedRunAgentIDs: []string{"a1", "a2"},
	})
	_, err = r.GetTaskRoutes(ctx, nil, task2)
	if code := launchCode(t, err); code != types.FailureNoAgentAvailable {
		t.Errorf("code = %v, want NoAgentAvailable", code)
	}
}

func TestRouteAllAgentsFansOut(t *testing.T) {
	r, store := newTestRouter(t)
	ctx := context.Background()

	seedAgent(t, store, types.Agent{ID: "a1", TeamID: "t1"})
	seedAgent(t, store, types.Agent{ID: "a2", TeamID: "t1"})
	seedAgent(t, store, types.Agent{ID: "elsewhere", TeamID: "t2"})

	task := seedTask(t, store, types.Task{ID: "task1", TeamID: "t1", Name: "sweep", Target: types.TargetAllAgents})

	routes, err := r.GetTaskRoutes(ctx, nil, task)
	if err != nil {
		t.Fatalf("GetTaskRoutes: %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("got %d routes, want 2", len(routes))
	}
	for _, route := range routes {
		if route.AgentID == "elsewhere" {
			t.Errorf("fan-out crossed team boundary: %+v", route)
		}
	}
}

func TestRouteTagModes(t *testing.T) {
	r, store := newTestRouter(t)
	ctx := context.Background()

	seedAgent(t, store, types.Agent{ID: "gpu", TeamID: "t1", Tags: map[string]string{"gpu": "true", "os": "linux"}})
	seedAgent(t, store, types.Agent{ID: "cpu", TeamID: "t1", Tags: map[string]string{"os": "linux"}})

	task := seedTask(t, store, types.Task{
		ID: "task1", TeamID: "t1", Name: "train",
		Target:       types.TargetSingleAgentWithTags,
		RequiredTags: map[string]string{"gpu": "true"},
	})
	routes, err := r.GetTaskRoutes(ctx, nil, task)
	if err != nil {
		t.Fatalf("GetTaskRoutes: %v", err)
	}
	if routes[0].AgentID != "gpu" {
		t.Errorf("picked %s, want gpu", routes[0].AgentID)
	}

	// Tag mode with no tags declared is a definition error, not a
	// transient routing miss.
	task2 := seedTask(t, store, types.Task{
		ID: "task2", TeamID: "t1", Name: "train",
		Target: types.TargetAllAgentsWithTags,
	})
	_, err = r.GetTaskRoutes(ctx, nil, task2)
	if code := launchCode(t, err); code != types.FailureMissingTargetTags {
		t.Errorf("code = %v, want MissingTargetTags", code)
	}
}

func TestRouteSpecificAgent(t *testing.T) {
	r, store := newTestRouter(t)
	ctx := context.Background()

	seedAgent(t, store, types.Agent{ID: "pinned", TeamID: "t1"})

	task := seedTask(t, store, types.Task{
		ID: "task1", TeamID: "t1", Name: "deploy",
		Target:        types.TargetSingleSpecificAgent,
		TargetAgentID: "pinned",
	})
	routes, err := r.GetTaskRoutes(ctx, nil, task)
	if err != nil {
		t.Fatalf("GetTaskRoutes: %v", err)
	}
	if routes[0].AgentID != "pinned" {
		t.Errorf("picked %s, want pinned", routes[0].AgentID)
	}

	// Missing target id.
	task2 := seedTask(t, store, types.Task{
		ID: "task2", TeamID: "t1", Name: "deploy",
		Target: types.TargetSingleSpecificAgent,
	})
	_, err = r.GetTaskRoutes(ctx, nil, task2)
	if code := launchCode(t, err); code != types.FailureTargetAgentNotSpecified {
		t.Errorf("code = %v, want TargetAgentNotSpecified", code)
	}

	// Target agent gone.
	task3 := seedTask(t, store, types.Task{
		ID: "task3", TeamID: "t1", Name: "deploy",
		Target:        types.TargetSingleSpecificAgent,
		TargetAgentID: "vanished",
	})
	_, err = r.GetTaskRoutes(ctx, nil, task3)
	if code := launchCode(t, err); code != types.FailureNoAgentAvailable {
		t.Errorf("code = %v, want NoAgentAvailable", code)
	}
}

func TestResolveTargetAgentIDPrecedence(t *testing.T) {
	r, store := newTestRouter(t)
	ctx := context.Background()

	if err := store.Teams.Insert(ctx, "t1", &types.Team{
		ID:          "t1",
		RuntimeVars: types.RuntimeVars{"deployAgent": {Value: "team-agent"}},
	}); err != nil {
		t.Fatalf("seed team: %v", err)
	}
	job := &types.Job{ID: "job1", RuntimeVars: types.RuntimeVars{"deployAgent": {Value: "job-agent"}}}

	task := &types.Task{
		ID: "task1", TeamID: "t1", Name: "deploy",
		Target:        types.TargetSingleSpecificAgent,
		TargetAgentID: `@var("deployAgent")`,
		RuntimeVars:   types.RuntimeVars{"deployAgent": {Value: "task-agent"}},
	}

	id, err := r.ResolveTargetAgentID(ctx, job, task)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != "task-agent" {
		t.Errorf("resolved %q, want task-agent (task scope wins)", id)
	}

	task.RuntimeVars = nil
	if id, _ = r.ResolveTargetAgentID(ctx, job, task); id != "job-agent" {
		t.Errorf("resolved %q, want job-agent", id)
	}

	job.RuntimeVars = nil
	if id, _ = r.ResolveTargetAgentID(ctx, job, task); id != "team-agent" {
		t.Errorf("resolved %q, want team-agent", id)
	}

	// Unresolvable reference.
	task.TargetAgentID = `@var("missing")`
	_, err = r.ResolveTargetAgentID(ctx, job, task)
	if code := launchCode(t, err); code != types.FailureTargetAgentNotSpecified {
		t.Errorf("code = %v, want TargetAgentNotSpecified", code)
	}
}

func TestRouteLambdaUsesAdminPool(t *testing.T) {
	r, store := newTestRouter(t)
	ctx := context.Background()
	now := time.Now()

	seedAgent(t, store, types.Agent{
		ID: "runner-cold", TeamID: "admin",
		Tags:              map[string]string{"lambda-runner": "true"},
		LastHeartbeatTime: now.Add(-40 * time.Second),
	})
	seedAgent(t, store, types.Agent{
		ID: "runner-warm", TeamID: "admin",
		Tags:              map[string]string{"lambda-runner": "true"},
		LastHeartbeatTime: now,
	})
	seedAgent(t, store, types.Agent{ID: "not-runner", TeamID: "admin"})

	task := seedTask(t, store, types.Task{ID: "task1", TeamID: "t1", Name: "fn", Target: types.TargetAWSLambda})

	routes, err := r.GetTaskRoutes(ctx, nil, task)
	if err != nil {
		t.Fatalf("GetTaskRoutes: %v", err)
	}
	if routes[0].AgentID != "runner-warm" {
		t.Errorf("picked %s, want runner-warm (freshest heartbeat)", routes[0].AgentID)
	}
	if want := "admin.agent.runner-warm"; routes[0].AgentQueue != want {
		t.Errorf("queue = %q, want %q", routes[0].AgentQueue, want)
	}
}

func TestRouteRejectsTerminalTask(t *testing.T) {
	r, store := newTestRouter(t)
	ctx := context.Background()

	seedAgent(t, store, types.Agent{ID: "a1", TeamID: "t1"})
	task := seedTask(t, store, types.Task{
		ID: "task1", TeamID: "t1", Name: "done",
		Target: types.TargetSingleAgent,
		Status: types.TaskSucceeded.Ptr(),
	})

	_, err := r.GetTaskRoutes(ctx, nil, task)
	if code := launchCode(t, err); code != types.FailureLaunchTaskError {
		t.Errorf("code = %v, want LaunchTaskError", code)
	}
}
