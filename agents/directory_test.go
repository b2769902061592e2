package agents

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/c360studio/taskgrid/broker"
	"github.com/c360studio/taskgrid/storage"
	"github.com/c360studio/taskgrid/types"
)

func newTestDirectory(t *testing.T) (*Directory, *storage.Store, *time.Time) {
	t.Helper()
	store := storage.NewMemoryStore()
	dir := NewDirectory(store, time.Minute, slog.Default())
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	dir.now = func() time.Time { return now }
	return dir, store, &now
}

func seedAgent(t *testing.T, store *storage.Store, a types.Agent) {
	t.Helper()
	if err := store.Agents.Insert(context.Background(), a.ID, &a); err != nil {
		t.Fatal(err)
	}
}

func TestLiveness(t *testing.T) {
	dir, store, now := newTestDirectory(t)
	ctx := context.Background()

	seedAgent(t, store, types.Agent{ID: "fresh", TeamID: "t1", LastHeartbeatTime: now.Add(-30 * time.Second)})
	seedAgent(t, store, types.Agent{ID: "stale", TeamID: "t1", LastHeartbeatTime: now.Add(-5 * time.Minute)})
	seedAgent(t, store, types.Agent{ID: "offline", TeamID: "t1", LastHeartbeatTime: *now, Offline: true})
	seedAgent(t, store, types.Agent{ID: "other-team", TeamID: "t2", LastHeartbeatTime: *now})

	live, err := dir.Live(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 1 || live[0].ID != "fresh" {
		t.Fatalf("live = %v, want only fresh", live)
	}

	a, err := dir.LiveByID(ctx, "t1", "stale")
	if err != nil {
		t.Fatal(err)
	}
	if a != nil {
		t.Error("stale agent should not be live")
	}
	if a, _ := dir.LiveByID(ctx, "t1", "other-team"); a != nil {
		t.Error("agent from another team should not qualify")
	}
}

func TestLiveWithTags(t *testing.T) {
	dir, store, now := newTestDirectory(t)
	ctx := context.Background()

	seedAgent(t, store, types.Agent{
		ID: "a1", TeamID: "t1", LastHeartbeatTime: *now,
		Tags: map[string]string{"env": "prod", "gpu": "true"},
	})
	seedAgent(t, store, types.Agent{
		ID: "a2", TeamID: "t1", LastHeartbeatTime: *now,
		Tags: map[string]string{"env": "prod"},
	})

	got, err := dir.LiveWithTags(ctx, "t1", map[string]string{"env": "prod", "gpu": "true"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a1" {
		t.Fatalf("tag superset match = %v, want only a1", got)
	}

	got, err = dir.LiveWithTags(ctx, "t1", map[string]string{"env": "prod"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("both agents carry env=prod, got %d", len(got))
	}
}

func TestRecordHeartbeatRegistersAndUpdates(t *testing.T) {
	dir, store, now := newTestDirectory(t)
	ctx := context.Background()

	hb := &broker.HeartbeatPayload{
		AgentID: "a1", TeamID: "t1", Name: "worker-1",
		MaxActiveTasks: 10, NumActiveTasks: 2, Timestamp: *now,
	}
	if err := dir.RecordHeartbeat(ctx, hb); err != nil {
		t.Fatal(err)
	}

	a, err := store.Agents.Get(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if a.MaxActiveTasks != 10 || a.NumActiveTasks != 2 {
		t.Errorf("capacity not recorded: %+v", a)
	}

	// A later heartbeat from an agent marked offline revives it.
	if _, err := store.Agents.Update(ctx, "a1", nil, func(a *types.Agent) { a.Offline = true }); err != nil {
		t.Fatal(err)
	}
	hb.NumActiveTasks = 5
	if err := dir.RecordHeartbeat(ctx, hb); err != nil {
		t.Fatal(err)
	}
	a, _ = store.Agents.Get(ctx, "a1")
	if a.Offline {
		t.Error("heartbeat should clear offline flag")
	}
	if a.NumActiveTasks != 5 {
		t.Errorf("NumActiveTasks = %d, want 5", a.NumActiveTasks)
	}
}

func TestMarkStale(t *testing.T) {
	dir, store, now := newTestDirectory(t)
	ctx := context.Background()

	seedAgent(t, store, types.Agent{ID: "dead", TeamID: "t1", LastHeartbeatTime: now.Add(-10 * time.Minute)})
	seedAgent(t, store, types.Agent{ID: "alive", TeamID: "t1", LastHeartbeatTime: *now})

	marked, err := dir.MarkStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(marked) != 1 || marked[0].ID != "dead" {
		t.Fatalf("marked = %v, want only dead", marked)
	}

	a, _ := store.Agents.Get(ctx, "dead")
	if !a.Offline {
		t.Error("stale agent should be offline")
	}
	a, _ = store.Agents.Get(ctx, "alive")
	if a.Offline {
		t.Error("fresh agent must not be marked offline")
	}

	// Second sweep is a no-op.
	marked, err = dir.MarkStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(marked) != 0 {
		t.Errorf("second sweep marked %d agents, want 0", len(marked))
	}
}

func TestStampAssignment(t *testing.T) {
	dir, store, now := newTestDirectory(t)
	ctx := context.Background()

	seedAgent(t, store, types.Agent{ID: "a1", TeamID: "t1", MaxActiveTasks: 4, NumActiveTasks: 1})

	if err := dir.StampAssignment(ctx, "a1", *now); err != nil {
		t.Fatal(err)
	}
	a, _ := store.Agents.Get(ctx, "a1")
	if !a.LastTaskAssignedTime.Equal(*now) {
		t.Errorf("LastTaskAssignedTime = %v, want %v", a.LastTaskAssignedTime, *now)
	}
	if a.NumActiveTasks != 2 {
		t.Errorf("NumActiveTasks = %d, want 2", a.NumActiveTasks)
	}
	if a.UnusedCapacity() != 2 {
		t.Errorf("UnusedCapacity = %d, want 2", a.UnusedCapacity())
	}
}
