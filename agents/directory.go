// Package agents tracks registered worker agents: heartbeat-driven
// liveness, tags, and the capacity counters the router load-balances on.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/taskgrid/broker"
	"github.com/c360studio/taskgrid/storage"
	"github.com/c360studio/taskgrid/types"
)

// DefaultLivenessWindow is how recent a heartbeat must be for an agent
// to qualify for routing.
const DefaultLivenessWindow = 90 * time.Second

// Directory answers routing queries over the agent collection.
type Directory struct {
	agents *storage.Collection[types.Agent]
	window time.Duration
	logger *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// NewDirectory builds a Directory over the store's agent collection.
// A zero window falls back to DefaultLivenessWindow.
func NewDirectory(store *storage.Store, window time.Duration, logger *slog.Logger) *Directory {
	if window <= 0 {
		window = DefaultLivenessWindow
	}
	return &Directory{
		agents: store.Agents,
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

// IsLive reports whether the agent qualifies for routing: not marked
// offline and heartbeat within the liveness window.
func (d *Directory) IsLive(a *types.Agent) bool {
	if a.Offline {
		return false
	}
	return d.now().Sub(a.LastHeartbeatTime) <= d.window
}

// LiveByID returns the agent with the given id if it is live.
func (d *Directory) LiveByID(ctx context.Context, teamID, agentID string) (*types.Agent, error) {
	a, err := d.agents.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if a.TeamID != teamID || !d.IsLive(a) {
		return nil, nil
	}
	return a, nil
}

// Live returns every live agent in the team.
func (d *Directory) Live(ctx context.Context, teamID string) ([]*types.Agent, error) {
	return d.agents.Find(ctx, func(a *types.Agent) bool {
		return a.TeamID == teamID && d.IsLive(a)
	})
}

// LiveWithTags returns every live agent in the team whose tags are a
// superset of required.
func (d *Directory) LiveWithTags(ctx context.Context, teamID string, required map[string]string) ([]*types.Agent, error) {
	return d.agents.Find(ctx, func(a *types.Agent) bool {
		return a.TeamID == teamID && d.IsLive(a) && HasTagSuperset(a.Tags, required)
	})
}

// HasTagSuperset reports whether agentTags contains every required
// key/value pair.
func HasTagSuperset(agentTags, required map[string]string) bool {
	for k, v := range required {
		if agentTags[k] != v {
			return false
		}
	}
	return true
}

// StampAssignment records that a task was just assigned to the agent.
// The timestamp serializes concurrent selection races: the loser of a
// capacity tie sees a fresher assignment time and picks elsewhere.
func (d *Directory) StampAssignment(ctx context.Context, agentID string, t time.Time) error {
	_, err := d.agents.Update(ctx, agentID, nil, func(a *types.Agent) {
		a.LastTaskAssignedTime = t
		a.NumActiveTasks++
	})
	if err != nil {
		return fmt.Errorf("stamp assignment for agent %s: %w", agentID, err)
	}
	return nil
}

// RecordHeartbeat upserts the agent from a heartbeat report.
func (d *Directory) RecordHeartbeat(ctx context.Context, hb *broker.HeartbeatPayload) error {
	ts := hb.Timestamp
	if ts.IsZero() {
		ts = d.now()
	}

	_, err := d.agents.Update(ctx, hb.AgentID, nil, func(a *types.Agent) {
		a.LastHeartbeatTime = ts
		a.NumActiveTasks = hb.NumActiveTasks
		if hb.MaxActiveTasks > 0 {
			a.MaxActiveTasks = hb.MaxActiveTasks
		}
		if hb.Name != "" {
			a.Name = hb.Name
		}
		if hb.Tags != nil {
			a.Tags = hb.Tags
		}
		a.Offline = false
	})
	if errors.Is(err, storage.ErrNotFound) {
		agent := &types.Agent{
			ID:                hb.AgentID,
			TeamID:            hb.TeamID,
			Name:              hb.Name,
			Tags:              hb.Tags,
			MaxActiveTasks:    hb.MaxActiveTasks,
			NumActiveTasks:    hb.NumActiveTasks,
			LastHeartbeatTime: ts,
		}
		if err := d.agents.Insert(ctx, hb.AgentID, agent); err != nil {
			// Lost a registration race; the other writer's heartbeat wins.
			if errors.Is(err, storage.ErrExists) {
				return nil
			}
			return fmt.Errorf("register agent %s: %w", hb.AgentID, err)
		}
		d.logger.Info("Agent registered", "agent", hb.AgentID, "team", hb.TeamID, "name", hb.Name)
		return nil
	}
	return err
}

// MarkStale flags agents whose heartbeat fell outside the window as
// offline and returns them, so the caller can fail their orphaned work.
func (d *Directory) MarkStale(ctx context.Context) ([]*types.Agent, error) {
	stale, err := d.agents.Find(ctx, func(a *types.Agent) bool {
		return !a.Offline && d.now().Sub(a.LastHeartbeatTime) > d.window
	})
	if err != nil {
		return nil, err
	}

	var marked []*types.Agent
	for _, a := range stale {
		updated, err := d.agents.Update(ctx, a.ID,
			func(cur *types.Agent) bool {
				return !cur.Offline && d.now().Sub(cur.LastHeartbeatTime) > d.window
			},
			func(cur *types.Agent) { cur.Offline = true })
		if err != nil {
			if errors.Is(err, storage.ErrNoMatch) || errors.Is(err, storage.ErrNotFound) {
				continue // heartbeat arrived while sweeping
			}
			d.logger.Warn("Failed to mark agent offline", "agent", a.ID, "error", err)
			continue
		}
		marked = append(marked, updated)
	}
	return marked, nil
}
