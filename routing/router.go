// Package routing selects the destination agent queues for a task
// according to its targeting mode, with capacity-based load balancing
// among qualified agents.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/c360studio/taskgrid/agents"
	"github.com/c360studio/taskgrid/broker"
	"github.com/c360studio/taskgrid/storage"
	"github.com/c360studio/taskgrid/types"
)

// Config holds router settings.
type Config struct {
	// AdminTeamID owns the privileged serverless-runner agent pool.
	AdminTeamID string

	// LambdaTag marks agents in the admin pool that execute lambda tasks.
	LambdaTag string
}

// Router computes dispatch destinations for tasks.
type Router struct {
	store  *storage.Store
	dir    *agents.Directory
	logger *slog.Logger
	cfg    Config

	now func() time.Time
}

// NewRouter builds a Router.
func NewRouter(store *storage.Store, dir *agents.Directory, cfg Config, logger *slog.Logger) *Router {
	if cfg.LambdaTag == "" {
		cfg.LambdaTag = "lambda-runner"
	}
	return &Router{
		store:  store,
		dir:    dir,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// GetTaskRoutes returns the agent queues the task should be published
// to. Routing failures come back as *types.LaunchTaskError carrying the
// failure code the dispatcher translates into a task status transition.
//
// Selecting a single agent atomically appends it to the task's
// attempted list and stamps the agent's last-assignment time, so two
// handlers racing on the same task cannot pick the same agent twice.
func (r *Router) GetTaskRoutes(ctx context.Context, job *types.Job, task *types.Task) ([]types.TaskRoute, error) {
	if task.Status != nil && *task.Status > types.TaskPublished {
		return nil, types.NewLaunchTaskError(types.FailureLaunchTaskError, task.ID,
			"invalid task status %q for dispatch", task.Status)
	}

	switch task.Target {
	case types.TargetSingleSpecificAgent:
		return r.routeSpecificAgent(ctx, job, task)
	case types.TargetAWSLambda:
		return r.routeLambda(ctx, task)
	case types.TargetSingleAgent, types.TargetAllAgents,
		types.TargetSingleAgentWithTags, types.TargetAllAgentsWithTags:
		return r.routeByCandidates(ctx, task)
	default:
		return nil, types.NewLaunchTaskError(types.FailureLaunchTaskError, task.ID,
			"unknown target mode %d", int(task.Target))
	}
}

func (r *Router) routeSpecificAgent(ctx context.Context, job *types.Job, task *types.Task) ([]types.TaskRoute, error) {
	agentID, err := r.ResolveTargetAgentID(ctx, job, task)
	if err != nil {
		return nil, err
	}

	agent, err := r.dir.LiveByID(ctx, task.TeamID, agentID)
	if err != nil {
		return nil, fmt.Errorf("look up agent %s: %w", agentID, err)
	}
	if agent == nil {
		return nil, types.NewLaunchTaskError(types.FailureNoAgentAvailable, task.ID,
			"target agent %q is not available", agentID)
	}

	if err := r.dir.StampAssignment(ctx, agent.ID, r.now()); err != nil {
		r.logger.Warn("Failed to stamp agent assignment", "agent", agent.ID, "error", err)
	}
	return []types.TaskRoute{{AgentQueue: broker.AgentQueue(task.TeamID, agent.ID), AgentID: agent.ID}}, nil
}

// ResolveTargetAgentID resolves the task's target agent id, which may
// be an @var("name") reference looked up in task, then job, then team
// variables.
func (r *Router) ResolveTargetAgentID(ctx context.Context, job *types.Job, task *types.Task) (string, error) {
	if task.TargetAgentID == "" {
		return "", types.NewLaunchTaskError(types.FailureTargetAgentNotSpecified, task.ID,
			"task %q has no target agent id", task.Name)
	}
	if !types.IsVarRef(task.TargetAgentID) {
		return task.TargetAgentID, nil
	}

	scopes := []types.RuntimeVars{task.RuntimeVars}
	if job != nil {
		scopes = append(scopes, job.RuntimeVars)
	}
	team, err := r.store.Teams.Get(ctx, task.TeamID)
	if err == nil {
		scopes = append(scopes, team.RuntimeVars)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("load team %s: %w", task.TeamID, err)
	}

	resolved, ok := types.ResolveVarRef(task.TargetAgentID, scopes...)
	if !ok || resolved == "" {
		return "", types.NewLaunchTaskError(types.FailureTargetAgentNotSpecified, task.ID,
			"target agent reference %q did not resolve", task.TargetAgentID)
	}
	return resolved, nil
}

func (r *Router) routeByCandidates(ctx context.Context, task *types.Task) ([]types.TaskRoute, error) {
	var candidates []*types.Agent
	var err error

	if task.Target.UsesTags() {
		if len(task.RequiredTags) == 0 {
			return nil, types.NewLaunchTaskError(types.FailureMissingTargetTags, task.ID,
				"task %q requires tags but declares none", task.Name)
		}
		candidates, err = r.dir.LiveWithTags(ctx, task.TeamID, task.RequiredTags)
	} else {
		candidates, err = r.dir.Live(ctx, task.TeamID)
	}
	if err != nil {
		return nil, fmt.Errorf("find candidate agents: %w", err)
	}
	if len(candidates) == 0 {
		return nil, types.NewLaunchTaskError(types.FailureNoAgentAvailable, task.ID,
			"no live agents qualify for task %q", task.Name)
	}

	if task.Target.IsAll() {
		routes := make([]types.TaskRoute, 0, len(candidates))
		for _, agent := range candidates {
			if err := r.dir.StampAssignment(ctx, agent.ID, r.now()); err != nil {
				r.logger.Warn("Failed to stamp agent assignment", "agent", agent.ID, "error", err)
			}
			routes = append(routes, types.TaskRoute{
				AgentQueue: broker.AgentQueue(task.TeamID, agent.ID),
				AgentID:    agent.ID,
			})
		}
		return routes, nil
	}

	return r.pickSingle(ctx, task, candidates, byUnusedCapacityThenLeastRecent)
}

// routeLambda routes serverless tasks to the admin team's runner pool.
// The pool serves every team, so the sort prefers warm runners:
// capacity first, then the most recent heartbeat.
func (r *Router) routeLambda(ctx context.Context, task *types.Task) ([]types.TaskRoute, error) {
	if r.cfg.AdminTeamID == "" {
		return nil, types.NewLaunchTaskError(types.FailureLaunchTaskError, task.ID,
			"no admin team configured for lambda dispatch")
	}
	candidates, err := r.dir.LiveWithTags(ctx, r.cfg.AdminTeamID, map[string]string{r.cfg.LambdaTag: "true"})
	if err != nil {
		return nil, fmt.Errorf("find lambda runners: %w", err)
	}
	if len(candidates) == 0 {
		return nil, types.NewLaunchTaskError(types.FailureNoAgentAvailable, task.ID,
			"no lambda runner agents available")
	}
	return r.pickSingleForTeam(ctx, task, r.cfg.AdminTeamID, candidates, byUnusedCapacityThenFreshestHeartbeat)
}

func (r *Router) pickSingle(ctx context.Context, task *types.Task, candidates []*types.Agent, less func(a, b *types.Agent) bool) ([]types.TaskRoute, error) {
	return r.pickSingleForTeam(ctx, task, task.TeamID, candidates, less)
}

func (r *Router) pickSingleForTeam(ctx context.Context, task *types.Task, queueTeamID string, candidates []*types.Agent, less func(a, b *types.Agent) bool) ([]types.TaskRoute, error) {
	attempted := make(map[string]bool, len(task.AttemptedRunAgentIDs))
	for _, id := range task.AttemptedRunAgentIDs {
		attempted[id] = true
	}

	eligible := candidates[:0]
	for _, agent := range candidates {
		if !attempted[agent.ID] {
			eligible = append(eligible, agent)
		}
	}
	if len(eligible) == 0 {
		return nil, types.NewLaunchTaskError(types.FailureNoAgentAvailable, task.ID,
			"all qualifying agents already attempted for task %q", task.Name)
	}

	sort.SliceStable(eligible, func(i, j int) bool { return less(eligible[i], eligible[j]) })
	chosen := eligible[0]

	// Record the attempt on the task before publishing so a retry after
	// failure excludes this agent.
	_, err := r.store.Tasks.Update(ctx, task.ID, nil, func(t *types.Task) {
		for _, id := range t.AttemptedRunAgentIDs {
			if id == chosen.ID {
				return
			}
		}
		t.AttemptedRunAgentIDs = append(t.AttemptedRunAgentIDs, chosen.ID)
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("record attempted agent: %w", err)
	}
	task.AttemptedRunAgentIDs = append(task.AttemptedRunAgentIDs, chosen.ID)

	if err := r.dir.StampAssignment(ctx, chosen.ID, r.now()); err != nil {
		r.logger.Warn("Failed to stamp agent assignment", "agent", chosen.ID, "error", err)
	}
	return []types.TaskRoute{{AgentQueue: broker.AgentQueue(queueTeamID, chosen.ID), AgentID: chosen.ID}}, nil
}

// byUnusedCapacityThenLeastRecent is the standard single-agent sort:
// most unused capacity first, ties broken by the agent assigned least
// recently.
func byUnusedCapacityThenLeastRecent(a, b *types.Agent) bool {
	if a.UnusedCapacity() != b.UnusedCapacity() {
		return a.UnusedCapacity() > b.UnusedCapacity()
	}
	return a.LastTaskAssignedTime.Before(b.LastTaskAssignedTime)
}

// byUnusedCapacityThenFreshestHeartbeat is the lambda pool sort: most
// unused capacity first, ties broken by the freshest heartbeat.
func byUnusedCapacityThenFreshestHeartbeat(a, b *types.Agent) bool {
	if a.UnusedCapacity() != b.UnusedCapacity() {
		return a.UnusedCapacity() > b.UnusedCapacity()
	}
	return a.LastHeartbeatTime.After(b.LastHeartbeatTime)
}
