package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/c360studio/taskgrid/broker"
	"github.com/c360studio/taskgrid/types"
)

// SweepStaleAgents marks agents whose heartbeats lapsed as offline and
// fails their open task attempts with an agent-loss failure code. The
// failures run through the normal outcome path, so downstream skip
// cascades and job status derivation apply.
func (o *Orchestrator) SweepStaleAgents(ctx context.Context) (int, error) {
	stale, err := o.Directory.MarkStale(ctx)
	if err != nil {
		return 0, fmt.Errorf("mark stale agents: %w", err)
	}

	failed := 0
	for _, agent := range stale {
		outcomes, err := o.Store.TaskOutcomes.Find(ctx, func(oc *types.TaskOutcome) bool {
			return oc.AgentID == agent.ID && !oc.Status.Terminal()
		})
		if err != nil {
			return failed, fmt.Errorf("find open outcomes for agent %s: %w", agent.ID, err)
		}

		for _, oc := range outcomes {
			code := types.FailureAgentCrashedOrLostConnectivity
			now := time.Now()
			payload := &broker.OutcomeUpdatePayload{
				OutcomeID:     oc.ID,
				TaskID:        oc.TaskID,
				JobID:         oc.JobID,
				TeamID:        oc.TeamID,
				AgentID:       agent.ID,
				Status:        types.TaskFailed,
				FailureCode:   &code,
				DateCompleted: &now,
			}
			if err := o.Lifecycle.UpdateTaskOutcome(ctx, payload); err != nil {
				return failed, fmt.Errorf("fail outcome %s for lost agent %s: %w", oc.ID, agent.ID, err)
			}
			failed++
		}
	}
	return failed, nil
}

// SweepExpiredTasks expires published tasks no agent claimed within the
// queue TTL. A task still in PUBLISHED means no agent has reported on
// it, so its queue message has already aged out of the stream.
func (o *Orchestrator) SweepExpiredTasks(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-o.cfg.QueueTTL)
	tasks, err := o.Store.Tasks.Find(ctx, func(t *types.Task) bool {
		return t.Status != nil && *t.Status == types.TaskPublished &&
			t.DateDispatched != nil && t.DateDispatched.Before(cutoff)
	})
	if err != nil {
		return 0, fmt.Errorf("find expired tasks: %w", err)
	}

	expired := 0
	for _, task := range tasks {
		code := types.FailureQueuedTaskExpired
		now := time.Now()
		payload := &broker.OutcomeUpdatePayload{
			TaskID:        task.ID,
			JobID:         task.JobID,
			TeamID:        task.TeamID,
			Status:        types.TaskFailed,
			FailureCode:   &code,
			DateCompleted: &now,
		}
		if err := o.Lifecycle.UpdateTaskOutcome(ctx, payload); err != nil {
			return expired, fmt.Errorf("expire task %s: %w", task.ID, err)
		}
		expired++
	}
	return expired, nil
}

// RepublishWaitingTasks retries dispatch for tasks parked in
// WAITING_FOR_AGENT across every team.
func (o *Orchestrator) RepublishWaitingTasks(ctx context.Context) error {
	teams, err := o.Store.Teams.Find(ctx, func(*types.Team) bool { return true })
	if err != nil {
		return fmt.Errorf("list teams: %w", err)
	}
	for _, team := range teams {
		if err := o.Dispatch.RepublishTasksWaitingForAgent(ctx, team.ID); err != nil {
			return fmt.Errorf("republish waiting tasks for team %s: %w", team.ID, err)
		}
	}
	return nil
}
