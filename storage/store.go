// Package storage provides document storage for taskgrid over NATS KV.
// Every orchestrator invariant leans on Collection.Update being a true
// conditional atomic update, so both backends (JetStream KV revisions
// and the in-memory test store) implement the same CAS contract.
package storage

import (
	"context"
	"fmt"

	"github.com/c360studio/taskgrid/types"
	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each collection.
const (
	BucketJobDefs      = "TASKGRID_JOBDEFS"
	BucketJobs         = "TASKGRID_JOBS"
	BucketTasks        = "TASKGRID_TASKS"
	BucketTaskOutcomes = "TASKGRID_TASK_OUTCOMES"
	BucketAgents       = "TASKGRID_AGENTS"
	BucketTeams        = "TASKGRID_TEAMS"
	BucketLeases       = "TASKGRID_LAUNCH_LEASES"
)

// Store aggregates the typed collections the orchestrator works with.
type Store struct {
	JobDefs      *Collection[types.JobDef]
	Jobs         *Collection[types.Job]
	Tasks        *Collection[types.Task]
	TaskOutcomes *Collection[types.TaskOutcome]
	Agents       *Collection[types.Agent]
	Teams        *Collection[types.Team]
	Leases       *Collection[types.LaunchLease]
}

// NewNATSStore creates a Store over JetStream KV, creating the buckets
// if they don't exist.
func NewNATSStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	open := func(name string) (KV, error) {
		kv, err := NewNATSKV(ctx, js, name)
		if err != nil {
			return nil, fmt.Errorf("open bucket %s: %w", name, err)
		}
		return kv, nil
	}

	jobDefs, err := open(BucketJobDefs)
	if err != nil {
		return nil, err
	}
	jobs, err := open(BucketJobs)
	if err != nil {
		return nil, err
	}
	tasks, err := open(BucketTasks)
	if err != nil {
		return nil, err
	}
	outcomes, err := open(BucketTaskOutcomes)
	if err != nil {
		return nil, err
	}
	agents, err := open(BucketAgents)
	if err != nil {
		return nil, err
	}
	teams, err := open(BucketTeams)
	if err != nil {
		return nil, err
	}
	leases, err := open(BucketLeases)
	if err != nil {
		return nil, err
	}

	return newStore(jobDefs, jobs, tasks, outcomes, agents, teams, leases), nil
}

// NewMemoryStore creates a Store backed by in-memory KVs, for tests.
func NewMemoryStore() *Store {
	return newStore(NewMemKV(), NewMemKV(), NewMemKV(), NewMemKV(), NewMemKV(), NewMemKV(), NewMemKV())
}

func newStore(jobDefs, jobs, tasks, outcomes, agents, teams, leases KV) *Store {
	return &Store{
		JobDefs:      NewCollection[types.JobDef]("jobdef", jobDefs),
		Jobs:         NewCollection[types.Job]("job", jobs),
		Tasks:        NewCollection[types.Task]("task", tasks),
		TaskOutcomes: NewCollection[types.TaskOutcome]("taskoutcome", outcomes),
		Agents:       NewCollection[types.Agent]("agent", agents),
		Teams:        NewCollection[types.Team]("team", teams),
		Leases:       NewCollection[types.LaunchLease]("launchlease", leases),
	}
}

// JobTasks returns every task belonging to the given job.
func (s *Store) JobTasks(ctx context.Context, jobID string) ([]*types.Task, error) {
	return s.Tasks.Find(ctx, func(t *types.Task) bool { return t.JobID == jobID })
}

// JobOutcomes returns every task outcome recorded for the given job.
func (s *Store) JobOutcomes(ctx context.Context, jobID string) ([]*types.TaskOutcome, error) {
	return s.TaskOutcomes.Find(ctx, func(o *types.TaskOutcome) bool { return o.JobID == jobID })
}

// TaskByName returns the named task within a job, or ErrNotFound.
func (s *Store) TaskByName(ctx context.Context, jobID, name string) (*types.Task, error) {
	return s.Tasks.FindOne(ctx, func(t *types.Task) bool {
		return t.JobID == jobID && t.Name == name
	})
}
