// Package launcher advances a job's DAG after a task finishes: routing
// outcome labels into downstream launches, dependency decrements, and
// skip cascades.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/taskgrid/dag"
	"github.com/c360studio/taskgrid/dispatch"
	"github.com/c360studio/taskgrid/storage"
	"github.com/c360studio/taskgrid/types"
)

// Launcher evaluates downstream edges when a task reaches a terminal
// outcome.
type Launcher struct {
	store  *storage.Store
	disp   *dispatch.Dispatcher
	logger *slog.Logger
}

// NewLauncher builds a Launcher.
func NewLauncher(store *storage.Store, disp *dispatch.Dispatcher, logger *slog.Logger) *Launcher {
	return &Launcher{store: store, disp: disp, logger: logger}
}

// LaunchDownstreamTasks processes the finished task's outgoing edges
// against the outcome's route label.
//
// Fan-out edges (toRoutes) whose pattern matches launch the target
// fresh, stamping the route it arrived on. Dependency edges (downDep)
// whose pattern matches remove this task from the target's upstream
// set; the target dispatches once that set empties. A dependency edge
// whose pattern does not match can never be satisfied, so the target
// and everything reachable only through it is skipped.
//
// If the job itself is already canceling or terminal, nothing new
// launches; the whole downstream chain is skipped instead.
func (l *Launcher) LaunchDownstreamTasks(ctx context.Context, job *types.Job, task *types.Task, route string) error {
	if job.Status == types.JobCanceling || job.Status.Terminal() {
		l.logger.Info("Job no longer running, skipping downstream chain",
			"job", job.ID, "task", task.Name, "status", job.Status)
		return l.SkipDownstreamOf(ctx, task)
	}

	for _, edge := range task.ToRoutes {
		if !dag.RouteMatches(edge.RoutePattern, route) {
			continue
		}
		if err := l.launchFanOutTarget(ctx, job, task, edge.TaskName, route); err != nil {
			return err
		}
	}

	for _, edge := range task.DownDep {
		target, err := l.store.TaskByName(ctx, task.JobID, edge.TaskName)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				l.logger.Warn("Downstream task missing", "job", task.JobID, "name", edge.TaskName)
				continue
			}
			return fmt.Errorf("load downstream task %q: %w", edge.TaskName, err)
		}

		if !dag.RouteMatches(edge.RoutePattern, route) {
			if err := l.SkipTaskChain(ctx, target); err != nil {
				return err
			}
			continue
		}

		if err := l.satisfyDependency(ctx, job, target, task.Name); err != nil {
			return err
		}
	}
	return nil
}

func (l *Launcher) launchFanOutTarget(ctx context.Context, job *types.Job, source *types.Task, targetName, route string) error {
	target, err := l.store.TaskByName(ctx, source.JobID, targetName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			l.logger.Warn("Fan-out target missing", "job", source.JobID, "name", targetName)
			return nil
		}
		return fmt.Errorf("load fan-out target %q: %w", targetName, err)
	}

	updated, err := l.store.Tasks.Update(ctx, target.ID,
		func(t *types.Task) bool { return t.Status == nil || !t.Status.Terminal() },
		func(t *types.Task) {
			t.Status = types.TaskNotStarted.Ptr()
			t.SourceTaskRoute = route
			t.AttemptedRunAgentIDs = nil
		})
	if err != nil {
		if errors.Is(err, storage.ErrNoMatch) {
			l.logger.Debug("Fan-out target already terminal", "task", target.ID)
			return nil
		}
		return fmt.Errorf("prepare fan-out target %q: %w", targetName, err)
	}

	l.logger.Info("Launching fan-out target", "job", job.ID, "source", source.Name,
		"target", targetName, "route", route)
	if err := l.disp.PublishTask(ctx, job, updated); err != nil {
		var lte *types.LaunchTaskError
		if errors.As(err, &lte) {
			// Already recorded on the task by the dispatcher.
			return nil
		}
		return err
	}
	return nil
}

// satisfyDependency removes the finished upstream from the target's
// dependency set and dispatches the target if that was the last one.
func (l *Launcher) satisfyDependency(ctx context.Context, job *types.Job, target *types.Task, upstreamName string) error {
	updated, err := l.store.Tasks.Update(ctx, target.ID,
		func(t *types.Task) bool { _, ok := t.UpDep[upstreamName]; return ok },
		func(t *types.Task) {
			delete(t.UpDep, upstreamName)
		})
	if err != nil {
		if errors.Is(err, storage.ErrNoMatch) {
			// Dependency already consumed, nothing left to do here.
			return nil
		}
		return fmt.Errorf("clear dependency %q on task %q: %w", upstreamName, target.Name, err)
	}

	if len(updated.UpDep) > 0 {
		l.logger.Debug("Task still waiting on upstreams",
			"task", updated.Name, "remaining", len(updated.UpDep))
		return nil
	}
	if updated.Status != nil {
		// Already picked up through another edge.
		return nil
	}

	l.logger.Info("All upstream dependencies satisfied, dispatching",
		"job", job.ID, "task", updated.Name)
	if err := l.disp.PublishTask(ctx, job, updated); err != nil {
		var lte *types.LaunchTaskError
		if errors.As(err, &lte) {
			return nil
		}
		return err
	}
	return nil
}

// SkipTaskChain marks the task SKIPPED if it has not been evaluated yet
// and walks its downstream edges doing the same. The walk is iterative
// with a visited set, so diamond shapes and defensive cycles terminate.
// A task that already holds a status arrived through another path and
// is left alone, along with its subtree.
func (l *Launcher) SkipTaskChain(ctx context.Context, start *types.Task) error {
	worklist := []*types.Task{start}
	visited := map[string]bool{start.ID: true}

	for len(worklist) > 0 {
		task := worklist[0]
		worklist = worklist[1:]

		_, err := l.store.Tasks.Update(ctx, task.ID,
			func(t *types.Task) bool { return t.Status == nil },
			func(t *types.Task) {
				t.Status = types.TaskSkipped.Ptr()
			})
		if err != nil {
			if errors.Is(err, storage.ErrNoMatch) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return fmt.Errorf("skip task %q: %w", task.Name, err)
		}
		l.logger.Info("Task skipped", "job", task.JobID, "task", task.Name)

		for _, name := range downstreamNames(task) {
			next, err := l.store.TaskByName(ctx, task.JobID, name)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return fmt.Errorf("load downstream task %q: %w", name, err)
			}
			if !visited[next.ID] {
				visited[next.ID] = true
				worklist = append(worklist, next)
			}
		}
	}
	return nil
}

// SkipDownstreamOf skips every chain below the task without touching
// the task itself.
func (l *Launcher) SkipDownstreamOf(ctx context.Context, task *types.Task) error {
	for _, name := range downstreamNames(task) {
		target, err := l.store.TaskByName(ctx, task.JobID, name)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return fmt.Errorf("load downstream task %q: %w", name, err)
		}
		if err := l.SkipTaskChain(ctx, target); err != nil {
			return err
		}
	}
	return nil
}

func downstreamNames(task *types.Task) []string {
	seen := make(map[string]bool)
	var names []string
	for _, edge := range task.DownDep {
		if !seen[edge.TaskName] {
			seen[edge.TaskName] = true
			names = append(names, edge.TaskName)
		}
	}
	for _, edge := range task.ToRoutes {
		if !seen[edge.TaskName] {
			seen[edge.TaskName] = true
			names = append(names, edge.TaskName)
		}
	}
	return names
}
