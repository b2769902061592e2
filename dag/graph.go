// Package dag validates task dependency graphs and derives the
// downstream-dependency edges that drive route-conditioned launching.
package dag

import (
	"sort"
	"strings"

	"github.com/c360studio/taskgrid/types"
)

// Validate checks that the tasks' route declarations form an acyclic
// graph. On a cycle it returns a ValidationError naming every task on
// the recursion stack when the back-edge was found.
func Validate(tasks []types.TaskSpec) error {
	adj := adjacency(tasks)

	visited := make(map[string]bool, len(adj))
	onStack := make(map[string]bool, len(adj))

	var cyclic func(name string) bool
	cyclic = func(name string) bool {
		if onStack[name] {
			return true
		}
		if visited[name] {
			return false
		}
		visited[name] = true
		onStack[name] = true
		for _, next := range adj[name] {
			if cyclic(next) {
				return true
			}
		}
		onStack[name] = false
		return false
	}

	for i := range tasks {
		if cyclic(tasks[i].Name) {
			implicated := make([]string, 0, len(onStack))
			for name, on := range onStack {
				if on {
					implicated = append(implicated, name)
				}
			}
			sort.Strings(implicated)
			return types.NewValidationError(
				"Job contains a cyclic dependency with the following tasks: %s",
				strings.Join(implicated, ","))
		}
	}
	return nil
}

// DownstreamDependencies computes, for every task name, the list of
// dependents derived from the other tasks' from routes. The result
// seeds each task's DownDep at creation time; UpDep is the mirror image
// seeded from the task's own FromRoutes.
func DownstreamDependencies(tasks []types.TaskSpec) map[string][]types.TaskEdge {
	down := make(map[string][]types.TaskEdge, len(tasks))
	for i := range tasks {
		down[tasks[i].Name] = nil
	}
	for i := range tasks {
		for _, from := range tasks[i].FromRoutes {
			if _, ok := down[from.TaskName]; !ok {
				continue
			}
			down[from.TaskName] = append(down[from.TaskName], types.TaskEdge{
				TaskName:     tasks[i].Name,
				RoutePattern: from.RoutePattern,
			})
		}
	}
	return down
}

// adjacency builds the directed edge map from both route declarations:
// a from route is an edge upstream -> task, a to route is task -> downstream.
func adjacency(tasks []types.TaskSpec) map[string][]string {
	adj := make(map[string][]string, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		for _, from := range t.FromRoutes {
			adj[from.TaskName] = append(adj[from.TaskName], t.Name)
		}
		for _, to := range t.ToRoutes {
			adj[t.Name] = append(adj[t.Name], to.TaskName)
		}
	}
	return adj
}
