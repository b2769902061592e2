package dag

import (
	"errors"
	"strings"
	"testing"

	"github.com/c360studio/taskgrid/types"
)

func spec(name string, from, to []types.TaskEdge) types.TaskSpec {
	return types.TaskSpec{
		Name:       name,
		Target:     types.TargetSingleAgent,
		FromRoutes: from,
		ToRoutes:   to,
	}
}

func edge(name, pattern string) types.TaskEdge {
	return types.TaskEdge{TaskName: name, RoutePattern: pattern}
}

func TestValidateAcyclic(t *testing.T) {
	// diamond: a -> b, a -> c, b -> d, c -> d
	tasks := []types.TaskSpec{
		spec("a", nil, nil),
		spec("b", []types.TaskEdge{edge("a", "")}, nil),
		spec("c", []types.TaskEdge{edge("a", "")}, nil),
		spec("d", []types.TaskEdge{edge("b", ""), edge("c", "")}, nil),
	}
	if err := Validate(tasks); err != nil {
		t.Fatalf("acyclic graph rejected: %v", err)
	}
}

func TestValidateCycle(t *testing.T) {
	tasks := []types.TaskSpec{
		spec("a", []types.TaskEdge{edge("c", "")}, nil),
		spec("b", []types.TaskEdge{edge("a", "")}, nil),
		spec("c", []types.TaskEdge{edge("b", "")}, nil),
	}
	err := Validate(tasks)
	if err == nil {
		t.Fatal("cycle not detected")
	}
	var verr *types.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError, got %T", err)
	}
	for _, name := range []string{"a", "b", "c"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error should name task %q: %s", name, err)
		}
	}
}

func TestValidateSelfLoop(t *testing.T) {
	tasks := []types.TaskSpec{
		spec("solo", nil, []types.TaskEdge{edge("solo", "")}),
	}
	if Validate(tasks) == nil {
		t.Fatal("self loop not detected")
	}
}

func TestValidateCycleViaToRoutes(t *testing.T) {
	// to routes alone can close a cycle even with no from routes declared
	tasks := []types.TaskSpec{
		spec("x", nil, []types.TaskEdge{edge("y", "ok")}),
		spec("y", nil, []types.TaskEdge{edge("x", "ok")}),
	}
	if Validate(tasks) == nil {
		t.Fatal("to-route cycle not detected")
	}
}

func TestDownstreamDependencies(t *testing.T) {
	tasks := []types.TaskSpec{
		spec("extract", nil, nil),
		spec("transform", []types.TaskEdge{edge("extract", "ok")}, nil),
		spec("load", []types.TaskEdge{edge("transform", "")}, nil),
		spec("audit", []types.TaskEdge{edge("extract", "audit")}, nil),
	}
	down := DownstreamDependencies(tasks)

	if len(down["extract"]) != 2 {
		t.Fatalf("extract should have 2 dependents, got %v", down["extract"])
	}
	if down["extract"][0] != edge("transform", "ok") {
		t.Errorf("unexpected first dependent: %v", down["extract"][0])
	}
	if down["extract"][1] != edge("audit", "audit") {
		t.Errorf("unexpected second dependent: %v", down["extract"][1])
	}
	if len(down["transform"]) != 1 || down["transform"][0] != edge("load", "") {
		t.Errorf("transform dependents: %v", down["transform"])
	}
	if len(down["load"]) != 0 {
		t.Errorf("load should have no dependents: %v", down["load"])
	}
	if len(down["audit"]) != 0 {
		t.Errorf("audit should have no dependents: %v", down["audit"])
	}
}

func TestRouteMatchesDefaultPredicate(t *testing.T) {
	tests := []struct {
		pattern string
		route   string
		want    bool
	}{
		{"", "ok", true},
		{"", "", true},
		{"", "fail", false},
		{".*", "anything", true},
		{".*", "fail", false},
		{"*", "fail", false},
		{"ok", "ok", true},
		{"ok", "fail", false},
		{"ok", "okay", false},
		{"report-*", "report-daily", true},
		{"report-*", "cleanup", false},
		// the sentinel is matchable by an explicit pattern
		{"fail", "fail", true},
	}
	for _, tt := range tests {
		if got := RouteMatches(tt.pattern, tt.route); got != tt.want {
			t.Errorf("RouteMatches(%q, %q) = %v, want %v", tt.pattern, tt.route, got, tt.want)
		}
	}
}
