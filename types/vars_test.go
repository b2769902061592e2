package types

import "testing"

func TestResolveVarRefPrecedence(t *testing.T) {
	taskVars := RuntimeVars{"agent": {Value: "from-task"}}
	jobVars := RuntimeVars{"agent": {Value: "from-job"}, "region": {Value: "us-east"}}
	teamVars := RuntimeVars{"agent": {Value: "from-team"}, "region": {Value: "eu-west"}, "token": {Value: "t", Sensitive: true}}

	got, ok := ResolveVarRef(`@var("agent")`, taskVars, jobVars, teamVars)
	if !ok || got != "from-task" {
		t.Errorf("task scope should win: got %q ok=%v", got, ok)
	}

	got, ok = ResolveVarRef(`@var("region")`, taskVars, jobVars, teamVars)
	if !ok || got != "us-east" {
		t.Errorf("job scope should win over team: got %q ok=%v", got, ok)
	}

	got, ok = ResolveVarRef(`@var("token")`, taskVars, jobVars, teamVars)
	if !ok || got != "t" {
		t.Errorf("team scope fallback: got %q ok=%v", got, ok)
	}

	if _, ok = ResolveVarRef(`@var("missing")`, taskVars); ok {
		t.Error("unresolvable reference should report false")
	}
}

func TestResolveVarRefLiteral(t *testing.T) {
	got, ok := ResolveVarRef("agent-42", RuntimeVars{})
	if !ok || got != "agent-42" {
		t.Errorf("literal should resolve to itself: got %q ok=%v", got, ok)
	}
	if IsVarRef("agent-42") {
		t.Error("literal is not a var ref")
	}
	if !IsVarRef(`@var("x")`) {
		t.Error(`@var("x") is a var ref`)
	}
}

func TestInterpolateVars(t *testing.T) {
	vars := RuntimeVars{"host": {Value: "db1"}, "port": {Value: "5432"}}
	got := InterpolateVars(`connect @var("host"):@var("port") as @var("user")`, vars)
	want := `connect db1:5432 as @var("user")`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRuntimeVarsRedacted(t *testing.T) {
	vars := RuntimeVars{
		"plain":  {Value: "visible"},
		"secret": {Value: "hunter2", Sensitive: true},
	}
	red := vars.Redacted()
	if red["plain"].Value != "visible" {
		t.Errorf("plain value should pass through, got %q", red["plain"].Value)
	}
	if red["secret"].Value == "hunter2" {
		t.Error("sensitive value must not be echoed")
	}
	if vars["secret"].Value != "hunter2" {
		t.Error("redaction must not mutate the source map")
	}
}
