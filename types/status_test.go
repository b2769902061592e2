package types

import "testing"

func TestJobStatusTerminalRange(t *testing.T) {
	terminal := []JobStatus{JobCompleted, JobFailed, JobSkipped}
	inFlight := []JobStatus{JobNotStarted, JobPrePublish, JobRunning, JobInterrupting, JobInterrupted, JobCanceling}

	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range inFlight {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}

	// Range guards depend on terminal states forming a contiguous block
	// at the top of the order.
	for _, s := range inFlight {
		if s >= JobCompleted {
			t.Errorf("in-flight status %s ordered above JobCompleted", s)
		}
	}
}

func TestTaskStatusTerminalRange(t *testing.T) {
	terminal := []TaskStatus{TaskSucceeded, TaskCancelled, TaskFailed, TaskSkipped}
	inFlight := []TaskStatus{TaskNotStarted, TaskWaitingForAgent, TaskPublished, TaskRunning, TaskInterrupting, TaskInterrupted, TaskCanceling}

	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range inFlight {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
		if s >= TaskSucceeded {
			t.Errorf("in-flight status %s ordered above TaskSucceeded", s)
		}
	}
}

func TestTargetModePredicates(t *testing.T) {
	tests := []struct {
		mode     TargetMode
		single   bool
		all      bool
		usesTags bool
	}{
		{TargetSingleAgent, true, false, false},
		{TargetAllAgents, false, true, false},
		{TargetSingleAgentWithTags, true, false, true},
		{TargetAllAgentsWithTags, false, true, true},
		{TargetSingleSpecificAgent, true, false, false},
		{TargetAWSLambda, true, false, false},
	}
	for _, tt := range tests {
		if tt.mode.IsSingle() != tt.single {
			t.Errorf("%s IsSingle = %v, want %v", tt.mode, tt.mode.IsSingle(), tt.single)
		}
		if tt.mode.IsAll() != tt.all {
			t.Errorf("%s IsAll = %v, want %v", tt.mode, tt.mode.IsAll(), tt.all)
		}
		if tt.mode.UsesTags() != tt.usesTags {
			t.Errorf("%s UsesTags = %v, want %v", tt.mode, tt.mode.UsesTags(), tt.usesTags)
		}
		if !tt.mode.Valid() {
			t.Errorf("%s should be valid", tt.mode)
		}
	}
	if TargetMode(3).Valid() {
		t.Error("combined bitmask should not be a valid mode")
	}
}

func TestFailureCodeRetryable(t *testing.T) {
	retryable := []TaskFailureCode{FailureAgentExecError, FailureLaunchTaskError, FailureTaskExecError}
	for _, c := range retryable {
		if !c.Retryable() {
			t.Errorf("%s should be retryable", c)
		}
	}
	if FailureTargetAgentNotSpecified.Retryable() {
		t.Error("TARGET_AGENT_NOT_SPECIFIED should not be retryable")
	}
	if FailureNoAgentAvailable.Retryable() {
		t.Error("NO_AGENT_AVAILABLE is handled by the waiting sweep, not restart")
	}
}
