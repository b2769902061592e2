// Package types defines the taskgrid domain model: jobs, tasks, outcomes,
// agents, and the ordered status enums their state machines run on.
package types

import "fmt"

// JobStatus is an ordered job state. The numeric gaps are deliberate:
// range comparisons (status >= JobCompleted) are used as terminal guards
// and in conditional update filters, so the terminal states occupy a
// contiguous range at the top of the order.
type JobStatus int

const (
	JobNotStarted   JobStatus = 0
	JobPrePublish   JobStatus = 5
	JobRunning      JobStatus = 10
	JobInterrupting JobStatus = 14
	JobInterrupted  JobStatus = 15
	JobCanceling    JobStatus = 17
	JobCompleted    JobStatus = 20
	JobFailed       JobStatus = 22
	JobSkipped      JobStatus = 23
)

// Terminal reports whether the job has reached a final state.
func (s JobStatus) Terminal() bool {
	return s >= JobCompleted
}

func (s JobStatus) String() string {
	switch s {
	case JobNotStarted:
		return "NOT_STARTED"
	case JobPrePublish:
		return "PREPUBLISH"
	case JobRunning:
		return "RUNNING"
	case JobInterrupting:
		return "INTERRUPTING"
	case JobInterrupted:
		return "INTERRUPTED"
	case JobCanceling:
		return "CANCELING"
	case JobCompleted:
		return "COMPLETED"
	case JobFailed:
		return "FAILED"
	case JobSkipped:
		return "SKIPPED"
	default:
		return fmt.Sprintf("JobStatus(%d)", int(s))
	}
}

// TaskStatus is an ordered task state. A task document stores *TaskStatus:
// nil means the task has not been evaluated for dispatch yet, which is
// distinct from TaskNotStarted (explicitly ready to run).
type TaskStatus int

const (
	TaskNotStarted      TaskStatus = 0
	TaskWaitingForAgent TaskStatus = 3
	TaskPublished       TaskStatus = 5
	TaskRunning         TaskStatus = 10
	TaskInterrupting    TaskStatus = 14
	TaskInterrupted     TaskStatus = 15
	TaskCanceling       TaskStatus = 17
	TaskSucceeded       TaskStatus = 20
	TaskCancelled       TaskStatus = 21
	TaskFailed          TaskStatus = 22
	TaskSkipped         TaskStatus = 23
)

// Terminal reports whether the task attempt has reached a final state.
func (s TaskStatus) Terminal() bool {
	return s >= TaskSucceeded
}

func (s TaskStatus) String() string {
	switch s {
	case TaskNotStarted:
		return "NOT_STARTED"
	case TaskWaitingForAgent:
		return "WAITING_FOR_AGENT"
	case TaskPublished:
		return "PUBLISHED"
	case TaskRunning:
		return "RUNNING"
	case TaskInterrupting:
		return "INTERRUPTING"
	case TaskInterrupted:
		return "INTERRUPTED"
	case TaskCanceling:
		return "CANCELING"
	case TaskSucceeded:
		return "SUCCEEDED"
	case TaskCancelled:
		return "CANCELLED"
	case TaskFailed:
		return "FAILED"
	case TaskSkipped:
		return "SKIPPED"
	default:
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
}

// Ptr returns a pointer to s, for assigning into a nullable task status.
func (s TaskStatus) Ptr() *TaskStatus {
	return &s
}

// JobDefStatus is the admission state of a job template.
type JobDefStatus int

const (
	JobDefRunning JobDefStatus = 10
	JobDefPaused  JobDefStatus = 15
)

func (s JobDefStatus) String() string {
	switch s {
	case JobDefRunning:
		return "RUNNING"
	case JobDefPaused:
		return "PAUSED"
	default:
		return fmt.Sprintf("JobDefStatus(%d)", int(s))
	}
}

// TaskFailureCode classifies why a task dispatch or execution failed.
type TaskFailureCode int

const (
	FailureAgentCrashedOrLostConnectivity TaskFailureCode = 0
	FailureNoAgentAvailable               TaskFailureCode = 1
	FailureAgentExecError                 TaskFailureCode = 2
	FailureQueuedTaskExpired              TaskFailureCode = 3
	FailureTargetAgentNotSpecified        TaskFailureCode = 4
	FailureMissingTargetTags              TaskFailureCode = 5
	FailureLaunchTaskError                TaskFailureCode = 6
	FailureTaskExecError                  TaskFailureCode = 7
)

func (c TaskFailureCode) String() string {
	switch c {
	case FailureAgentCrashedOrLostConnectivity:
		return "AGENT_CRASHED_OR_LOST_CONNECTIVITY"
	case FailureNoAgentAvailable:
		return "NO_AGENT_AVAILABLE"
	case FailureAgentExecError:
		return "AGENT_EXEC_ERROR"
	case FailureQueuedTaskExpired:
		return "QUEUED_TASK_EXPIRED"
	case FailureTargetAgentNotSpecified:
		return "TARGET_AGENT_NOT_SPECIFIED"
	case FailureMissingTargetTags:
		return "MISSING_TARGET_TAGS"
	case FailureLaunchTaskError:
		return "LAUNCH_TASK_ERROR"
	case FailureTaskExecError:
		return "TASK_EXEC_ERROR"
	default:
		return fmt.Sprintf("TaskFailureCode(%d)", int(c))
	}
}

// Retryable reports whether a failed task attempt with this code may be
// restarted by an operator.
func (c TaskFailureCode) Retryable() bool {
	switch c {
	case FailureAgentExecError, FailureLaunchTaskError, FailureTaskExecError:
		return true
	default:
		return false
	}
}

// Ptr returns a pointer to c, for assigning into a nullable failure code.
func (c TaskFailureCode) Ptr() *TaskFailureCode {
	return &c
}

// TargetMode selects which agents a task is dispatched to.
type TargetMode int

const (
	TargetSingleAgent         TargetMode = 1
	TargetAllAgents           TargetMode = 2
	TargetSingleAgentWithTags TargetMode = 4
	TargetAllAgentsWithTags   TargetMode = 8
	TargetSingleSpecificAgent TargetMode = 16
	TargetAWSLambda           TargetMode = 32
)

// IsSingle reports whether the mode dispatches to exactly one agent.
func (m TargetMode) IsSingle() bool {
	return m == TargetSingleAgent || m == TargetSingleAgentWithTags ||
		m == TargetSingleSpecificAgent || m == TargetAWSLambda
}

// IsAll reports whether the mode fans out to every qualifying agent.
func (m TargetMode) IsAll() bool {
	return m == TargetAllAgents || m == TargetAllAgentsWithTags
}

// UsesTags reports whether the mode filters candidate agents by tags.
func (m TargetMode) UsesTags() bool {
	return m == TargetSingleAgentWithTags || m == TargetAllAgentsWithTags
}

// Valid reports whether m is one of the defined modes.
func (m TargetMode) Valid() bool {
	switch m {
	case TargetSingleAgent, TargetAllAgents, TargetSingleAgentWithTags,
		TargetAllAgentsWithTags, TargetSingleSpecificAgent, TargetAWSLambda:
		return true
	default:
		return false
	}
}

func (m TargetMode) String() string {
	switch m {
	case TargetSingleAgent:
		return "SINGLE_AGENT"
	case TargetAllAgents:
		return "ALL_AGENTS"
	case TargetSingleAgentWithTags:
		return "SINGLE_AGENT_WITH_TAGS"
	case TargetAllAgentsWithTags:
		return "ALL_AGENTS_WITH_TAGS"
	case TargetSingleSpecificAgent:
		return "SINGLE_SPECIFIC_AGENT"
	case TargetAWSLambda:
		return "AWS_LAMBDA"
	default:
		return fmt.Sprintf("TargetMode(%d)", int(m))
	}
}
