package types

import "time"

// VarValue is a single runtime variable. Sensitive values are redacted
// from delta events published to external observers.
type VarValue struct {
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

// RuntimeVars maps variable names to values, layered Task -> Job -> Team
// during reference resolution.
type RuntimeVars map[string]VarValue

// Redacted returns a copy safe for delta events: sensitive values are
// replaced with a placeholder.
func (v RuntimeVars) Redacted() RuntimeVars {
	if v == nil {
		return nil
	}
	out := make(RuntimeVars, len(v))
	for k, val := range v {
		if val.Sensitive {
			out[k] = VarValue{Value: "*****", Sensitive: true}
		} else {
			out[k] = val
		}
	}
	return out
}

// Merge returns v with entries from other overlaid on top.
func (v RuntimeVars) Merge(other RuntimeVars) RuntimeVars {
	out := make(RuntimeVars, len(v)+len(other))
	for k, val := range v {
		out[k] = val
	}
	for k, val := range other {
		out[k] = val
	}
	return out
}

// TaskEdge is one route-conditioned dependency edge. In FromRoutes the
// TaskName is the upstream task; in ToRoutes and DownDep it is the
// downstream task. An empty RoutePattern means the default predicate
// (anything except the literal "fail" route).
type TaskEdge struct {
	TaskName     string `json:"task_name"`
	RoutePattern string `json:"route_pattern,omitempty"`
}

// TaskStep is one script execution within a task. Script code and
// arguments may contain @var("name") references resolved at dispatch.
type TaskStep struct {
	Name      string            `json:"name"`
	Order     int               `json:"order"`
	Script    string            `json:"script"`
	Arguments string            `json:"arguments,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// TaskSpec is the declaration of one task inside a job definition or an
// ad-hoc job submission. Instantiation copies it into a Task document.
type TaskSpec struct {
	Name          string            `json:"name"`
	Target        TargetMode        `json:"target"`
	TargetAgentID string            `json:"target_agent_id,omitempty"`
	RequiredTags  map[string]string `json:"required_tags,omitempty"`
	FromRoutes    []TaskEdge        `json:"from_routes,omitempty"`
	ToRoutes      []TaskEdge        `json:"to_routes,omitempty"`
	AutoRestart   bool              `json:"auto_restart,omitempty"`
	Steps         []TaskStep        `json:"steps,omitempty"`
}

// JobDef is a reusable job template. Jobs instantiated from it are
// admission-controlled by the scheduler (max instances, misfire grace,
// coalesce).
type JobDef struct {
	ID     string `json:"id"`
	TeamID string `json:"team_id"`
	Name   string `json:"name"`

	// MaxInstances caps concurrently running jobs from this template.
	// Zero means unlimited.
	MaxInstances int `json:"max_instances,omitempty"`

	// MisfireGraceSeconds is the maximum lag past a job's scheduled time
	// before it is skipped instead of started. Zero disables the check.
	MisfireGraceSeconds int `json:"misfire_grace_seconds,omitempty"`

	// Coalesce collapses multiple overdue instances into the newest.
	Coalesce bool `json:"coalesce,omitempty"`

	// Schedule is an optional cron expression. When set, the cron
	// trigger creates an instance each time it fires.
	Schedule string `json:"schedule,omitempty"`

	Status           JobDefStatus `json:"status"`
	LastRunID        int64        `json:"last_run_id"`
	PauseOnFailedJob bool         `json:"pause_on_failed_job,omitempty"`

	RuntimeVars RuntimeVars `json:"runtime_vars,omitempty"`
	Tasks       []TaskSpec  `json:"tasks,omitempty"`

	AlertEmail    string `json:"alert_email,omitempty"`
	AlertSlackURL string `json:"alert_slack_url,omitempty"`

	DateCreated time.Time `json:"date_created"`
}

// LaunchLease serializes admission passes for one job template across
// orchestrator instances. Held while LaunchReadyJobs runs; an expired
// lease may be taken over.
type LaunchLease struct {
	JobDefID   string    `json:"job_def_id"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Job is one execution instance of a task DAG.
type Job struct {
	ID       string `json:"id"`
	TeamID   string `json:"team_id"`
	JobDefID string `json:"job_def_id,omitempty"`
	RunID    int64  `json:"run_id,omitempty"`
	Name     string `json:"name"`

	Status      JobStatus   `json:"status"`
	RuntimeVars RuntimeVars `json:"runtime_vars,omitempty"`
	Error       string      `json:"error,omitempty"`

	DateCreated   time.Time  `json:"date_created"`
	DateScheduled *time.Time `json:"date_scheduled,omitempty"`
	DateStarted   *time.Time `json:"date_started,omitempty"`
	DateCompleted *time.Time `json:"date_completed,omitempty"`

	AlertEmail    string `json:"alert_email,omitempty"`
	AlertSlackURL string `json:"alert_slack_url,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`
}

// LogSafe returns a copy of the job with sensitive variables redacted,
// for delta events and logs.
func (j Job) LogSafe() Job {
	j.RuntimeVars = j.RuntimeVars.Redacted()
	return j
}

// Task is one unit of work within a job. Status is nullable: nil means
// the task has not yet been evaluated for dispatch (its dependencies may
// still be pending), which is distinct from TaskNotStarted.
type Task struct {
	ID     string `json:"id"`
	TeamID string `json:"team_id"`
	JobID  string `json:"job_id"`
	Name   string `json:"name"`

	Status      *TaskStatus      `json:"status"`
	FailureCode *TaskFailureCode `json:"failure_code,omitempty"`

	Target        TargetMode        `json:"target"`
	TargetAgentID string            `json:"target_agent_id,omitempty"`
	RequiredTags  map[string]string `json:"required_tags,omitempty"`

	FromRoutes []TaskEdge `json:"from_routes,omitempty"`
	ToRoutes   []TaskEdge `json:"to_routes,omitempty"`

	// UpDep maps each still-pending upstream task name to its declared
	// route pattern. The task may not dispatch until this empties.
	UpDep map[string]string `json:"up_dep,omitempty"`

	// DownDep lists downstream dependents derived from the other tasks'
	// FromRoutes at creation time.
	DownDep []TaskEdge `json:"down_dep,omitempty"`

	AttemptedRunAgentIDs []string `json:"attempted_run_agent_ids,omitempty"`

	AutoRestart bool `json:"auto_restart,omitempty"`

	RuntimeVars     RuntimeVars `json:"runtime_vars,omitempty"`
	SourceTaskRoute string      `json:"source_task_route,omitempty"`
	Steps           []TaskStep  `json:"steps,omitempty"`

	// DateDispatched is stamped when the task is published to an agent
	// queue. Published tasks no agent claims within the queue TTL are
	// expired by the sweeper.
	DateDispatched *time.Time `json:"date_dispatched,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`
}

// StatusAtOrBelow reports whether the task's status is nil or at most s.
// Used by dispatch preconditions where an unevaluated task qualifies.
func (t *Task) StatusAtOrBelow(s TaskStatus) bool {
	return t.Status == nil || *t.Status <= s
}

// TaskOutcome is one agent's execution record for a task. A task may
// accumulate several outcomes across restarts; at most one non-terminal
// outcome exists per task at a time.
type TaskOutcome struct {
	ID       string `json:"id"`
	TeamID   string `json:"team_id"`
	JobID    string `json:"job_id"`
	TaskID   string `json:"task_id"`
	TaskName string `json:"task_name"`
	AgentID  string `json:"agent_id,omitempty"`

	Status      TaskStatus       `json:"status"`
	FailureCode *TaskFailureCode `json:"failure_code,omitempty"`

	// Route is the label the agent attached to the finished run; it
	// drives downstream edge matching.
	Route           string      `json:"route,omitempty"`
	SourceTaskRoute string      `json:"source_task_route,omitempty"`
	RuntimeVars     RuntimeVars `json:"runtime_vars,omitempty"`

	Target      TargetMode `json:"target"`
	AutoRestart bool       `json:"auto_restart,omitempty"`

	DateStarted   *time.Time `json:"date_started,omitempty"`
	DateCompleted *time.Time `json:"date_completed,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`
}

// Agent is a worker process registered with the orchestrator. Liveness
// is heartbeat-driven: an agent whose last heartbeat is older than the
// configured window does not qualify for routing.
type Agent struct {
	ID     string `json:"id"`
	TeamID string `json:"team_id"`
	Name   string `json:"name"`

	Tags map[string]string `json:"tags,omitempty"`

	MaxActiveTasks int `json:"max_active_tasks"`
	NumActiveTasks int `json:"num_active_tasks"`

	LastHeartbeatTime    time.Time `json:"last_heartbeat_time"`
	LastTaskAssignedTime time.Time `json:"last_task_assigned_time"`

	Offline bool `json:"offline,omitempty"`
}

// UnusedCapacity is the agent's remaining task slots, the primary
// load-balancing sort key.
func (a *Agent) UnusedCapacity() int {
	return a.MaxActiveTasks - a.NumActiveTasks
}

// Team groups agents, jobs, and shared variables.
type Team struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	RuntimeVars RuntimeVars `json:"runtime_vars,omitempty"`
}

// TaskRoute is one dispatch destination produced by the agent router.
type TaskRoute struct {
	AgentQueue string `json:"agent_queue"`
	AgentID    string `json:"agent_id"`
}
