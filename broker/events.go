package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/taskgrid/types"
	"github.com/c360studio/semstreams/message"
)

// TaskDispatchPayload is the payload published to an agent queue when a
// task is dispatched. Step scripts and arguments arrive with variable
// references already resolved.
type TaskDispatchPayload struct {
	TaskID          string            `json:"task_id"`
	JobID           string            `json:"job_id"`
	TeamID          string            `json:"team_id"`
	TaskName        string            `json:"task_name"`
	Target          types.TargetMode  `json:"target"`
	Steps           []types.TaskStep  `json:"steps"`
	RuntimeVars     types.RuntimeVars `json:"runtime_vars,omitempty"`
	SourceTaskRoute string            `json:"source_task_route,omitempty"`
	AutoRestart     bool              `json:"auto_restart,omitempty"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
}

// Schema returns the message type for this payload.
func (p *TaskDispatchPayload) Schema() message.Type {
	return TaskDispatchType
}

// Validate validates the payload.
func (p *TaskDispatchPayload) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if p.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	return nil
}

// MarshalJSON marshals the payload to JSON.
func (p *TaskDispatchPayload) MarshalJSON() ([]byte, error) {
	type Alias TaskDispatchPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON unmarshals the payload from JSON.
func (p *TaskDispatchPayload) UnmarshalJSON(data []byte) error {
	type Alias TaskDispatchPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// TaskDispatchType is the message type for task dispatch payloads.
var TaskDispatchType = message.Type{
	Domain:   "taskgrid",
	Category: "dispatch",
	Version:  "v1",
}

// OutcomeUpdatePayload reports a task outcome change from an agent. The
// first report for a task creates the outcome; later reports advance it.
type OutcomeUpdatePayload struct {
	OutcomeID     string                 `json:"outcome_id,omitempty"`
	TaskID        string                 `json:"task_id"`
	JobID         string                 `json:"job_id"`
	TeamID        string                 `json:"team_id"`
	AgentID       string                 `json:"agent_id,omitempty"`
	Status        types.TaskStatus       `json:"status"`
	FailureCode   *types.TaskFailureCode `json:"failure_code,omitempty"`
	RuntimeVars   types.RuntimeVars      `json:"runtime_vars,omitempty"`
	DateStarted   *time.Time             `json:"date_started,omitempty"`
	DateCompleted *time.Time             `json:"date_completed,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// Schema returns the message type for this payload.
func (p *OutcomeUpdatePayload) Schema() message.Type {
	return OutcomeUpdateType
}

// Validate validates the payload.
func (p *OutcomeUpdatePayload) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if p.TeamID == "" {
		return fmt.Errorf("team_id is required")
	}
	return nil
}

// MarshalJSON marshals the payload to JSON.
func (p *OutcomeUpdatePayload) MarshalJSON() ([]byte, error) {
	type Alias OutcomeUpdatePayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON unmarshals the payload from JSON.
func (p *OutcomeUpdatePayload) UnmarshalJSON(data []byte) error {
	type Alias OutcomeUpdatePayload
	return json.Unmarshal(data, (*Alias)(p))
}

// OutcomeUpdateType is the message type for outcome updates.
var OutcomeUpdateType = message.Type{
	Domain:   "taskgrid",
	Category: "outcome",
	Version:  "v1",
}

// HeartbeatPayload is an agent's periodic liveness report.
type HeartbeatPayload struct {
	AgentID        string            `json:"agent_id"`
	TeamID         string            `json:"team_id"`
	Name           string            `json:"name,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	MaxActiveTasks int               `json:"max_active_tasks"`
	NumActiveTasks int               `json:"num_active_tasks"`
	Timestamp      time.Time         `json:"timestamp"`
}

// Schema returns the message type for this payload.
func (p *HeartbeatPayload) Schema() message.Type {
	return HeartbeatType
}

// Validate validates the payload.
func (p *HeartbeatPayload) Validate() error {
	if p.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if p.TeamID == "" {
		return fmt.Errorf("team_id is required")
	}
	return nil
}

// MarshalJSON marshals the payload to JSON.
func (p *HeartbeatPayload) MarshalJSON() ([]byte, error) {
	type Alias HeartbeatPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON unmarshals the payload from JSON.
func (p *HeartbeatPayload) UnmarshalJSON(data []byte) error {
	type Alias HeartbeatPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// HeartbeatType is the message type for agent heartbeats.
var HeartbeatType = message.Type{
	Domain:   "taskgrid",
	Category: "heartbeat",
	Version:  "v1",
}

// AgentSignal is a control message sent directly to one agent.
type AgentSignal struct {
	// Signal is "interrupt" or "cancel".
	Signal    string             `json:"signal"`
	OutcomeID string             `json:"outcome_id"`
	TaskID    string             `json:"task_id"`
	Outcome   *types.TaskOutcome `json:"outcome,omitempty"`
}

// DeltaEvent is the delta envelope for external observers.
type DeltaEvent struct {
	TeamID  string          `json:"team_id"`
	Entity  string          `json:"entity"`
	Op      DeltaOp         `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

// DeadLetter wraps an undeliverable payload with its failure context.
type DeadLetter struct {
	Subject   string          `json:"subject"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}
