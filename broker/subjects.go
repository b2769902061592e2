// Package broker provides the messaging surface between the
// orchestrator, agents, and external observers over NATS JetStream.
package broker

import "fmt"

// StreamName is the JetStream stream carrying all taskgrid traffic.
const StreamName = "TASKGRID"

// Subject taxonomy. Task dispatch fans out per agent queue; outcome and
// heartbeat traffic flows back on fixed subjects consumed by durable
// consumers.
const (
	// TaskPublishPrefix + <queue> carries serialized task dispatch payloads.
	TaskPublishPrefix = "taskgrid.task.publish."

	// OutcomeUpdateSubject carries task outcome updates reported by agents.
	OutcomeUpdateSubject = "taskgrid.outcome.update"

	// AgentHeartbeatSubject carries agent heartbeat reports.
	AgentHeartbeatSubject = "taskgrid.agent.heartbeat"

	// AgentSignalPrefix + <agentID> carries interrupt/cancel signals to one agent.
	AgentSignalPrefix = "taskgrid.agent.signal."

	// DeltaPrefix + <teamID>.<entity> carries entity delta events for observers.
	DeltaPrefix = "taskgrid.delta."

	// DeadLetterSubject receives payloads that could not be delivered.
	DeadLetterSubject = "taskgrid.deadletter"
)

// StreamSubjects lists every subject pattern the stream must bind.
func StreamSubjects() []string {
	return []string{
		TaskPublishPrefix + ">",
		OutcomeUpdateSubject,
		AgentHeartbeatSubject,
		AgentSignalPrefix + ">",
		DeltaPrefix + ">",
		DeadLetterSubject,
	}
}

// AgentQueue names the dispatch queue for one agent within a team.
func AgentQueue(teamID, agentID string) string {
	return fmt.Sprintf("%s.agent.%s", teamID, agentID)
}

// TaskPublishSubject returns the subject a task payload is published to
// for the given agent queue.
func TaskPublishSubject(queue string) string {
	return TaskPublishPrefix + queue
}

// AgentSignalSubject returns the subject for direct agent signals.
func AgentSignalSubject(agentID string) string {
	return AgentSignalPrefix + agentID
}

// DeltaSubject returns the subject for entity delta events.
func DeltaSubject(teamID, entity string) string {
	return fmt.Sprintf("%s%s.%s", DeltaPrefix, teamID, entity)
}
