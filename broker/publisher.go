package broker

import (
	"context"
	"time"
)

// DeltaOp labels the kind of change a delta event reports.
type DeltaOp string

const (
	DeltaCreate DeltaOp = "create"
	DeltaUpdate DeltaOp = "update"
	DeltaDelete DeltaOp = "delete"
)

// Publisher is the narrow broker contract the orchestrator depends on.
// Delta publication is fire-and-forget for observers; dispatch and
// agent signals must reach the stream or surface an error so the caller
// can dead-letter.
type Publisher interface {
	// PublishTask publishes a serialized task payload to an agent queue.
	// A non-zero ttl expires the message if no agent consumes it in time.
	PublishTask(ctx context.Context, queue string, payload []byte, ttl time.Duration) error

	// PublishToAgent sends a control payload (interrupt, cancel) to one agent.
	PublishToAgent(ctx context.Context, agentID string, payload any) error

	// PublishDelta publishes an entity change event for external observers.
	PublishDelta(ctx context.Context, teamID, entity string, op DeltaOp, payload any) error

	// PublishDeadLetter records a payload that could not be delivered.
	PublishDeadLetter(ctx context.Context, subject string, payload []byte, reason string) error
}
