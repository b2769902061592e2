package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go"
)

// NATSPublisher implements Publisher over a shared NATS client. Task
// payloads go to the TASKGRID stream; a per-message TTL header expires
// queued dispatches no agent picked up in time.
type NATSPublisher struct {
	client *natsclient.Client
	logger *slog.Logger
	source string
}

// NewNATSPublisher wraps the given client.
func NewNATSPublisher(client *natsclient.Client, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{
		client: client,
		logger: logger,
		source: "taskgrid",
	}
}

// PublishTask publishes a serialized task payload to an agent queue.
func (p *NATSPublisher) PublishTask(ctx context.Context, queue string, payload []byte, ttl time.Duration) error {
	subject := TaskPublishSubject(queue)
	if ttl <= 0 {
		if err := p.client.PublishToStream(ctx, subject, payload); err != nil {
			return fmt.Errorf("publish task to %s: %w", subject, err)
		}
		return nil
	}

	js, err := p.client.JetStream()
	if err != nil {
		return fmt.Errorf("get jetstream: %w", err)
	}
	msg := &nats.Msg{
		Subject: subject,
		Data:    payload,
		Header:  nats.Header{},
	}
	msg.Header.Set("Nats-TTL", strconv.Itoa(int(ttl.Seconds()))+"s")
	if _, err := js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish task to %s: %w", subject, err)
	}
	return nil
}

// PublishToAgent sends a control payload to one agent's signal subject.
func (p *NATSPublisher) PublishToAgent(ctx context.Context, agentID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal agent payload: %w", err)
	}
	subject := AgentSignalSubject(agentID)
	if err := p.client.PublishToStream(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to agent %s: %w", agentID, err)
	}
	return nil
}

// PublishDelta publishes an entity change event. Failures are logged,
// not propagated: deltas are observability, not correctness.
func (p *NATSPublisher) PublishDelta(ctx context.Context, teamID, entity string, op DeltaOp, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("Failed to marshal delta payload", "entity", entity, "error", err)
		return nil
	}
	event := DeltaEvent{TeamID: teamID, Entity: entity, Op: op, Payload: raw}
	data, err := json.Marshal(&event)
	if err != nil {
		p.logger.Warn("Failed to marshal delta event", "entity", entity, "error", err)
		return nil
	}
	subject := DeltaSubject(teamID, entity)
	if err := p.client.PublishToStream(ctx, subject, data); err != nil {
		p.logger.Warn("Failed to publish delta", "subject", subject, "error", err)
	}
	return nil
}

// PublishDeadLetter records an undeliverable payload.
func (p *NATSPublisher) PublishDeadLetter(ctx context.Context, subject string, payload []byte, reason string) error {
	letter := DeadLetter{
		Subject:   subject,
		Reason:    reason,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(&letter)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := p.client.PublishToStream(ctx, DeadLetterSubject, data); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

// PublishOutcome publishes an outcome update wrapped in a BaseMessage.
// Agents use the same wire shape, so the orchestrator's own transitions
// (queued-task expiry, agent-loss sweeps) flow through one consumer.
func (p *NATSPublisher) PublishOutcome(ctx context.Context, payload *OutcomeUpdatePayload) error {
	baseMsg := message.NewBaseMessage(OutcomeUpdateType, payload, p.source)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		return fmt.Errorf("marshal outcome update: %w", err)
	}
	if err := p.client.PublishToStream(ctx, OutcomeUpdateSubject, data); err != nil {
		return fmt.Errorf("publish outcome update: %w", err)
	}
	return nil
}
