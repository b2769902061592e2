package broker

import (
	"context"
	"sync"
	"time"
)

// Recorder is an in-memory Publisher for tests. It records every
// publish so assertions can inspect dispatch fan-out, agent signals,
// and delta traffic.
type Recorder struct {
	mu sync.Mutex

	TaskPublishes []RecordedTaskPublish
	AgentSignals  []RecordedAgentSignal
	Deltas        []RecordedDelta
	DeadLetters   []RecordedDeadLetter

	// FailTaskPublish makes PublishTask return this error, for
	// exercising the dead-letter path.
	FailTaskPublish error
}

// RecordedTaskPublish is one captured PublishTask call.
type RecordedTaskPublish struct {
	Queue   string
	Payload []byte
	TTL     time.Duration
}

// RecordedAgentSignal is one captured PublishToAgent call.
type RecordedAgentSignal struct {
	AgentID string
	Payload any
}

// RecordedDelta is one captured PublishDelta call.
type RecordedDelta struct {
	TeamID  string
	Entity  string
	Op      DeltaOp
	Payload any
}

// RecordedDeadLetter is one captured PublishDeadLetter call.
type RecordedDeadLetter struct {
	Subject string
	Payload []byte
	Reason  string
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) PublishTask(_ context.Context, queue string, payload []byte, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailTaskPublish != nil {
		return r.FailTaskPublish
	}
	r.TaskPublishes = append(r.TaskPublishes, RecordedTaskPublish{Queue: queue, Payload: payload, TTL: ttl})
	return nil
}

func (r *Recorder) PublishToAgent(_ context.Context, agentID string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.AgentSignals = append(r.AgentSignals, RecordedAgentSignal{AgentID: agentID, Payload: payload})
	return nil
}

func (r *Recorder) PublishDelta(_ context.Context, teamID, entity string, op DeltaOp, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Deltas = append(r.Deltas, RecordedDelta{TeamID: teamID, Entity: entity, Op: op, Payload: payload})
	return nil
}

func (r *Recorder) PublishDeadLetter(_ context.Context, subject string, payload []byte, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.DeadLetters = append(r.DeadLetters, RecordedDeadLetter{Subject: subject, Payload: payload, Reason: reason})
	return nil
}

// TaskPublishCount returns the number of recorded task publishes.
func (r *Recorder) TaskPublishCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.TaskPublishes)
}

// Queues returns the queues of all recorded task publishes, in order.
func (r *Recorder) Queues() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.TaskPublishes))
	for i, p := range r.TaskPublishes {
		out[i] = p.Queue
	}
	return out
}
