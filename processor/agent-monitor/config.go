package agentmonitor

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/taskgrid/broker"
)

// agentMonitorSchema defines the configuration schema.
var agentMonitorSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the agent monitor component.
type Config struct {
	// StreamName is the JetStream stream carrying heartbeats.
	StreamName string `json:"stream_name" schema:"type:string,description:JetStream stream carrying agent heartbeats,category:basic,default:TASKGRID"`

	// ConsumerName is the durable consumer name.
	ConsumerName string `json:"consumer_name" schema:"type:string,description:Durable consumer name,category:basic,default:agent-monitor"`

	// HeartbeatSubject is the subject agents publish heartbeats to.
	HeartbeatSubject string `json:"heartbeat_subject" schema:"type:string,description:Subject carrying agent heartbeats,category:basic,default:taskgrid.agent.heartbeat"`

	// SweepInterval is how often lapsed agents are swept.
	SweepInterval string `json:"sweep_interval" schema:"type:string,description:Interval between stale agent sweeps,category:basic,default:30s"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:       broker.StreamName,
		ConsumerName:     "agent-monitor",
		HeartbeatSubject: broker.AgentHeartbeatSubject,
		SweepInterval:    "30s",
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "agent-heartbeats",
					Type:        "jetstream",
					Subject:     broker.AgentHeartbeatSubject,
					StreamName:  broker.StreamName,
					Description: "Receive agent liveness heartbeats",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "task-dispatch",
					Type:        "jetstream",
					Subject:     broker.TaskPublishPrefix + ">",
					Description: "Republish parked tasks to agent queues",
					Required:    false,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.HeartbeatSubject == "" {
		return fmt.Errorf("heartbeat_subject is required")
	}
	return nil
}

// GetSweepInterval parses the sweep interval duration.
func (c *Config) GetSweepInterval() time.Duration {
	if c.SweepInterval == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
