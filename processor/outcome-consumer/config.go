package outcomeconsumer

import (
	"fmt"
	"reflect"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/taskgrid/broker"
)

// outcomeConsumerSchema defines the configuration schema.
var outcomeConsumerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the outcome consumer component.
type Config struct {
	// StreamName is the JetStream stream carrying outcome updates.
	StreamName string `json:"stream_name" schema:"type:string,description:JetStream stream carrying outcome updates,category:basic,default:TASKGRID"`

	// ConsumerName is the durable consumer name.
	ConsumerName string `json:"consumer_name" schema:"type:string,description:Durable consumer name,category:basic,default:outcome-consumer"`

	// OutcomeSubject is the subject agents publish outcome updates to.
	OutcomeSubject string `json:"outcome_subject" schema:"type:string,description:Subject carrying task outcome updates,category:basic,default:taskgrid.outcome.update"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:     broker.StreamName,
		ConsumerName:   "outcome-consumer",
		OutcomeSubject: broker.OutcomeUpdateSubject,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "outcome-updates",
					Type:        "jetstream",
					Subject:     broker.OutcomeUpdateSubject,
					StreamName:  broker.StreamName,
					Description: "Receive task outcome updates from agents",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "entity-deltas",
					Type:        "nats",
					Subject:     broker.DeltaPrefix + ">",
					Description: "Publish entity delta events for observers",
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
	if c.OutcomeSubject == "" {
		return fmt.Errorf("outcome_subject is required")
	}
	return nil
}
