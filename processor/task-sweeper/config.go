package tasksweeper

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/taskgrid/broker"
)

// taskSweeperSchema defines the configuration schema.
var taskSweeperSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the task sweeper component.
type Config struct {
	// SweepInterval is how often the sweeper runs.
	SweepInterval string `json:"sweep_interval" schema:"type:string,description:Interval between sweeps,category:basic,default:30s"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		SweepInterval: "30s",
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{},
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
	if c.SweepInterval == "" {
		return fmt.Errorf("sweep_interval is required")
	}
	if _, err := time.ParseDuration(c.SweepInterval); err != nil {
		return fmt.Errorf("invalid sweep_interval: %w", err)
	}
	return nil
}

// GetSweepInterval parses the sweep interval duration.
func (c *Config) GetSweepInterval() time.Duration {
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
