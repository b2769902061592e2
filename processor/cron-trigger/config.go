package crontrigger

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/taskgrid/broker"
)

// cronTriggerSchema defines the configuration schema.
var cronTriggerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the cron trigger component.
type Config struct {
	// RefreshInterval is how often template schedules are reloaded.
	RefreshInterval string `json:"refresh_interval" schema:"type:string,description:Interval between template schedule reloads,category:basic,default:1m"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		RefreshInterval: "1m",
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{},
			Outputs: []component.PortDefinition{
				{
					Name:        "task-dispatch",
					Type:        "jetstream",
					Subject:     broker.TaskPublishPrefix + ">",
					Description: "Dispatch tasks of triggered jobs to agent queues",
					Required:    false,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.RefreshInterval == "" {
		return fmt.Errorf("refresh_interval is required")
	}
	if _, err := time.ParseDuration(c.RefreshInterval); err != nil {
		return fmt.Errorf("invalid refresh_interval: %w", err)
	}
	return nil
}

// GetRefreshInterval parses the refresh interval duration.
func (c *Config) GetRefreshInterval() time.Duration {
	d, err := time.ParseDuration(c.RefreshInterval)
	if err != nil {
		return time.Minute
	}
	return d
}
