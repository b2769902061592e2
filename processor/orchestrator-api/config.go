package orchestratorapi

import (
	"fmt"
	"reflect"

	"github.com/c360studio/semstreams/component"
)

// orchestratorAPISchema holds the configuration schema generated from Config.
var orchestratorAPISchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the orchestrator-api component.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `json:"addr" schema:"type:string,description:HTTP listen address,category:basic,default::8080"`

	// Prefix is the path prefix for management endpoints.
	Prefix string `json:"prefix" schema:"type:string,description:Path prefix for management endpoints,category:basic,default:/api"`

	// Ports declares optional port configuration.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Port configuration,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:   ":8080",
		Prefix: "/api",
	}
}

// Validate verifies the configuration is consistent.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Prefix == "" {
		return fmt.Errorf("prefix is required")
	}
	return nil
}
