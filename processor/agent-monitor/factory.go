package agentmonitor

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the agent monitor component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "agent-monitor",
		Factory:     NewComponent,
		Schema:      agentMonitorSchema,
		Type:        "processor",
		Protocol:    "taskgrid",
		Domain:      "taskgrid",
		Description: "Tracks agent liveness and recovers work from lost agents",
		Version:     "0.1.0",
	})
}
