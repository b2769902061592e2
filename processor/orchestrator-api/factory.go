package orchestratorapi

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the orchestrator API component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "orchestrator-api",
		Factory:     NewComponent,
		Schema:      orchestratorAPISchema,
		Type:        "processor",
		Protocol:    "taskgrid",
		Domain:      "taskgrid",
		Description: "HTTP management API for jobs, templates, agents, and teams",
		Version:     "0.1.0",
	})
}
