package outcomeconsumer

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the outcome consumer component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "outcome-consumer",
		Factory:     NewComponent,
		Schema:      outcomeConsumerSchema,
		Type:        "processor",
		Protocol:    "taskgrid",
		Domain:      "taskgrid",
		Description: "Applies task outcome reports from agents to job state",
		Version:     "0.1.0",
	})
}
