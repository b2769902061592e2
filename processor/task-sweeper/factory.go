package tasksweeper

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the task sweeper component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "task-sweeper",
		Factory:     NewComponent,
		Schema:      taskSweeperSchema,
		Type:        "processor",
		Protocol:    "taskgrid",
		Domain:      "taskgrid",
		Description: "Retries parked tasks and expires unclaimed dispatches",
		Version:     "0.1.0",
	})
}
