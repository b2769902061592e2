package crontrigger

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the cron trigger component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "cron-trigger",
		Factory:     NewComponent,
		Schema:      cronTriggerSchema,
		Type:        "processor",
		Protocol:    "taskgrid",
		Domain:      "taskgrid",
		Description: "Fires job templates on their cron schedules",
		Version:     "0.1.0",
	})
}
