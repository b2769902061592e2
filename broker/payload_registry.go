package broker

import (
	"errors"
	"fmt"

	"github.com/c360studio/semstreams/payloadregistry"
)

// RegisterPayloads registers all taskgrid payload types with the
// supplied registry. Follows the semstreams payloadregistry idiom:
// errors are aggregated via errors.Join so a misconfigured deployment
// sees every collision on a single boot.
func RegisterPayloads(reg *payloadregistry.Registry) error {
	registrations := []*payloadregistry.Registration{
		{
			Domain:      "taskgrid",
			Category:    "dispatch",
			Version:     "v1",
			Description: "Task dispatch payload published to agent queues",
			Factory:     func() any { return &TaskDispatchPayload{} },
		},
		{
			Domain:      "taskgrid",
			Category:    "outcome",
			Version:     "v1",
			Description: "Task outcome update reported by an agent",
			Factory:     func() any { return &OutcomeUpdatePayload{} },
		},
		{
			Domain:      "taskgrid",
			Category:    "heartbeat",
			Version:     "v1",
			Description: "Agent heartbeat with liveness and capacity",
			Factory:     func() any { return &HeartbeatPayload{} },
		},
	}

	var errs []error
	for _, r := range registrations {
		if err := reg.Register(r); err != nil {
			errs = append(errs, fmt.Errorf("register %s.%s.%s: %w", r.Domain, r.Category, r.Version, err))
		}
	}
	return errors.Join(errs...)
}
