package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/taskgrid/storage"
	"github.com/c360studio/taskgrid/types"
)

// DefaultLeaseTTL bounds how long one admission pass may hold a
// template's launch lease before another instance may take it over.
const DefaultLeaseTTL = 30 * time.Second

// acquireLease claims the per-template admission lease. It returns
// false when another live holder has it; an expired lease is taken
// over.
func (s *Scheduler) acquireLease(ctx context.Context, jobDefID string) (bool, error) {
	now := s.now()
	lease := &types.LaunchLease{
		JobDefID:   jobDefID,
		Holder:     s.holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(s.leaseTTL),
	}

	err := s.store.Leases.Insert(ctx, jobDefID, lease)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, storage.ErrExists) {
		return false, fmt.Errorf("acquire launch lease for %s: %w", jobDefID, err)
	}

	// A lease exists. Take it over only if it expired or is already ours.
	_, err = s.store.Leases.Update(ctx, jobDefID,
		func(l *types.LaunchLease) bool {
			return l.Holder == s.holder || !now.Before(l.ExpiresAt)
		},
		func(l *types.LaunchLease) {
			l.Holder = s.holder
			l.AcquiredAt = now
			l.ExpiresAt = now.Add(s.leaseTTL)
		})
	if err != nil {
		if storage.IsNoEffect(err) {
			return false, nil
		}
		return false, fmt.Errorf("take over launch lease for %s: %w", jobDefID, err)
	}
	return true, nil
}

// releaseLease expires the lease if we still hold it. The record stays
// behind for the next takeover rather than being deleted, which avoids
// a delete racing a fresh acquisition by another instance.
func (s *Scheduler) releaseLease(ctx context.Context, jobDefID string) {
	_, err := s.store.Leases.Update(ctx, jobDefID,
		func(l *types.LaunchLease) bool { return l.Holder == s.holder },
		func(l *types.LaunchLease) { l.ExpiresAt = s.now() })
	if err != nil && !storage.IsNoEffect(err) {
		s.logger.Warn("Failed to release launch lease", "jobdef", jobDefID, "error", err)
	}
}
