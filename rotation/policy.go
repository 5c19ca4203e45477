// Package rotation schedules and executes key rotations: policies declare
// cadence, schedule entries queue work, and the scheduler drains the queue.
package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector/retail-pos-module-keymanager/interfaces"
	"github.com/root-sector/retail-pos-module-keymanager/types"
)

// DefaultGracePeriodDays applies when a key rotates without a policy.
const DefaultGracePeriodDays = 7

// Registry manages rotation policies and their pending schedule entries.
type Registry struct {
	store  interfaces.RotationStore
	logger zerolog.Logger
	clock  func() time.Time
}

// RegistryOption configures the policy registry.
type RegistryOption func(*Registry)

// WithRegistryClock overrides the time source, for tests.
func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

// NewRegistry creates a policy registry over the given store.
func NewRegistry(store interfaces.RotationStore, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:  store,
		logger: log.With().Str("component", "rotation").Logger(),
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetPolicy validates and persists a policy. NextRotation is always derived
// as LastRotation plus the interval; a zero LastRotation anchors to now.
// Auto-rotating policies get a schedule entry for their next due date.
func (r *Registry) SetPolicy(ctx context.Context, p *types.KeyRotationPolicy) error {
	if p.KeyId == "" {
		return fmt.Errorf("policy key id is required")
	}
	if p.IntervalDays <= 0 {
		return fmt.Errorf("policy interval must be positive, got %d days", p.IntervalDays)
	}
	if p.GracePeriodDays < 0 {
		return fmt.Errorf("policy grace period cannot be negative, got %d days", p.GracePeriodDays)
	}
	for _, d := range p.NotifyBeforeDays {
		if d <= 0 {
			return fmt.Errorf("notification lead time must be positive, got %d days", d)
		}
	}

	if p.LastRotation.IsZero() {
		p.LastRotation = r.clock()
	}
	p.NextRotation = p.LastRotation.AddDate(0, 0, p.IntervalDays)

	if err := r.store.UpsertPolicy(ctx, p); err != nil {
		return err
	}

	if p.AutoRotate {
		entry := &types.RotationScheduleEntry{
			KeyId:       p.KeyId,
			ScheduledAt: p.NextRotation,
			Priority:    types.PriorityMedium,
			Reason:      "rotation policy interval",
			Auto:        true,
		}
		if err := r.store.UpsertEntry(ctx, entry); err != nil {
			return err
		}
	} else {
		// Turning auto-rotation off withdraws the policy's own entry, but
		// leaves manually scheduled rotations in the queue.
		existing, err := r.store.GetEntry(ctx, p.KeyId)
		if err != nil {
			return err
		}
		if existing != nil && existing.Auto {
			if err := r.store.DeleteEntry(ctx, p.KeyId); err != nil {
				return err
			}
		}
	}

	r.logger.Info().
		Str("keyId", p.KeyId).
		Int("intervalDays", p.IntervalDays).
		Bool("autoRotate", p.AutoRotate).
		Time("nextRotation", p.NextRotation).
		Msg("Stored rotation policy")
	return nil
}

// GetPolicy returns the policy for a key, or (nil, nil) when none exists.
func (r *Registry) GetPolicy(ctx context.Context, keyId string) (*types.KeyRotationPolicy, error) {
	return r.store.GetPolicy(ctx, keyId)
}

// DeletePolicy removes a policy and any auto-scheduled entry it created.
func (r *Registry) DeletePolicy(ctx context.Context, keyId string) error {
	entry, err := r.store.GetEntry(ctx, keyId)
	if err != nil {
		return err
	}
	if entry != nil && entry.Auto {
		if err := r.store.DeleteEntry(ctx, keyId); err != nil {
			return err
		}
	}
	return r.store.DeletePolicy(ctx, keyId)
}

// ListPolicies returns every stored policy.
func (r *Registry) ListPolicies(ctx context.Context) ([]*types.KeyRotationPolicy, error) {
	return r.store.ListPolicies(ctx)
}

// ScheduleRotation queues a manual rotation, replacing any pending entry for
// the key.
func (r *Registry) ScheduleRotation(ctx context.Context, keyId string, at time.Time, priority types.RotationPriority, reason string) error {
	if keyId == "" {
		return fmt.Errorf("key id is required")
	}
	if priority.Rank() == 0 {
		return fmt.Errorf("invalid rotation priority %q", priority)
	}
	entry := &types.RotationScheduleEntry{
		KeyId:       keyId,
		ScheduledAt: at.UTC(),
		Priority:    priority,
		Reason:      reason,
		Auto:        false,
	}
	if err := r.store.UpsertEntry(ctx, entry); err != nil {
		return err
	}
	r.logger.Info().
		Str("keyId", keyId).
		Time("scheduledAt", entry.ScheduledAt).
		Str("priority", string(priority)).
		Msg("Scheduled rotation")
	return nil
}

// CancelScheduledRotation withdraws a pending rotation. A rotation that is
// already executing cannot be cancelled.
func (r *Registry) CancelScheduledRotation(ctx context.Context, keyId string) error {
	entry, err := r.store.GetEntry(ctx, keyId)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("no pending rotation for key %s", keyId)
	}
	return r.store.DeleteEntry(ctx, keyId)
}
