package rotation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector/retail-pos-module-keymanager/audit"
	"github.com/root-sector/retail-pos-module-keymanager/interfaces"
	"github.com/root-sector/retail-pos-module-keymanager/types"
)

// DefaultSchedulerSpec is the cron cadence for scheduler passes.
const DefaultSchedulerSpec = "@hourly"

// Scheduler drains the rotation queue. A pass processes due entries in
// priority order; passes never overlap, and each key family rotates under its
// own lock so a manual rotation cannot race a scheduled one.
type Scheduler struct {
	registry *Registry
	store    interfaces.RotationStore
	keys     interfaces.KeyStore
	fields   interfaces.FieldService
	sink     interfaces.AuditSink
	logger   zerolog.Logger
	clock    func() time.Time

	cron   *cron.Cron
	tickMu sync.Mutex

	mu       sync.Mutex
	rotating map[string]bool

	notifyMu     sync.Mutex
	lastNotified map[string]int
}

// SchedulerOption configures the scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock overrides the time source, for tests.
func WithSchedulerClock(clock func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.clock = clock }
}

// NewScheduler creates a rotation scheduler.
func NewScheduler(registry *Registry, keys interfaces.KeyStore, fields interfaces.FieldService, sink interfaces.AuditSink, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		registry:     registry,
		store:        registry.store,
		keys:         keys,
		fields:       fields,
		sink:         sink,
		logger:       log.With().Str("component", "rotation-scheduler").Logger(),
		clock:        func() time.Time { return time.Now().UTC() },
		rotating:     make(map[string]bool),
		lastNotified: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins periodic passes on the given cron spec; empty means hourly.
func (s *Scheduler) Start(spec string) error {
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}
	if spec == "" {
		spec = DefaultSchedulerSpec
	}

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := s.Tick(context.Background()); err != nil {
			var inProgress *types.RotationInProgressError
			if errors.As(err, &inProgress) {
				s.logger.Debug().Msg("Skipping scheduler pass, previous pass still running")
				return
			}
			s.logger.Error().Err(err).Msg("Scheduler pass failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid scheduler spec %q: %w", spec, err)
	}
	c.Start()
	s.cron = c

	s.logger.Info().Str("spec", spec).Msg("Rotation scheduler started")
	return nil
}

// Stop halts periodic passes and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.logger.Info().Msg("Rotation scheduler stopped")
}

// Tick runs one scheduler pass: emit due-soon notifications, then rotate
// every entry whose time has come. Returns *types.RotationInProgressError if
// a pass is already running.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.tickMu.TryLock() {
		return &types.RotationInProgressError{}
	}
	defer s.tickMu.Unlock()

	now := s.clock()
	entries, err := s.store.ListEntries(ctx)
	if err != nil {
		return err
	}

	s.notifyDueSoon(ctx, entries, now)

	due := make([]*types.RotationScheduleEntry, 0, len(entries))
	for _, e := range entries {
		if !e.ScheduledAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority.Rank() != due[j].Priority.Rank() {
			return due[i].Priority.Rank() > due[j].Priority.Rank()
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})

	for _, e := range due {
		if _, err := s.rotate(ctx, e.KeyId, e.Reason, e.Auto); err != nil {
			var inProgress *types.RotationInProgressError
			if errors.As(err, &inProgress) {
				s.logger.Debug().Str("keyId", e.KeyId).Msg("Key already rotating, leaving entry queued")
				continue
			}
			s.logger.Error().Str("keyId", e.KeyId).Err(err).Msg("Scheduled rotation failed")
		}
	}
	return nil
}

// RotateKey performs an immediate manual rotation of a key family.
func (s *Scheduler) RotateKey(ctx context.Context, keyId, reason string) (*types.RotationResult, error) {
	if reason == "" {
		reason = "manual rotation"
	}
	return s.rotate(ctx, keyId, reason, false)
}

// Status reports the rotation state of one key family.
func (s *Scheduler) Status(ctx context.Context, keyId string) (*types.RotationStatus, error) {
	base := types.BaseKeyId(keyId)

	policy, err := s.store.GetPolicy(ctx, base)
	if err != nil {
		return nil, err
	}
	entry, err := s.store.GetEntry(ctx, base)
	if err != nil {
		return nil, err
	}

	status := &types.RotationStatus{
		PolicyExists:    policy != nil,
		Scheduled:       entry != nil,
		RotationRunning: s.isRotating(base),
	}

	now := s.clock()
	switch {
	case entry != nil:
		at := entry.ScheduledAt
		status.ScheduledAt = &at
		status.DaysRemaining = daysUntil(now, at)
	case policy != nil:
		status.DaysRemaining = daysUntil(now, policy.NextRotation)
	}
	return status, nil
}

// rotate generates the next key version, re-encrypts dependent data, and
// places the superseded key into its decrypt-only grace period. The schedule
// entry is consumed on success and the policy rescheduled when auto-rotating.
func (s *Scheduler) rotate(ctx context.Context, keyId, reason string, auto bool) (*types.RotationResult, error) {
	base := types.BaseKeyId(keyId)
	if !s.beginRotation(base) {
		return nil, &types.RotationInProgressError{KeyId: base}
	}
	defer s.endRotation(base)

	result, err := s.doRotate(ctx, base, reason)
	if err != nil {
		s.emit(ctx, audit.NewEvent(ctx, types.ActionRotationFailed, audit.ResourceKey, base, types.RotationPayload{
			KeyId:  base,
			Reason: reason,
			Error:  err.Error(),
		}))
		return nil, err
	}

	if err := s.finishRotation(ctx, base, auto, result.RotatedAt); err != nil {
		s.logger.Error().Str("keyId", base).Err(err).Msg("Rotation bookkeeping failed")
	}

	s.emit(ctx, audit.NewEvent(ctx, types.ActionKeyRotated, audit.ResourceKey, base, types.RotationPayload{
		KeyId:       base,
		NewKeyId:    result.NewKeyId,
		NewVersion:  result.NewVersion,
		ReEncrypted: result.ReEncrypted,
		Failed:      result.Failed,
		Reason:      reason,
	}))

	return result, nil
}

func (s *Scheduler) doRotate(ctx context.Context, base, reason string) (*types.RotationResult, error) {
	now := s.clock()

	old, err := s.keys.ResolveActive(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("no active key to rotate for %s: %w", base, err)
	}

	policy, err := s.store.GetPolicy(ctx, base)
	if err != nil {
		return nil, err
	}
	grace := DefaultGracePeriodDays
	expirationDays := 0
	if policy != nil {
		grace = policy.GracePeriodDays
		expirationDays = policy.IntervalDays + policy.GracePeriodDays
	}

	newId := types.VersionedKeyId(base, old.Version+1)
	newKey, err := s.keys.GenerateKey(ctx, newId, old.Algorithm, expirationDays)
	if err != nil {
		return nil, fmt.Errorf("failed to generate replacement key: %w", err)
	}

	reencrypted, failed, err := s.fields.ReencryptForKey(ctx, base, newKey)
	if err != nil {
		return nil, fmt.Errorf("re-encryption aborted: %w", err)
	}

	// The old key stays active until the grace deadline so ciphertexts the
	// re-encryption pass could not reach remain readable. New encryptions
	// already route to the replacement via active-key resolution.
	if err := s.keys.ExpireKey(ctx, old.Id, now.AddDate(0, 0, grace)); err != nil {
		return nil, fmt.Errorf("failed to schedule old key expiry: %w", err)
	}

	s.logger.Info().
		Str("keyId", base).
		Str("oldKeyId", old.Id).
		Str("newKeyId", newKey.Id).
		Int("newVersion", newKey.Version).
		Int("reencrypted", reencrypted).
		Int("failed", failed).
		Str("reason", reason).
		Msg("Rotated key")

	return &types.RotationResult{
		KeyId:       base,
		NewKeyId:    newKey.Id,
		NewVersion:  newKey.Version,
		ReEncrypted: reencrypted,
		Failed:      failed,
		RotatedAt:   now,
	}, nil
}

// finishRotation consumes the schedule entry and advances the policy clock,
// queueing the next auto rotation when the policy asks for one.
func (s *Scheduler) finishRotation(ctx context.Context, base string, auto bool, rotatedAt time.Time) error {
	if err := s.store.DeleteEntry(ctx, base); err != nil {
		return err
	}
	s.clearNotified(base)

	policy, err := s.store.GetPolicy(ctx, base)
	if err != nil || policy == nil {
		return err
	}

	policy.LastRotation = rotatedAt
	policy.NextRotation = rotatedAt.AddDate(0, 0, policy.IntervalDays)
	if err := s.store.UpsertPolicy(ctx, policy); err != nil {
		return err
	}

	if policy.AutoRotate {
		return s.store.UpsertEntry(ctx, &types.RotationScheduleEntry{
			KeyId:       base,
			ScheduledAt: policy.NextRotation,
			Priority:    types.PriorityMedium,
			Reason:      "rotation policy interval",
			Auto:        true,
		})
	}
	return nil
}

// notifyDueSoon emits one ROTATION_DUE_SOON event per configured lead time as
// each entry's due date approaches.
func (s *Scheduler) notifyDueSoon(ctx context.Context, entries []*types.RotationScheduleEntry, now time.Time) {
	for _, e := range entries {
		if !e.ScheduledAt.After(now) {
			continue
		}
		policy, err := s.store.GetPolicy(ctx, e.KeyId)
		if err != nil || policy == nil {
			continue
		}

		remaining := daysUntil(now, e.ScheduledAt)
		for _, lead := range policy.NotifyBeforeDays {
			if remaining > lead || !s.markNotified(e.KeyId, lead) {
				continue
			}
			s.logger.Info().
				Str("keyId", e.KeyId).
				Int("daysUntilDue", remaining).
				Time("scheduledAt", e.ScheduledAt).
				Msg("Key rotation due soon")
			s.emit(ctx, audit.NewEvent(ctx, types.ActionRotationDueSoon, audit.ResourcePolicy, e.KeyId, types.NotificationPayload{
				KeyId:        e.KeyId,
				DaysUntilDue: remaining,
				ScheduledAt:  e.ScheduledAt,
			}))
		}
	}
}

func (s *Scheduler) beginRotation(base string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rotating[base] {
		return false
	}
	s.rotating[base] = true
	return true
}

func (s *Scheduler) endRotation(base string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rotating, base)
}

func (s *Scheduler) isRotating(base string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotating[base]
}

// markNotified records a (key, lead time) notification; it returns false when
// that notification was already sent for the current schedule entry.
func (s *Scheduler) markNotified(keyId string, lead int) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	key := fmt.Sprintf("%s:%d", keyId, lead)
	if s.lastNotified[key] != 0 {
		return false
	}
	s.lastNotified[key] = lead
	return true
}

func (s *Scheduler) clearNotified(keyId string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	prefix := keyId + ":"
	for k := range s.lastNotified {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(s.lastNotified, k)
		}
	}
}

func (s *Scheduler) emit(ctx context.Context, event *types.AuditEvent) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Emit(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("action", string(event.Action)).Msg("Failed to emit audit event")
	}
}

func daysUntil(now, t time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d.Hours() / 24)
}
