// Package store persists rotation policies and pending schedule entries in a
// relational database.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/root-sector/retail-pos-module-keymanager/types"
)

type policyModel struct {
	KeyID            string    `gorm:"primaryKey;column:key_id"`
	IntervalDays     int       `gorm:"column:interval_days"`
	GracePeriodDays  int       `gorm:"column:grace_period_days"`
	AutoRotate       bool      `gorm:"column:auto_rotate"`
	NotifyBeforeDays string    `gorm:"column:notify_before_days"`
	LastRotation     time.Time `gorm:"column:last_rotation"`
	NextRotation     time.Time `gorm:"column:next_rotation"`
}

func (policyModel) TableName() string { return "rotation_policies" }

// entryModel's primary key on key_id is what enforces at most one pending
// entry per key family.
type entryModel struct {
	KeyID       string    `gorm:"primaryKey;column:key_id"`
	ScheduledAt time.Time `gorm:"column:scheduled_at"`
	Priority    string    `gorm:"column:priority"`
	Reason      string    `gorm:"column:reason"`
	Auto        bool      `gorm:"column:auto"`
}

func (entryModel) TableName() string { return "rotation_entries" }

// GormStore implements interfaces.RotationStore over any gorm dialect.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the rotation tables and returns the store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&policyModel{}, &entryModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate rotation tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

// UpsertPolicy inserts or replaces a rotation policy.
func (s *GormStore) UpsertPolicy(ctx context.Context, p *types.KeyRotationPolicy) error {
	m := policyModel{
		KeyID:            p.KeyId,
		IntervalDays:     p.IntervalDays,
		GracePeriodDays:  p.GracePeriodDays,
		AutoRotate:       p.AutoRotate,
		NotifyBeforeDays: encodeDays(p.NotifyBeforeDays),
		LastRotation:     p.LastRotation.UTC(),
		NextRotation:     p.NextRotation.UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to upsert rotation policy: %w", err)
	}
	return nil
}

// GetPolicy returns a policy by key id, or (nil, nil) when none exists.
func (s *GormStore) GetPolicy(ctx context.Context, keyId string) (*types.KeyRotationPolicy, error) {
	var m policyModel
	err := s.db.WithContext(ctx).First(&m, "key_id = ?", keyId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rotation policy: %w", err)
	}
	return policyFromModel(&m), nil
}

// DeletePolicy removes a policy; deleting a missing policy is a no-op.
func (s *GormStore) DeletePolicy(ctx context.Context, keyId string) error {
	err := s.db.WithContext(ctx).Delete(&policyModel{}, "key_id = ?", keyId).Error
	if err != nil {
		return fmt.Errorf("failed to delete rotation policy: %w", err)
	}
	return nil
}

// ListPolicies returns every stored policy.
func (s *GormStore) ListPolicies(ctx context.Context) ([]*types.KeyRotationPolicy, error) {
	var models []policyModel
	if err := s.db.WithContext(ctx).Order("key_id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list rotation policies: %w", err)
	}
	out := make([]*types.KeyRotationPolicy, 0, len(models))
	for i := range models {
		out = append(out, policyFromModel(&models[i]))
	}
	return out, nil
}

// UpsertEntry inserts or replaces the pending schedule entry for a key.
func (s *GormStore) UpsertEntry(ctx context.Context, e *types.RotationScheduleEntry) error {
	m := entryModel{
		KeyID:       e.KeyId,
		ScheduledAt: e.ScheduledAt.UTC(),
		Priority:    string(e.Priority),
		Reason:      e.Reason,
		Auto:        e.Auto,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to upsert schedule entry: %w", err)
	}
	return nil
}

// GetEntry returns the pending entry for a key, or (nil, nil) when none exists.
func (s *GormStore) GetEntry(ctx context.Context, keyId string) (*types.RotationScheduleEntry, error) {
	var m entryModel
	err := s.db.WithContext(ctx).First(&m, "key_id = ?", keyId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule entry: %w", err)
	}
	return entryFromModel(&m), nil
}

// DeleteEntry removes a pending entry; deleting a missing entry is a no-op.
func (s *GormStore) DeleteEntry(ctx context.Context, keyId string) error {
	err := s.db.WithContext(ctx).Delete(&entryModel{}, "key_id = ?", keyId).Error
	if err != nil {
		return fmt.Errorf("failed to delete schedule entry: %w", err)
	}
	return nil
}

// ListEntries returns every pending schedule entry.
func (s *GormStore) ListEntries(ctx context.Context) ([]*types.RotationScheduleEntry, error) {
	var models []entryModel
	if err := s.db.WithContext(ctx).Order("scheduled_at").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list schedule entries: %w", err)
	}
	out := make([]*types.RotationScheduleEntry, 0, len(models))
	for i := range models {
		out = append(out, entryFromModel(&models[i]))
	}
	return out, nil
}

func policyFromModel(m *policyModel) *types.KeyRotationPolicy {
	return &types.KeyRotationPolicy{
		KeyId:            m.KeyID,
		IntervalDays:     m.IntervalDays,
		GracePeriodDays:  m.GracePeriodDays,
		AutoRotate:       m.AutoRotate,
		NotifyBeforeDays: decodeDays(m.NotifyBeforeDays),
		LastRotation:     m.LastRotation,
		NextRotation:     m.NextRotation,
	}
}

func entryFromModel(m *entryModel) *types.RotationScheduleEntry {
	return &types.RotationScheduleEntry{
		KeyId:       m.KeyID,
		ScheduledAt: m.ScheduledAt,
		Priority:    types.RotationPriority(m.Priority),
		Reason:      m.Reason,
		Auto:        m.Auto,
	}
}

func encodeDays(days []int) string {
	if len(days) == 0 {
		return ""
	}
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func decodeDays(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	days := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		days = append(days, d)
	}
	return days
}
