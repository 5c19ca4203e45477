package rotation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/root-sector/retail-pos-module-keymanager/interfaces"
	"github.com/root-sector/retail-pos-module-keymanager/rotation/store"
	"github.com/root-sector/retail-pos-module-keymanager/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) interfaces.RotationStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "rotation.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	s, err := store.NewGormStore(db)
	require.NoError(t, err)
	return s
}

func TestSetPolicyDerivesNextRotation(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(newTestStore(t), WithRegistryClock(clock.Now))
	ctx := context.Background()

	policy := &types.KeyRotationPolicy{
		KeyId:            "users_email_key",
		IntervalDays:     90,
		GracePeriodDays:  7,
		AutoRotate:       true,
		NotifyBeforeDays: []int{14, 7, 1},
	}
	require.NoError(t, reg.SetPolicy(ctx, policy))
	assert.Equal(t, clock.Now(), policy.LastRotation)
	assert.Equal(t, clock.Now().AddDate(0, 0, 90), policy.NextRotation)

	stored, err := reg.GetPolicy(ctx, "users_email_key")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, []int{14, 7, 1}, stored.NotifyBeforeDays)
	assert.True(t, stored.NextRotation.Equal(policy.NextRotation))
}

func TestSetPolicyValidation(t *testing.T) {
	reg := NewRegistry(newTestStore(t))
	ctx := context.Background()

	assert.Error(t, reg.SetPolicy(ctx, &types.KeyRotationPolicy{KeyId: "", IntervalDays: 90}))
	assert.Error(t, reg.SetPolicy(ctx, &types.KeyRotationPolicy{KeyId: "k", IntervalDays: 0}))
	assert.Error(t, reg.SetPolicy(ctx, &types.KeyRotationPolicy{KeyId: "k", IntervalDays: 90, GracePeriodDays: -1}))
	assert.Error(t, reg.SetPolicy(ctx, &types.KeyRotationPolicy{KeyId: "k", IntervalDays: 90, NotifyBeforeDays: []int{0}}))
}

func TestSetPolicyAutoRotateManagesEntry(t *testing.T) {
	clock := newFakeClock()
	st := newTestStore(t)
	reg := NewRegistry(st, WithRegistryClock(clock.Now))
	ctx := context.Background()

	policy := &types.KeyRotationPolicy{KeyId: "users_email_key", IntervalDays: 90, AutoRotate: true}
	require.NoError(t, reg.SetPolicy(ctx, policy))

	entry, err := st.GetEntry(ctx, "users_email_key")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Auto)
	assert.True(t, entry.ScheduledAt.Equal(policy.NextRotation))

	// Disabling auto-rotation withdraws the policy's entry.
	policy.AutoRotate = false
	require.NoError(t, reg.SetPolicy(ctx, policy))
	entry, err = st.GetEntry(ctx, "users_email_key")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestScheduleRotationKeepsSingleEntry(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry(st)
	ctx := context.Background()

	first := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, reg.ScheduleRotation(ctx, "pan_key", first, types.PriorityLow, "compliance request"))

	second := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, reg.ScheduleRotation(ctx, "pan_key", second, types.PriorityHigh, "suspected exposure"))

	entries, err := st.ListEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.PriorityHigh, entries[0].Priority)
	assert.True(t, entries[0].ScheduledAt.Equal(second))
}

func TestScheduleRotationRejectsInvalidPriority(t *testing.T) {
	reg := NewRegistry(newTestStore(t))
	err := reg.ScheduleRotation(context.Background(), "pan_key", time.Now(), "URGENT", "bad priority")
	assert.Error(t, err)
}

func TestCancelScheduledRotation(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry(st)
	ctx := context.Background()

	assert.Error(t, reg.CancelScheduledRotation(ctx, "pan_key"))

	require.NoError(t, reg.ScheduleRotation(ctx, "pan_key", time.Now().UTC(), types.PriorityMedium, "test"))
	require.NoError(t, reg.CancelScheduledRotation(ctx, "pan_key"))

	entry, err := st.GetEntry(ctx, "pan_key")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestDeletePolicyRemovesAutoEntry(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry(st)
	ctx := context.Background()

	require.NoError(t, reg.SetPolicy(ctx, &types.KeyRotationPolicy{KeyId: "users_email_key", IntervalDays: 90, AutoRotate: true}))
	require.NoError(t, reg.DeletePolicy(ctx, "users_email_key"))

	policy, err := reg.GetPolicy(ctx, "users_email_key")
	require.NoError(t, err)
	assert.Nil(t, policy)
	entry, err := st.GetEntry(ctx, "users_email_key")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestListPolicies(t *testing.T) {
	reg := NewRegistry(newTestStore(t))
	ctx := context.Background()

	require.NoError(t, reg.SetPolicy(ctx, &types.KeyRotationPolicy{KeyId: "users_email_key", IntervalDays: 90}))
	require.NoError(t, reg.SetPolicy(ctx, &types.KeyRotationPolicy{KeyId: "pan_key", IntervalDays: 30}))

	policies, err := reg.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, policies, 2)
}
