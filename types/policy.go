package types

import "time"

// RotationPriority orders schedule entries within a scheduler pass.
type RotationPriority string

const (
	PriorityHigh   RotationPriority = "HIGH"
	PriorityMedium RotationPriority = "MEDIUM"
	PriorityLow    RotationPriority = "LOW"
)

// Rank maps a priority to its sort weight; higher runs first.
func (p RotationPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// KeyRotationPolicy drives scheduled rotation for one key family.
// NextRotation is always LastRotation plus the interval; a policy with
// AutoRotate set must have a corresponding schedule entry.
type KeyRotationPolicy struct {
	KeyId            string    `json:"keyId"`
	IntervalDays     int       `json:"intervalDays"`
	GracePeriodDays  int       `json:"gracePeriodDays"`
	AutoRotate       bool      `json:"autoRotate"`
	NotifyBeforeDays []int     `json:"notifyBeforeDays,omitempty"`
	LastRotation     time.Time `json:"lastRotation"`
	NextRotation     time.Time `json:"nextRotation"`
}

// RotationScheduleEntry is one pending rotation. At most one entry exists per
// key identifier; entries are processed in (priority desc, scheduledAt asc)
// order.
type RotationScheduleEntry struct {
	KeyId       string           `json:"keyId"`
	ScheduledAt time.Time        `json:"scheduledAt"`
	Priority    RotationPriority `json:"priority"`
	Reason      string           `json:"reason"`
	Auto        bool             `json:"auto"`
}

// RotationResult reports the outcome of one completed rotation. Per-record
// re-encryption failures are counted, not fatal; visibility over atomicity.
type RotationResult struct {
	KeyId       string    `json:"keyId"`
	NewKeyId    string    `json:"newKeyId"`
	NewVersion  int       `json:"newVersion"`
	ReEncrypted int       `json:"reEncrypted"`
	Failed      int       `json:"failed"`
	RotatedAt   time.Time `json:"rotatedAt"`
}

// RotationStatus answers a status query for one key family.
type RotationStatus struct {
	PolicyExists    bool       `json:"policyExists"`
	Scheduled       bool       `json:"scheduled"`
	ScheduledAt     *time.Time `json:"scheduledAt,omitempty"`
	DaysRemaining   int        `json:"daysRemaining"`
	RotationRunning bool       `json:"rotationRunning"`
}
