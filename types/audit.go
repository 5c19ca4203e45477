package types

import "time"

// AuditAction identifies the operation an audit event records.
type AuditAction string

const (
	ActionKeyGenerated    AuditAction = "KEY_GENERATED"
	ActionKeyExpired      AuditAction = "KEY_EXPIRED"
	ActionKeyRevoked      AuditAction = "KEY_REVOKED"
	ActionKeyRotated      AuditAction = "KEY_ROTATED"
	ActionRotationFailed  AuditAction = "ROTATION_FAILED"
	ActionRotationDueSoon AuditAction = "ROTATION_DUE_SOON"
	ActionFieldEncrypted  AuditAction = "PII_FIELD_ENCRYPTED"
	ActionFieldDecrypted  AuditAction = "PII_FIELD_DECRYPTED"
	ActionFileEncrypted   AuditAction = "FILE_ENCRYPTED"
	ActionFileDecrypted   AuditAction = "FILE_DECRYPTED"
	ActionBackupCreated   AuditAction = "BACKUP_CREATED"
	ActionBackupRestored  AuditAction = "BACKUP_RESTORED"
)

// AuditPayload is the closed set of event payload shapes. Each action carries
// exactly one variant, so every event's required content is checked at compile
// time rather than smuggled through an untyped map.
type AuditPayload interface {
	auditPayload()
}

// KeyLifecyclePayload accompanies key generation, expiry, and revocation.
type KeyLifecyclePayload struct {
	KeyId     string     `json:"keyId"`
	Algorithm string     `json:"algorithm"`
	Version   int        `json:"version"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// FieldAccessPayload accompanies PII field encrypt/decrypt events. Success is
// recorded explicitly because decryption attempts are logged even on failure.
type FieldAccessPayload struct {
	TableName string `json:"tableName"`
	FieldName string `json:"fieldName"`
	RecordId  string `json:"recordId"`
	KeyId     string `json:"keyId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// FilePayload accompanies file encryption/decryption events.
type FilePayload struct {
	Path         string `json:"path"`
	KeyId        string `json:"keyId"`
	Compressed   bool   `json:"compressed"`
	OriginalSize int64  `json:"originalSize"`
}

// BackupPayload accompanies backup creation and restoration events.
type BackupPayload struct {
	Path             string `json:"path"`
	KeyId            string `json:"keyId"`
	ChecksumMismatch bool   `json:"checksumMismatch"`
}

// RotationPayload accompanies rotation outcome events.
type RotationPayload struct {
	KeyId       string `json:"keyId"`
	NewKeyId    string `json:"newKeyId,omitempty"`
	NewVersion  int    `json:"newVersion,omitempty"`
	ReEncrypted int    `json:"reEncrypted"`
	Failed      int    `json:"failed"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
}

// NotificationPayload accompanies rotation-due notifications.
type NotificationPayload struct {
	KeyId        string    `json:"keyId"`
	DaysUntilDue int       `json:"daysUntilDue"`
	ScheduledAt  time.Time `json:"scheduledAt"`
}

func (KeyLifecyclePayload) auditPayload() {}
func (FieldAccessPayload) auditPayload()  {}
func (FilePayload) auditPayload()         {}
func (BackupPayload) auditPayload()       {}
func (RotationPayload) auditPayload()     {}
func (NotificationPayload) auditPayload() {}

// AuditEvent is the unit emitted to the external audit sink. Persistence of
// events is the sink's concern, not the key manager's.
type AuditEvent struct {
	ID           string       `json:"id"`
	Timestamp    time.Time    `json:"timestamp"`
	Action       AuditAction  `json:"action"`
	ResourceType string       `json:"resourceType"`
	ResourceId   string       `json:"resourceId"`
	Actor        string       `json:"actor,omitempty"`
	Payload      AuditPayload `json:"payload"`
}
