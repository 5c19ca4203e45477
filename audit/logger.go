package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector/retail-pos-module-keymanager/types"
)

// Resource types attached to events.
const (
	ResourceKey    = "encryption_key"
	ResourceField  = "pii_field"
	ResourceFile   = "file"
	ResourceBackup = "backup"
	ResourcePolicy = "rotation_policy"
)

// NewEvent builds an audit event with identity and timestamp filled in.
func NewEvent(ctx context.Context, action types.AuditAction, resourceType, resourceId string, payload types.AuditPayload) *types.AuditEvent {
	return &types.AuditEvent{
		ID:           uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		Action:       action,
		ResourceType: resourceType,
		ResourceId:   resourceId,
		Actor:        ActorFromContext(ctx),
		Payload:      payload,
	}
}

// ZerologSink emits audit events as structured log lines. It is the default
// sink; deployments wanting durable compliance storage supply their own
// interfaces.AuditSink.
type ZerologSink struct {
	logger zerolog.Logger
}

// NewZerologSink creates a sink writing through the global zerolog logger.
func NewZerologSink() *ZerologSink {
	return &ZerologSink{logger: log.With().Str("component", "audit").Logger()}
}

// Emit logs the event with its payload fields flattened into the log line.
func (s *ZerologSink) Emit(ctx context.Context, event *types.AuditEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	logEvent := s.logger.Info().
		Str("auditId", event.ID).
		Time("timestamp", event.Timestamp).
		Str("action", string(event.Action)).
		Str("resourceType", event.ResourceType).
		Str("resourceId", event.ResourceId)

	if event.Actor != "" {
		logEvent = logEvent.Str("actor", event.Actor)
	}

	switch p := event.Payload.(type) {
	case types.KeyLifecyclePayload:
		logEvent = logEvent.
			Str("keyId", p.KeyId).
			Str("algorithm", p.Algorithm).
			Int("version", p.Version)
		if p.ExpiresAt != nil {
			logEvent = logEvent.Time("expiresAt", *p.ExpiresAt)
		}
	case types.FieldAccessPayload:
		logEvent = logEvent.
			Str("tableName", p.TableName).
			Str("fieldName", p.FieldName).
			Str("recordId", p.RecordId).
			Str("keyId", p.KeyId).
			Bool("success", p.Success)
		if p.Error != "" {
			logEvent = logEvent.Str("error", p.Error)
		}
	case types.FilePayload:
		logEvent = logEvent.
			Str("path", p.Path).
			Str("keyId", p.KeyId).
			Bool("compressed", p.Compressed).
			Int64("originalSize", p.OriginalSize)
	case types.BackupPayload:
		logEvent = logEvent.
			Str("path", p.Path).
			Str("keyId", p.KeyId).
			Bool("checksumMismatch", p.ChecksumMismatch)
	case types.RotationPayload:
		logEvent = logEvent.
			Str("keyId", p.KeyId).
			Int("reEncrypted", p.ReEncrypted).
			Int("failed", p.Failed)
		if p.NewKeyId != "" {
			logEvent = logEvent.Str("newKeyId", p.NewKeyId).Int("newVersion", p.NewVersion)
		}
		if p.Reason != "" {
			logEvent = logEvent.Str("reason", p.Reason)
		}
		if p.Error != "" {
			logEvent = logEvent.Str("error", p.Error)
		}
	case types.NotificationPayload:
		logEvent = logEvent.
			Str("keyId", p.KeyId).
			Int("daysUntilDue", p.DaysUntilDue).
			Time("scheduledAt", p.ScheduledAt)
	case nil:
	default:
		logEvent = logEvent.Interface("payload", p)
	}

	logEvent.Msg("Audit event")
	return nil
}
