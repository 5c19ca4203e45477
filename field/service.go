package field

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector/retail-pos-module-keymanager/audit"
	"github.com/root-sector/retail-pos-module-keymanager/interfaces"
	"github.com/root-sector/retail-pos-module-keymanager/types"
)

// Service implements interfaces.FieldService.
type Service struct {
	keys    interfaces.KeyStore
	cipher  interfaces.CipherService
	locator interfaces.RecordLocator
	sink    interfaces.AuditSink
	reg     *registry
	logger  zerolog.Logger
	clock   func() time.Time
}

// Option configures the field service.
type Option func(*Service)

// WithRecordLocator attaches the data-access layer used for re-encryption.
// Without one, ReencryptForKey has no records to walk and returns zero counts.
func WithRecordLocator(locator interfaces.RecordLocator) Option {
	return func(s *Service) { s.locator = locator }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// NewService creates a field encryption service.
func NewService(keys interfaces.KeyStore, cipher interfaces.CipherService, sink interfaces.AuditSink, opts ...Option) *Service {
	s := &Service{
		keys:   keys,
		cipher: cipher,
		sink:   sink,
		reg:    newRegistry(),
		logger: log.With().Str("component", "field").Logger(),
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddFieldConfig registers (or replaces) a PII field configuration.
func (s *Service) AddFieldConfig(cfg types.PIIFieldConfig) {
	s.reg.add(cfg)
	s.logger.Info().
		Str("table", cfg.TableName).
		Str("field", cfg.FieldName).
		Bool("required", cfg.Required).
		Msg("Registered PII field")
}

// RemoveFieldConfig deregisters a PII field. Existing ciphertexts remain
// decryptable; their keys are untouched.
func (s *Service) RemoveFieldConfig(table, field string) {
	s.reg.remove(table, field)
}

// FieldConfigs returns the registered configurations in stable order.
func (s *Service) FieldConfigs() []types.PIIFieldConfig {
	return s.reg.list()
}

// EncryptField encrypts one field value under the field's active key,
// generating the key on demand for first use. Fields configured as not
// required pass through unencrypted with a nil envelope.
func (s *Service) EncryptField(ctx context.Context, table, field, recordId, value string) (*types.EncryptionEnvelope, error) {
	cfg, ok := s.reg.get(table, field)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", types.ErrFieldNotConfigured, table, field)
	}
	if !cfg.Required {
		return nil, nil
	}

	key, err := s.resolveFieldKey(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ciphertext, iv, tag, err := s.cipher.Encrypt([]byte(value), key, key.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt field %s.%s: %w", table, field, err)
	}

	env := &types.EncryptionEnvelope{
		Ciphertext:  ciphertext,
		KeyId:       key.Id,
		Algorithm:   key.Algorithm,
		IV:          iv,
		Tag:         tag,
		EncryptedAt: s.clock(),
	}

	s.emit(ctx, audit.NewEvent(ctx, types.ActionFieldEncrypted, audit.ResourceField, registryKey(table, field), types.FieldAccessPayload{
		TableName: table,
		FieldName: field,
		RecordId:  recordId,
		KeyId:     key.Id,
		Success:   true,
	}))

	return env, nil
}

// DecryptField decrypts a stored envelope. Every attempt is audited, failures
// included, since read access to PII is itself the compliance-relevant event.
func (s *Service) DecryptField(ctx context.Context, table, field, recordId string, env *types.EncryptionEnvelope) (string, error) {
	keyId := ""
	if env != nil {
		keyId = env.KeyId
	}

	plaintext, err := s.decryptEnvelope(ctx, env)

	payload := types.FieldAccessPayload{
		TableName: table,
		FieldName: field,
		RecordId:  recordId,
		KeyId:     keyId,
		Success:   err == nil,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	s.emit(ctx, audit.NewEvent(ctx, types.ActionFieldDecrypted, audit.ResourceField, registryKey(table, field), payload))

	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// VerifyField decrypts an envelope and discards the result. It distinguishes
// "data intact" from "key unavailable or ciphertext corrupted" for integrity
// sweeps without counting as a PII read.
func (s *Service) VerifyField(ctx context.Context, env *types.EncryptionEnvelope) error {
	_, err := s.decryptEnvelope(ctx, env)
	return err
}

// ReencryptForKey walks every stored value whose field routes to the given
// key family and rewrites it under newKey. Each envelope decrypts with the
// key it names, so mixed-version data mid-rotation is handled uniformly.
// Per-record failures are counted and skipped, never fatal to the batch.
func (s *Service) ReencryptForKey(ctx context.Context, baseKeyId string, newKey *types.EncryptionKey) (int, int, error) {
	if s.locator == nil {
		s.logger.Warn().Str("keyId", baseKeyId).Msg("No record locator configured, skipping re-encryption")
		return 0, 0, nil
	}

	base := types.BaseKeyId(baseKeyId)
	reencrypted, failed := 0, 0

	for _, cfg := range s.reg.list() {
		if types.BaseKeyId(cfg.KeyId()) != base {
			continue
		}

		iter, err := s.locator.LocateRecords(ctx, cfg.TableName, cfg.FieldName)
		if err != nil {
			return reencrypted, failed, fmt.Errorf("failed to locate records for %s.%s: %w", cfg.TableName, cfg.FieldName, err)
		}

		for {
			rec, err := iter.Next(ctx)
			if err != nil {
				return reencrypted, failed, fmt.Errorf("failed to iterate records for %s.%s: %w", cfg.TableName, cfg.FieldName, err)
			}
			if rec == nil {
				break
			}

			if err := s.reencryptRecord(ctx, cfg, rec, newKey); err != nil {
				failed++
				s.logger.Error().
					Str("table", cfg.TableName).
					Str("field", cfg.FieldName).
					Str("recordId", rec.RecordId).
					Err(err).
					Msg("Failed to re-encrypt record")
				continue
			}
			reencrypted++
		}
	}

	s.logger.Info().
		Str("keyId", base).
		Str("newKeyId", newKey.Id).
		Int("reencrypted", reencrypted).
		Int("failed", failed).
		Msg("Re-encryption pass complete")

	return reencrypted, failed, nil
}

func (s *Service) reencryptRecord(ctx context.Context, cfg types.PIIFieldConfig, rec *types.EncryptedRecord, newKey *types.EncryptionKey) error {
	plaintext, err := s.decryptEnvelope(ctx, rec.Envelope)
	if err != nil {
		return err
	}

	ciphertext, iv, tag, err := s.cipher.Encrypt(plaintext, newKey, newKey.Id)
	if err != nil {
		return err
	}

	env := &types.EncryptionEnvelope{
		Ciphertext:  ciphertext,
		KeyId:       newKey.Id,
		Algorithm:   newKey.Algorithm,
		IV:          iv,
		Tag:         tag,
		EncryptedAt: s.clock(),
	}
	return s.locator.UpdateRecord(ctx, cfg.TableName, cfg.FieldName, rec.RecordId, env)
}

func (s *Service) decryptEnvelope(ctx context.Context, env *types.EncryptionEnvelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope is required")
	}
	key, err := s.keys.GetKey(ctx, env.KeyId)
	if err != nil {
		return nil, err
	}
	return s.cipher.Decrypt(env.Ciphertext, key, env.IV, env.Tag, env.KeyId)
}

// resolveFieldKey returns the newest active key for the field, generating
// version 1 on first use with the configured rotation interval as expiry.
func (s *Service) resolveFieldKey(ctx context.Context, cfg types.PIIFieldConfig) (*types.EncryptionKey, error) {
	key, err := s.keys.ResolveActive(ctx, cfg.KeyId())
	if err == nil {
		return key, nil
	}

	var notFound *types.KeyNotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}

	key, err = s.keys.GenerateKey(ctx, cfg.KeyId(), types.AlgorithmAES256GCM, cfg.RotationIntervalDays)
	if err == nil {
		return key, nil
	}

	// Another caller may have generated the key concurrently.
	if errors.Is(err, types.ErrKeyExists) {
		return s.keys.ResolveActive(ctx, cfg.KeyId())
	}
	return nil, err
}

func (s *Service) emit(ctx context.Context, event *types.AuditEvent) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Emit(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("action", string(event.Action)).Msg("Failed to emit audit event")
	}
}
