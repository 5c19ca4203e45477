// Package interfaces defines all service interfaces for the key manager.
// IMPORTANT: This is the single source of truth for service interfaces.
// Do not define interfaces in other files.
package interfaces

import (
	"context"
	"time"

	"github.com/root-sector/retail-pos-module-keymanager/types"
)

// KeyStore owns the durable catalogue of symmetric keys and their in-process
// read cache. It is the only component that handles raw key material at rest.
type KeyStore interface {
	// GenerateKey creates a new key under the given identifier. Version is 1,
	// or one past the highest version in the identifier's rotation family.
	// expirationDays <= 0 means no expiry. Fails with types.ErrKeyExists if
	// the identifier already has an active key at that version.
	GenerateKey(ctx context.Context, id, algorithm string, expirationDays int) (*types.EncryptionKey, error)

	// GetKey returns the key for an exact identifier. Expired keys are lazily
	// marked EXPIRED, evicted, and reported as *types.KeyNotFoundError.
	// An unwrap authentication failure surfaces as *types.KeyIntegrityError.
	GetKey(ctx context.Context, id string) (*types.EncryptionKey, error)

	// ResolveActive returns the newest active key in a rotation family.
	// New encryptions must always route through here so superseded keys are
	// decrypt-only for the remainder of their grace period.
	ResolveActive(ctx context.Context, baseId string) (*types.EncryptionKey, error)

	// ListKeys returns metadata for every catalogued key, never material.
	ListKeys(ctx context.Context) ([]types.KeyMetadata, error)

	// ExpireKey schedules a key's expiry; the key remains usable for
	// decryption until the deadline passes.
	ExpireKey(ctx context.Context, id string, at time.Time) error

	// RevokeKey immediately marks a key REVOKED and evicts it.
	RevokeKey(ctx context.Context, id string) error
}

// KeyCatalogue is the durable store behind the key store. One record per key
// identifier; records hold wrapped material only.
type KeyCatalogue interface {
	Put(ctx context.Context, rec *types.KeyRecord) error
	Get(ctx context.Context, id string) (*types.KeyRecord, error)
	List(ctx context.Context) ([]*types.KeyRecord, error)
	UpdateStatus(ctx context.Context, id string, status types.KeyStatus) error
	SetExpiry(ctx context.Context, id string, at time.Time) error

	// SaveSalt and LoadSalt persist the master key derivation salt alongside
	// the catalogue. LoadSalt returns (nil, nil) when no salt exists yet.
	SaveSalt(ctx context.Context, salt []byte) error
	LoadSalt(ctx context.Context) ([]byte, error)
}

// CipherService is the stateless authenticated-encryption primitive beneath
// every encryption feature. Associated data binds a ciphertext to its key's
// identifier so it cannot be replayed against another key's context.
type CipherService interface {
	// Encrypt seals plaintext under the key, returning the ciphertext, the
	// freshly random IV actually used by the cipher, and the auth tag.
	Encrypt(plaintext []byte, key *types.EncryptionKey, associatedData string) (ciphertext, iv, tag []byte, err error)

	// Decrypt opens a ciphertext. A tag mismatch surfaces as
	// *types.AuthenticationError with no partial plaintext.
	Decrypt(ciphertext []byte, key *types.EncryptionKey, iv, tag []byte, associatedData string) ([]byte, error)
}

// FieldService routes individual PII field values through the cipher layer,
// resolving each (table, field) pair to its dedicated key.
type FieldService interface {
	EncryptField(ctx context.Context, table, field, recordId, value string) (*types.EncryptionEnvelope, error)
	DecryptField(ctx context.Context, table, field, recordId string, env *types.EncryptionEnvelope) (string, error)

	// VerifyField checks that an envelope still authenticates under its key
	// without exposing the plaintext. No field-access audit event is emitted.
	VerifyField(ctx context.Context, env *types.EncryptionEnvelope) error

	// ReencryptForKey re-encrypts every stored value routed to the given key
	// family: the envelope's recorded key decrypts, newKey encrypts.
	// Per-record failures are counted and do not abort the batch.
	ReencryptForKey(ctx context.Context, baseKeyId string, newKey *types.EncryptionKey) (reencrypted, failed int, err error)

	AddFieldConfig(cfg types.PIIFieldConfig)
	RemoveFieldConfig(table, field string)
	FieldConfigs() []types.PIIFieldConfig
}

// RecordIterator yields encrypted records during re-encryption. Next returns
// (nil, nil) when the iteration is exhausted.
type RecordIterator interface {
	Next(ctx context.Context) (*types.EncryptedRecord, error)
}

// RecordLocator is implemented by the external data-access layer. The key
// manager drives re-encryption through it without knowing the schema.
type RecordLocator interface {
	LocateRecords(ctx context.Context, table, field string) (RecordIterator, error)
	UpdateRecord(ctx context.Context, table, field, recordId string, env *types.EncryptionEnvelope) error
}

// AuditSink receives compliance events. Implementations must not block the
// primary cryptographic operation; emission failures are logged and swallowed
// by callers.
type AuditSink interface {
	Emit(ctx context.Context, event *types.AuditEvent) error
}

// RotationStore durably persists rotation policies and pending schedule
// entries with atomic upsert semantics.
type RotationStore interface {
	UpsertPolicy(ctx context.Context, p *types.KeyRotationPolicy) error
	GetPolicy(ctx context.Context, keyId string) (*types.KeyRotationPolicy, error)
	DeletePolicy(ctx context.Context, keyId string) error
	ListPolicies(ctx context.Context) ([]*types.KeyRotationPolicy, error)

	UpsertEntry(ctx context.Context, e *types.RotationScheduleEntry) error
	GetEntry(ctx context.Context, keyId string) (*types.RotationScheduleEntry, error)
	DeleteEntry(ctx context.Context, keyId string) error
	ListEntries(ctx context.Context) ([]*types.RotationScheduleEntry, error)
}

// FileEncryptor wraps whole files in the self-describing container format.
type FileEncryptor interface {
	EncryptFile(ctx context.Context, path string, opts types.FileEncryptOptions) (string, error)
	DecryptFile(ctx context.Context, containerPath, outputPath string) (string, error)
}

// BackupEncryptor adds a plaintext checksum to the container so restorations
// can detect corruption. A checksum mismatch is reported, not fatal.
type BackupEncryptor interface {
	CreateEncryptedBackup(ctx context.Context, path string) (string, error)
	RestoreFromEncryptedBackup(ctx context.Context, containerPath, outputPath string) (*types.RestoreResult, error)
}
