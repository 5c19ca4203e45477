package types

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyExists is returned when generating a key that already has an
	// active record at the same version.
	ErrKeyExists = errors.New("key already exists with an active version")

	// ErrFieldNotConfigured is returned when a field operation targets a
	// (table, field) pair absent from the PII registry.
	ErrFieldNotConfigured = errors.New("field is not configured for encryption")

	// ErrInvalidAlgorithm is returned for algorithms the cipher layer does
	// not support.
	ErrInvalidAlgorithm = errors.New("unsupported encryption algorithm")
)

// KeyNotFoundError indicates that a requested key identifier is absent,
// expired, or revoked. Callers see a clear "key unavailable" failure rather
// than a generic error.
type KeyNotFoundError struct {
	KeyId string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key %q unavailable: not found or expired", e.KeyId)
}

// KeyIntegrityError indicates that unwrapping stored key material failed
// authentication. This is fatal for the key: the wrapped record is corrupt or
// was written under a different master secret, and must never be auto-recovered.
type KeyIntegrityError struct {
	KeyId string
	Err   error
}

func (e *KeyIntegrityError) Error() string {
	return fmt.Sprintf("key %q failed integrity check during unwrap: %v", e.KeyId, e.Err)
}

func (e *KeyIntegrityError) Unwrap() error { return e.Err }

// AuthenticationError indicates an AEAD tag mismatch on decrypt. The operation
// fails without returning any partial plaintext.
type AuthenticationError struct {
	KeyId string
	Err   error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed decrypting with key %q: %v", e.KeyId, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// RotationInProgressError indicates that a rotation was requested for a key
// that is already rotating, or that a scheduler pass is already running.
// Callers should retry later.
type RotationInProgressError struct {
	KeyId string
}

func (e *RotationInProgressError) Error() string {
	if e.KeyId == "" {
		return "a rotation pass is already in progress"
	}
	return fmt.Sprintf("rotation already in progress for key %q", e.KeyId)
}
