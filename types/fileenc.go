package types

// FileEncryptOptions controls a single file encryption operation.
type FileEncryptOptions struct {
	// KeyId selects the rotation family to encrypt under; empty means the
	// shared file-encryption key.
	KeyId string

	// Compress gzips the plaintext before encryption.
	Compress bool

	// DeleteOriginal removes the source file once the container is written.
	DeleteOriginal bool
}

// RestoreResult reports a backup restoration. ChecksumMismatch is a warning,
// not an error: restoration proceeds for availability, but the caller must be
// told the plaintext did not match the recorded checksum.
type RestoreResult struct {
	Path             string `json:"path"`
	KeyId            string `json:"keyId"`
	OriginalSize     int64  `json:"originalSize"`
	ChecksumMismatch bool   `json:"checksumMismatch"`
}
