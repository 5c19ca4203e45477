// Package fileenc wraps whole files and backups in a self-describing
// encrypted container: a length-prefixed JSON header followed by ciphertext.
package fileenc

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector/retail-pos-module-keymanager/audit"
	"github.com/root-sector/retail-pos-module-keymanager/interfaces"
	"github.com/root-sector/retail-pos-module-keymanager/types"
)

const (
	// EncryptedExtension is appended to a file's path when it is encrypted.
	EncryptedExtension = ".enc"
	// BackupExtension is appended to a file's path when it is backed up.
	BackupExtension = ".backup.enc"

	defaultFileKeyId   = "file_encryption_key"
	defaultBackupKeyId = "backup_encryption_key"

	containerVersion = 1
	headerLenSize    = 4
	maxHeaderSize    = 1 << 20
)

// containerHeader is the JSON metadata block at the front of every container.
// Everything needed to decrypt travels with the ciphertext; only the key
// material stays in the catalogue.
type containerHeader struct {
	Version      int            `json:"version"`
	KeyId        string         `json:"keyId"`
	Algorithm    string         `json:"algorithm"`
	IV           types.HexBytes `json:"iv"`
	Tag          types.HexBytes `json:"tag"`
	Compressed   bool           `json:"compressed"`
	OriginalSize int64          `json:"originalSize"`
	EncryptedAt  time.Time      `json:"encryptedAt"`

	// Checksum is the SHA-256 of the plaintext, present on backups only.
	Checksum string `json:"checksum,omitempty"`
}

// Service implements interfaces.FileEncryptor and interfaces.BackupEncryptor.
type Service struct {
	keys   interfaces.KeyStore
	cipher interfaces.CipherService
	sink   interfaces.AuditSink
	logger zerolog.Logger
	clock  func() time.Time
}

// Option configures the file encryption service.
type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// NewService creates a file encryption service.
func NewService(keys interfaces.KeyStore, cipher interfaces.CipherService, sink interfaces.AuditSink, opts ...Option) *Service {
	s := &Service{
		keys:   keys,
		cipher: cipher,
		sink:   sink,
		logger: log.With().Str("component", "fileenc").Logger(),
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EncryptFile seals the file at path into a container at path+".enc" and
// returns the container path.
func (s *Service) EncryptFile(ctx context.Context, path string, opts types.FileEncryptOptions) (string, error) {
	plaintext, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	originalSize := int64(len(plaintext))

	data := plaintext
	if opts.Compress {
		data, err = gzipBytes(plaintext)
		if err != nil {
			return "", fmt.Errorf("failed to compress file: %w", err)
		}
	}

	keyId := opts.KeyId
	if keyId == "" {
		keyId = defaultFileKeyId
	}
	key, err := s.resolveKey(ctx, keyId)
	if err != nil {
		return "", err
	}

	header := containerHeader{
		Version:      containerVersion,
		KeyId:        key.Id,
		Algorithm:    key.Algorithm,
		Compressed:   opts.Compress,
		OriginalSize: originalSize,
		EncryptedAt:  s.clock(),
	}
	outPath := path + EncryptedExtension
	if err := s.seal(data, key, header, outPath); err != nil {
		return "", err
	}

	if opts.DeleteOriginal {
		if err := os.Remove(path); err != nil {
			s.logger.Warn().Str("path", path).Err(err).Msg("Failed to delete original file")
		}
	}

	s.logger.Info().
		Str("path", path).
		Str("keyId", key.Id).
		Bool("compressed", opts.Compress).
		Int64("originalSize", originalSize).
		Msg("Encrypted file")

	s.emit(ctx, audit.NewEvent(ctx, types.ActionFileEncrypted, audit.ResourceFile, path, types.FilePayload{
		Path:         path,
		KeyId:        key.Id,
		Compressed:   opts.Compress,
		OriginalSize: originalSize,
	}))

	return outPath, nil
}

// DecryptFile opens a container and writes the plaintext to outputPath. An
// empty outputPath strips the ".enc" suffix from the container path.
func (s *Service) DecryptFile(ctx context.Context, containerPath, outputPath string) (string, error) {
	header, plaintext, err := s.open(ctx, containerPath)
	if err != nil {
		return "", err
	}

	if outputPath == "" {
		outputPath = strings.TrimSuffix(containerPath, EncryptedExtension)
		if outputPath == containerPath {
			return "", fmt.Errorf("output path is required for container %s", containerPath)
		}
	}
	if err := writeFileAtomic(outputPath, plaintext); err != nil {
		return "", err
	}

	s.emit(ctx, audit.NewEvent(ctx, types.ActionFileDecrypted, audit.ResourceFile, outputPath, types.FilePayload{
		Path:         outputPath,
		KeyId:        header.KeyId,
		Compressed:   header.Compressed,
		OriginalSize: header.OriginalSize,
	}))

	return outputPath, nil
}

// CreateEncryptedBackup seals the file at path into a compressed container
// carrying a plaintext checksum, at path+".backup.enc".
func (s *Service) CreateEncryptedBackup(ctx context.Context, path string) (string, error) {
	plaintext, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	checksum := sha256.Sum256(plaintext)
	data, err := gzipBytes(plaintext)
	if err != nil {
		return "", fmt.Errorf("failed to compress backup: %w", err)
	}

	key, err := s.resolveKey(ctx, defaultBackupKeyId)
	if err != nil {
		return "", err
	}

	header := containerHeader{
		Version:      containerVersion,
		KeyId:        key.Id,
		Algorithm:    key.Algorithm,
		Compressed:   true,
		OriginalSize: int64(len(plaintext)),
		EncryptedAt:  s.clock(),
		Checksum:     hex.EncodeToString(checksum[:]),
	}
	outPath := path + BackupExtension
	if err := s.seal(data, key, header, outPath); err != nil {
		return "", err
	}

	s.logger.Info().
		Str("path", path).
		Str("backupPath", outPath).
		Str("keyId", key.Id).
		Msg("Created encrypted backup")

	s.emit(ctx, audit.NewEvent(ctx, types.ActionBackupCreated, audit.ResourceBackup, outPath, types.BackupPayload{
		Path:  outPath,
		KeyId: key.Id,
	}))

	return outPath, nil
}

// RestoreFromEncryptedBackup opens a backup container and writes the
// plaintext to outputPath. A checksum mismatch is reported in the result but
// does not abort the restore; the caller decides whether to trust the data.
func (s *Service) RestoreFromEncryptedBackup(ctx context.Context, containerPath, outputPath string) (*types.RestoreResult, error) {
	header, plaintext, err := s.open(ctx, containerPath)
	if err != nil {
		return nil, err
	}

	mismatch := false
	if header.Checksum != "" {
		actual := sha256.Sum256(plaintext)
		if hex.EncodeToString(actual[:]) != header.Checksum {
			mismatch = true
			s.logger.Warn().
				Str("backupPath", containerPath).
				Str("keyId", header.KeyId).
				Msg("Backup checksum mismatch, restored data may be corrupted")
		}
	}

	if outputPath == "" {
		outputPath = strings.TrimSuffix(containerPath, BackupExtension)
		if outputPath == containerPath {
			return nil, fmt.Errorf("output path is required for backup %s", containerPath)
		}
	}
	if err := writeFileAtomic(outputPath, plaintext); err != nil {
		return nil, err
	}

	s.emit(ctx, audit.NewEvent(ctx, types.ActionBackupRestored, audit.ResourceBackup, containerPath, types.BackupPayload{
		Path:             outputPath,
		KeyId:            header.KeyId,
		ChecksumMismatch: mismatch,
	}))

	return &types.RestoreResult{
		Path:             outputPath,
		KeyId:            header.KeyId,
		OriginalSize:     header.OriginalSize,
		ChecksumMismatch: mismatch,
	}, nil
}

// seal encrypts data under key, fills in the cipher outputs, and writes the
// container to outPath.
func (s *Service) seal(data []byte, key *types.EncryptionKey, header containerHeader, outPath string) error {
	ciphertext, iv, tag, err := s.cipher.Encrypt(data, key, key.Id)
	if err != nil {
		return fmt.Errorf("failed to encrypt file contents: %w", err)
	}
	header.IV = iv
	header.Tag = tag

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to encode container header: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(headerLenSize + len(headerBytes) + len(ciphertext))
	var lenPrefix [headerLenSize]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(headerBytes)))
	buf.Write(lenPrefix[:])
	buf.Write(headerBytes)
	buf.Write(ciphertext)

	return writeFileAtomic(outPath, buf.Bytes())
}

// open parses a container, decrypts its ciphertext, and decompresses when the
// header says to.
func (s *Service) open(ctx context.Context, containerPath string) (*containerHeader, []byte, error) {
	raw, err := os.ReadFile(containerPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read container: %w", err)
	}
	if len(raw) < headerLenSize {
		return nil, nil, fmt.Errorf("container %s is truncated", containerPath)
	}

	headerLen := binary.BigEndian.Uint32(raw[:headerLenSize])
	if headerLen > maxHeaderSize || int(headerLen) > len(raw)-headerLenSize {
		return nil, nil, fmt.Errorf("container %s has invalid header length %d", containerPath, headerLen)
	}

	var header containerHeader
	if err := json.Unmarshal(raw[headerLenSize:headerLenSize+int(headerLen)], &header); err != nil {
		return nil, nil, fmt.Errorf("failed to parse container header: %w", err)
	}
	ciphertext := raw[headerLenSize+int(headerLen):]

	key, err := s.keys.GetKey(ctx, header.KeyId)
	if err != nil {
		return nil, nil, err
	}

	data, err := s.cipher.Decrypt(ciphertext, key, header.IV, header.Tag, key.Id)
	if err != nil {
		return nil, nil, err
	}

	if header.Compressed {
		data, err = gunzipBytes(data)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decompress container contents: %w", err)
		}
	}
	return &header, data, nil
}

// resolveKey returns the active key for the family, generating version 1 on
// first use.
func (s *Service) resolveKey(ctx context.Context, keyId string) (*types.EncryptionKey, error) {
	key, err := s.keys.ResolveActive(ctx, keyId)
	if err == nil {
		return key, nil
	}
	var notFound *types.KeyNotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}

	key, err = s.keys.GenerateKey(ctx, keyId, types.AlgorithmAES256GCM, 0)
	if err == nil {
		return key, nil
	}
	if errors.Is(err, types.ErrKeyExists) {
		return s.keys.ResolveActive(ctx, keyId)
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

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// writeFileAtomic writes via a temp file in the target directory and renames
// it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize file: %w", err)
	}
	return nil
}
