// Package keystore owns the durable catalogue of symmetric keys: generation,
// wrapping, retrieval, caching, and expiry. No other component handles raw
// key material at rest.
package keystore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector/retail-pos-module-keymanager/audit"
	"github.com/root-sector/retail-pos-module-keymanager/interfaces"
	"github.com/root-sector/retail-pos-module-keymanager/types"
)

const wrappingKeyId = "master"

// The aead wrapper seals with standard GCM: a 12-byte nonce prepended to the
// ciphertext, a 16-byte tag appended. The catalogue record stores the three
// segments as separate fields.
const (
	wrappingIvSize  = 12
	wrappingTagSize = 16
)

// Service implements interfaces.KeyStore. All catalogue mutations are
// serialized through a single mutex; the underlying file store additionally
// takes a cross-process lock.
type Service struct {
	catalogue interfaces.KeyCatalogue
	wrapper   wrapping.Wrapper
	cache     *keyCache
	sink      interfaces.AuditSink
	logger    zerolog.Logger
	clock     func() time.Time
	mu        sync.Mutex
}

// Option configures the key store service.
type Option func(*Service)

// WithClock overrides the time source, for tests exercising expiry.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// NewService creates a key store over the given catalogue and wrapping key.
func NewService(catalogue interfaces.KeyCatalogue, wrapper wrapping.Wrapper, sink interfaces.AuditSink, opts ...Option) *Service {
	s := &Service{
		catalogue: catalogue,
		wrapper:   wrapper,
		cache:     newKeyCache(),
		sink:      sink,
		logger:    log.With().Str("component", "keystore").Logger(),
		clock:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateKey creates a new key under id. The version is one past the highest
// version in the id's rotation family. Regenerating an identifier that still
// has an active, unexpired key fails the idempotency guard.
func (s *Service) GenerateKey(ctx context.Context, id, algorithm string, expirationDays int) (*types.EncryptionKey, error) {
	if id == "" {
		return nil, fmt.Errorf("key id is required")
	}
	if algorithm == "" {
		algorithm = types.AlgorithmAES256GCM
	}
	if algorithm != types.AlgorithmAES256GCM {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidAlgorithm, algorithm)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()

	existing, err := s.catalogue.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing key: %w", err)
	}
	if existing != nil && existing.Status == types.KeyStatusActive &&
		(existing.ExpiresAt == nil || existing.ExpiresAt.After(now)) {
		return nil, fmt.Errorf("%w: %s", types.ErrKeyExists, id)
	}

	version, err := s.nextFamilyVersion(ctx, id)
	if err != nil {
		return nil, err
	}

	material, err := generateMaterial()
	if err != nil {
		return nil, err
	}

	blob, err := s.wrapper.Encrypt(ctx, material, wrapping.WithAad([]byte(id)))
	if err != nil {
		return nil, fmt.Errorf("failed to wrap key material: %w", err)
	}

	var expiresAt *time.Time
	if expirationDays > 0 {
		t := now.AddDate(0, 0, expirationDays)
		expiresAt = &t
	}

	// BlobInfo.Ciphertext carries iv || ciphertext || tag in one slice.
	sealed := blob.Ciphertext
	if len(sealed) < wrappingIvSize+wrappingTagSize {
		return nil, fmt.Errorf("wrapped key blob is truncated: %d bytes", len(sealed))
	}
	tagStart := len(sealed) - wrappingTagSize
	rec := &types.KeyRecord{
		Id:            id,
		Algorithm:     algorithm,
		WrappedKeyHex: hex.EncodeToString(sealed[wrappingIvSize:tagStart]),
		IvHex:         hex.EncodeToString(sealed[:wrappingIvSize]),
		TagHex:        hex.EncodeToString(sealed[tagStart:]),
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
		Status:        types.KeyStatusActive,
		Version:       version,
	}
	if err := s.catalogue.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist key record: %w", err)
	}

	key := &types.EncryptionKey{
		Id:        id,
		Algorithm: algorithm,
		Material:  material,
		CreatedAt: now,
		ExpiresAt: expiresAt,
		Status:    types.KeyStatusActive,
		Version:   version,
	}
	s.cache.put(key)

	s.logger.Info().
		Str("keyId", id).
		Int("version", version).
		Bool("hasExpiry", expiresAt != nil).
		Msg("Generated encryption key")

	s.emit(ctx, audit.NewEvent(ctx, types.ActionKeyGenerated, audit.ResourceKey, id, types.KeyLifecyclePayload{
		KeyId:     id,
		Algorithm: algorithm,
		Version:   version,
		ExpiresAt: expiresAt,
	}))

	return key, nil
}

// GetKey returns the key for an exact identifier. Expired keys are lazily
// marked EXPIRED and evicted; callers get a clear key-unavailable failure.
func (s *Service) GetKey(ctx context.Context, id string) (*types.EncryptionKey, error) {
	now := s.clock()

	if key, ok := s.cache.get(id); ok {
		if key.IsExpired(now) {
			s.markExpired(ctx, key.Id, key.Algorithm, key.Version)
			return nil, &types.KeyNotFoundError{KeyId: id}
		}
		if key.Status != types.KeyStatusActive {
			return nil, &types.KeyNotFoundError{KeyId: id}
		}
		return key, nil
	}

	rec, err := s.catalogue.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load key record: %w", err)
	}
	if rec == nil || rec.Status != types.KeyStatusActive {
		return nil, &types.KeyNotFoundError{KeyId: id}
	}
	if rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
		s.markExpired(ctx, rec.Id, rec.Algorithm, rec.Version)
		return nil, &types.KeyNotFoundError{KeyId: id}
	}

	key, err := s.unwrap(ctx, rec)
	if err != nil {
		return nil, err
	}
	s.cache.put(key)
	return key, nil
}

// ResolveActive returns the newest active key in a rotation family. New
// encryptions route through here so superseded keys are decrypt-only.
func (s *Service) ResolveActive(ctx context.Context, baseId string) (*types.EncryptionKey, error) {
	base := types.BaseKeyId(baseId)
	recs, err := s.catalogue.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list key records: %w", err)
	}

	now := s.clock()
	var best *types.KeyRecord
	for _, rec := range recs {
		if types.BaseKeyId(rec.Id) != base || rec.Status != types.KeyStatusActive {
			continue
		}
		if rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
			s.markExpired(ctx, rec.Id, rec.Algorithm, rec.Version)
			continue
		}
		if best == nil || rec.Version > best.Version {
			best = rec
		}
	}
	if best == nil {
		return nil, &types.KeyNotFoundError{KeyId: base}
	}
	return s.GetKey(ctx, best.Id)
}

// ListKeys returns metadata for every catalogued key, never raw bytes.
func (s *Service) ListKeys(ctx context.Context) ([]types.KeyMetadata, error) {
	recs, err := s.catalogue.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list key records: %w", err)
	}

	now := s.clock()
	metas := make([]types.KeyMetadata, 0, len(recs))
	for _, rec := range recs {
		status := rec.Status
		if status == types.KeyStatusActive && rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
			s.markExpired(ctx, rec.Id, rec.Algorithm, rec.Version)
			status = types.KeyStatusExpired
		}
		metas = append(metas, types.KeyMetadata{
			Id:        rec.Id,
			Algorithm: rec.Algorithm,
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt,
			Status:    status,
			Version:   rec.Version,
		})
	}
	return metas, nil
}

// ExpireKey schedules a key's expiry. The key remains valid for decryption
// until the deadline, after which the lazy expiry check retires it.
func (s *Service) ExpireKey(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.catalogue.SetExpiry(ctx, id, at); err != nil {
		return fmt.Errorf("failed to set key expiry: %w", err)
	}
	// Drop the cached copy so subsequent reads observe the new deadline.
	s.cache.evict(id)

	s.logger.Info().Str("keyId", id).Time("expiresAt", at).Msg("Scheduled key expiry")
	return nil
}

// RevokeKey immediately retires a key.
func (s *Service) RevokeKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.catalogue.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load key record: %w", err)
	}
	if rec == nil {
		return &types.KeyNotFoundError{KeyId: id}
	}
	if err := s.catalogue.UpdateStatus(ctx, id, types.KeyStatusRevoked); err != nil {
		return fmt.Errorf("failed to revoke key: %w", err)
	}
	s.cache.evict(id)

	s.emit(ctx, audit.NewEvent(ctx, types.ActionKeyRevoked, audit.ResourceKey, id, types.KeyLifecyclePayload{
		KeyId:     id,
		Algorithm: rec.Algorithm,
		Version:   rec.Version,
	}))
	return nil
}

// CacheStats exposes read-cache counters.
func (s *Service) CacheStats() CacheStats {
	return s.cache.snapshot()
}

func (s *Service) nextFamilyVersion(ctx context.Context, id string) (int, error) {
	recs, err := s.catalogue.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list key records: %w", err)
	}
	base := types.BaseKeyId(id)
	max := 0
	for _, rec := range recs {
		if types.BaseKeyId(rec.Id) == base && rec.Version > max {
			max = rec.Version
		}
	}
	return max + 1, nil
}

// unwrap reassembles the wrapped blob from the catalogue record and decrypts
// it under the master wrapping key. A tag mismatch is a KeyIntegrityError:
// garbage bytes must never be returned as key material.
func (s *Service) unwrap(ctx context.Context, rec *types.KeyRecord) (*types.EncryptionKey, error) {
	wrapped, err := hex.DecodeString(rec.WrappedKeyHex)
	if err != nil {
		return nil, &types.KeyIntegrityError{KeyId: rec.Id, Err: fmt.Errorf("malformed wrapped key: %w", err)}
	}
	iv, err := hex.DecodeString(rec.IvHex)
	if err != nil {
		return nil, &types.KeyIntegrityError{KeyId: rec.Id, Err: fmt.Errorf("malformed iv: %w", err)}
	}
	tag, err := hex.DecodeString(rec.TagHex)
	if err != nil {
		return nil, &types.KeyIntegrityError{KeyId: rec.Id, Err: fmt.Errorf("malformed tag: %w", err)}
	}

	// Reassemble the wrapper's iv || ciphertext || tag layout.
	sealed := make([]byte, 0, len(iv)+len(wrapped)+len(tag))
	sealed = append(sealed, iv...)
	sealed = append(sealed, wrapped...)
	sealed = append(sealed, tag...)
	blob := &wrapping.BlobInfo{
		Ciphertext: sealed,
		KeyInfo:    &wrapping.KeyInfo{KeyId: wrappingKeyId},
	}
	material, err := s.wrapper.Decrypt(ctx, blob, wrapping.WithAad([]byte(rec.Id)))
	if err != nil {
		s.logger.Error().Str("keyId", rec.Id).Err(err).Msg("Key record failed unwrap authentication")
		return nil, &types.KeyIntegrityError{KeyId: rec.Id, Err: err}
	}

	return &types.EncryptionKey{
		Id:        rec.Id,
		Algorithm: rec.Algorithm,
		Material:  material,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
		Status:    rec.Status,
		Version:   rec.Version,
	}, nil
}

func (s *Service) markExpired(ctx context.Context, id, algorithm string, version int) {
	if err := s.catalogue.UpdateStatus(ctx, id, types.KeyStatusExpired); err != nil {
		s.logger.Warn().Str("keyId", id).Err(err).Msg("Failed to mark key expired")
	}
	s.cache.evict(id)

	s.logger.Info().Str("keyId", id).Int("version", version).Msg("Key expired")
	s.emit(ctx, audit.NewEvent(ctx, types.ActionKeyExpired, audit.ResourceKey, id, types.KeyLifecyclePayload{
		KeyId:     id,
		Algorithm: algorithm,
		Version:   version,
	}))
}

// emit sends an audit event; emission failures never block the operation.
func (s *Service) emit(ctx context.Context, event *types.AuditEvent) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Emit(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("action", string(event.Action)).Msg("Failed to emit audit event")
	}
}

func generateMaterial() ([]byte, error) {
	material := make([]byte, types.AES256KeySize)
	n, err := rand.Read(material)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	if n != types.AES256KeySize {
		return nil, fmt.Errorf("short read generating key material: got %d bytes, want %d", n, types.AES256KeySize)
	}

	allZero := true
	for _, b := range material {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil, fmt.Errorf("generated key material is all zeros")
	}
	return material, nil
}
