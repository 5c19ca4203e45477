package types

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// KeyStatus describes the lifecycle state of an encryption key.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "ACTIVE"
	KeyStatusExpired KeyStatus = "EXPIRED"
	KeyStatusRevoked KeyStatus = "REVOKED"
)

// AlgorithmAES256GCM is the default (and currently only) supported algorithm.
const AlgorithmAES256GCM = "aes-256-gcm"

// AES256KeySize is the required key length in bytes for aes-256-gcm.
const AES256KeySize = 32

// EncryptionKey is a symmetric key with its lifecycle metadata. Material is
// owned by the key store; it is never serialized and must not be retained by
// callers beyond the scope of a single operation.
type EncryptionKey struct {
	Id        string     `json:"id"`
	Algorithm string     `json:"algorithm"`
	Material  []byte     `json:"-"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Status    KeyStatus  `json:"status"`
	Version   int        `json:"version"`
}

// IsExpired reports whether the key's expiry timestamp has passed.
func (k *EncryptionKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// Metadata returns a view of the key without its material.
func (k *EncryptionKey) Metadata() KeyMetadata {
	return KeyMetadata{
		Id:        k.Id,
		Algorithm: k.Algorithm,
		CreatedAt: k.CreatedAt,
		ExpiresAt: k.ExpiresAt,
		Status:    k.Status,
		Version:   k.Version,
	}
}

// KeyMetadata is the material-free view of a key returned by list operations.
type KeyMetadata struct {
	Id        string     `json:"id"`
	Algorithm string     `json:"algorithm"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Status    KeyStatus  `json:"status"`
	Version   int        `json:"version"`
}

// KeyRecord is the durable catalogue entry for a key. The key material is
// stored wrapped; IV and tag belong to the wrapping operation, not to any
// data encryption performed with the key.
type KeyRecord struct {
	Id            string     `json:"id" bson:"_id"`
	Algorithm     string     `json:"algorithm" bson:"algorithm"`
	WrappedKeyHex string     `json:"wrappedKeyHex" bson:"wrappedKeyHex"`
	IvHex         string     `json:"ivHex" bson:"ivHex"`
	TagHex        string     `json:"tagHex" bson:"tagHex"`
	CreatedAt     time.Time  `json:"createdAt" bson:"createdAt"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty" bson:"expiresAt,omitempty"`
	Status        KeyStatus  `json:"status" bson:"status"`
	Version       int        `json:"version" bson:"version"`
}

var versionSuffixRe = regexp.MustCompile(`_v(\d+)$`)

// BaseKeyId strips a rotation version suffix ("_v2", "_v3", ...) from a key
// identifier, returning the identifier the rotation family is keyed by.
func BaseKeyId(id string) string {
	return versionSuffixRe.ReplaceAllString(id, "")
}

// VersionedKeyId builds the identifier a rotation assigns to a new key version.
func VersionedKeyId(baseId string, version int) string {
	return fmt.Sprintf("%s_v%d", baseId, version)
}

// KeyIdVersion extracts the version suffix of a key identifier, or 1 when the
// identifier carries none.
func KeyIdVersion(id string) int {
	m := versionSuffixRe.FindStringSubmatch(id)
	if m == nil {
		return 1
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 1
	}
	return v
}
