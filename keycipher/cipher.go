// Package keycipher implements the stateless authenticated-encryption
// primitive every higher-level encryption feature is built on.
package keycipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/root-sector/retail-pos-module-keymanager/interfaces"
	"github.com/root-sector/retail-pos-module-keymanager/types"
)

const (
	// IVSize is the initialization vector length in bytes (128 bits).
	IVSize = 16

	// TagSize is the authentication tag length in bytes (128 bits).
	TagSize = 16
)

// Service implements interfaces.CipherService with AES-256-GCM. The IV is
// generated here and passed explicitly into the cipher, so the IV returned to
// the caller is always the IV that was actually used.
type Service struct{}

// NewService creates the cipher service.
func NewService() interfaces.CipherService {
	return &Service{}
}

func newGCM(key *types.EncryptionKey) (cipher.AEAD, error) {
	if key == nil {
		return nil, fmt.Errorf("key is required")
	}
	if key.Algorithm != types.AlgorithmAES256GCM {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidAlgorithm, key.Algorithm)
	}
	if len(key.Material) != types.AES256KeySize {
		return nil, fmt.Errorf("key %q material must be %d bytes, got %d", key.Id, types.AES256KeySize, len(key.Material))
	}

	block, err := aes.NewCipher(key.Material)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCMWithNonceSize(block, IVSize)
}

// Encrypt seals plaintext under the key with a freshly random IV. The
// associated data binds the ciphertext to the key's identifier; decrypting
// under any other identifier fails authentication.
func (s *Service) Encrypt(plaintext []byte, key *types.EncryptionKey, associatedData string) (ciphertext, iv, tag []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}

	iv = make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, []byte(associatedData))

	// Seal appends the tag; callers exchange it as a separate fixed-length field.
	split := len(sealed) - TagSize
	ciphertext = sealed[:split]
	tag = sealed[split:]
	return ciphertext, iv, tag, nil
}

// Decrypt opens a ciphertext, failing with *types.AuthenticationError when
// the tag does not verify. No partial plaintext is ever returned.
func (s *Service) Decrypt(ciphertext []byte, key *types.EncryptionKey, iv, tag []byte, associatedData string) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", IVSize, len(iv))
	}
	if len(tag) != TagSize {
		return nil, fmt.Errorf("tag must be %d bytes, got %d", TagSize, len(tag))
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, []byte(associatedData))
	if err != nil {
		return nil, &types.AuthenticationError{KeyId: key.Id, Err: err}
	}
	return plaintext, nil
}
