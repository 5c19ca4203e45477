// Package masterkey derives the non-exportable wrapping key that protects
// stored key material. The derived key never leaves this package except as a
// configured AEAD wrapper.
package masterkey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinIterations is the enforced PBKDF2 floor; brute-forcing the operator
	// secret must stay expensive.
	MinIterations = 100_000

	// DefaultIterations is used when no override is configured.
	DefaultIterations = 200_000

	// SaltSize is the derivation salt length in bytes.
	SaltSize = 32

	keySize     = 32
	masterKeyId = "master"

	// insecureDefaultSecret is only ever used outside production mode, and
	// only with a loud warning.
	insecureDefaultSecret = "insecure-development-master-secret"
)

// ErrMissingSecret is returned when no master secret is configured and the
// deriver runs in production mode.
var ErrMissingSecret = errors.New("master secret is not configured")

// Deriver derives the wrapping key from the operator secret via PBKDF2-SHA256.
type Deriver struct {
	iterations int
	production bool
	logger     zerolog.Logger
}

// Option configures a Deriver.
type Option func(*Deriver)

// WithIterations overrides the PBKDF2 iteration count.
func WithIterations(n int) Option {
	return func(d *Deriver) { d.iterations = n }
}

// WithProductionMode makes a missing secret a fatal error instead of a logged
// fallback.
func WithProductionMode(production bool) Option {
	return func(d *Deriver) { d.production = production }
}

// NewDeriver creates a deriver. Iteration counts below the enforced minimum
// are rejected.
func NewDeriver(opts ...Option) (*Deriver, error) {
	d := &Deriver{
		iterations: DefaultIterations,
		logger:     log.With().Str("component", "masterkey").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.iterations < MinIterations {
		return nil, fmt.Errorf("kdf iteration count %d is below the minimum %d", d.iterations, MinIterations)
	}
	return d, nil
}

// GenerateSalt creates a fresh random derivation salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Derive deterministically derives the wrapping key from secret and salt,
// returning it sealed in a memguard enclave.
func (d *Deriver) Derive(secret, salt []byte) (*memguard.Enclave, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt))
	}

	derived := pbkdf2.Key(secret, salt, d.iterations, keySize, sha256.New)
	enclave := memguard.NewEnclave(derived)
	memguard.WipeBytes(derived)
	return enclave, nil
}

// WrapperFor derives the wrapping key for the given operator secret and
// returns it as a configured AEAD wrapper. An empty secret is fatal in
// production mode; otherwise the insecure default is substituted and a
// high-severity warning logged.
func (d *Deriver) WrapperFor(ctx context.Context, secret string, salt []byte) (wrapping.Wrapper, error) {
	if secret == "" {
		if d.production {
			return nil, ErrMissingSecret
		}
		d.logger.Error().
			Msg("SECURITY: no master secret configured, falling back to insecure default; key material is NOT protected")
		secret = insecureDefaultSecret
	}

	secretBytes := []byte(secret)
	defer memguard.WipeBytes(secretBytes)

	enclave, err := d.Derive(secretBytes, salt)
	if err != nil {
		return nil, err
	}

	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access derived wrapping key: %w", err)
	}
	defer buf.Destroy()

	wrapper := aead.NewWrapper()
	if _, err := wrapper.SetConfig(ctx, wrapping.WithKeyId(masterKeyId)); err != nil {
		return nil, fmt.Errorf("failed to configure wrapper: %w", err)
	}
	if err := wrapper.SetAesGcmKeyBytes(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to seed wrapper: %w", err)
	}

	d.logger.Debug().Int("iterations", d.iterations).Msg("Derived wrapping key")
	return wrapper, nil
}
