package masterkey

import (
	"context"
	"testing"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveIsDeterministic(t *testing.T) {
	d, err := NewDeriver(WithIterations(MinIterations))
	require.NoError(t, err)

	salt, err := GenerateSalt()
	require.NoError(t, err)

	first, err := d.Derive([]byte("pos-operator-secret"), salt)
	require.NoError(t, err)
	second, err := d.Derive([]byte("pos-operator-secret"), salt)
	require.NoError(t, err)

	firstBuf, err := first.Open()
	require.NoError(t, err)
	defer firstBuf.Destroy()
	secondBuf, err := second.Open()
	require.NoError(t, err)
	defer secondBuf.Destroy()

	assert.Equal(t, firstBuf.Bytes(), secondBuf.Bytes())
	assert.Len(t, firstBuf.Bytes(), 32)
}

func TestDeriveDependsOnSalt(t *testing.T) {
	d, err := NewDeriver(WithIterations(MinIterations))
	require.NoError(t, err)

	saltA, err := GenerateSalt()
	require.NoError(t, err)
	saltB, err := GenerateSalt()
	require.NoError(t, err)

	keyA, err := d.Derive([]byte("pos-operator-secret"), saltA)
	require.NoError(t, err)
	keyB, err := d.Derive([]byte("pos-operator-secret"), saltB)
	require.NoError(t, err)

	bufA, err := keyA.Open()
	require.NoError(t, err)
	defer bufA.Destroy()
	bufB, err := keyB.Open()
	require.NoError(t, err)
	defer bufB.Destroy()

	assert.NotEqual(t, bufA.Bytes(), bufB.Bytes())
}

func TestDeriveRequiresSecret(t *testing.T) {
	d, err := NewDeriver()
	require.NoError(t, err)

	salt, err := GenerateSalt()
	require.NoError(t, err)

	_, err = d.Derive(nil, salt)
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestNewDeriverEnforcesIterationFloor(t *testing.T) {
	_, err := NewDeriver(WithIterations(MinIterations - 1))
	assert.Error(t, err)

	_, err = NewDeriver(WithIterations(MinIterations))
	assert.NoError(t, err)
}

func TestWrapperForMissingSecretInProduction(t *testing.T) {
	d, err := NewDeriver(WithProductionMode(true))
	require.NoError(t, err)

	salt, err := GenerateSalt()
	require.NoError(t, err)

	_, err = d.WrapperFor(context.Background(), "", salt)
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestWrapperForRoundTrip(t *testing.T) {
	ctx := context.Background()
	d, err := NewDeriver(WithIterations(MinIterations))
	require.NoError(t, err)

	salt, err := GenerateSalt()
	require.NoError(t, err)

	w, err := d.WrapperFor(ctx, "pos-operator-secret", salt)
	require.NoError(t, err)

	plaintext := []byte("key material under wrap")
	blob, err := w.Encrypt(ctx, plaintext, wrapping.WithAad([]byte("users_email_key")))
	require.NoError(t, err)

	got, err := w.Decrypt(ctx, blob, wrapping.WithAad([]byte("users_email_key")))
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	_, err = w.Decrypt(ctx, blob, wrapping.WithAad([]byte("other_key")))
	assert.Error(t, err)
}
