package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-sector/retail-pos-module-keymanager/types"
)

func testRecord(id string, version int) *types.KeyRecord {
	return &types.KeyRecord{
		Id:            id,
		Algorithm:     types.AlgorithmAES256GCM,
		WrappedKeyHex: "deadbeef",
		IvHex:         "0102030405060708090a0b0c",
		TagHex:        "000102030405060708090a0b0c0d0e0f",
		CreatedAt:     time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Status:        types.KeyStatusActive,
		Version:       version,
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, fs.Put(ctx, testRecord("users_email_key", 1)))
	require.NoError(t, fs.Put(ctx, testRecord("pan_key", 1)))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)

	rec, err := reopened.Get(ctx, "users_email_key")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "deadbeef", rec.WrappedKeyHex)
	assert.Equal(t, types.KeyStatusActive, rec.Status)

	recs, err := reopened.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestFileStoreGetMissingReturnsNil(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	rec, err := fs.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestFileStoreUpdateStatus(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.Put(ctx, testRecord("users_email_key", 1)))
	require.NoError(t, fs.UpdateStatus(ctx, "users_email_key", types.KeyStatusRevoked))

	rec, err := fs.Get(ctx, "users_email_key")
	require.NoError(t, err)
	assert.Equal(t, types.KeyStatusRevoked, rec.Status)

	err = fs.UpdateStatus(ctx, "missing", types.KeyStatusRevoked)
	var notFound *types.KeyNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestFileStoreSetExpiry(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.Put(ctx, testRecord("users_email_key", 1)))

	at := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, fs.SetExpiry(ctx, "users_email_key", at))

	rec, err := fs.Get(ctx, "users_email_key")
	require.NoError(t, err)
	require.NotNil(t, rec.ExpiresAt)
	assert.True(t, rec.ExpiresAt.Equal(at))
}

func TestFileStoreSaltRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	salt, err := fs.LoadSalt(ctx)
	require.NoError(t, err)
	assert.Nil(t, salt)

	require.NoError(t, fs.SaveSalt(ctx, []byte("thirty-two-byte-salt-goes-here!!")))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	salt, err = reopened.LoadSalt(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("thirty-two-byte-salt-goes-here!!"), salt)
}

func TestFileStoreMutationsDoNotLeaveLockBehind(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, fs.Put(ctx, testRecord("users_email_key", i+1)))
	}
	rec, err := fs.Get(ctx, "users_email_key")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Version)
}
