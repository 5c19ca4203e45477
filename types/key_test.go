package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyFamilyHelpers(t *testing.T) {
	assert.Equal(t, "users_email_key", BaseKeyId("users_email_key"))
	assert.Equal(t, "users_email_key", BaseKeyId("users_email_key_v2"))
	assert.Equal(t, "users_email_key", BaseKeyId("users_email_key_v17"))

	assert.Equal(t, "pan_key_v3", VersionedKeyId("pan_key", 3))

	assert.Equal(t, 1, KeyIdVersion("pan_key"))
	assert.Equal(t, 3, KeyIdVersion("pan_key_v3"))
}

func TestEncryptionKeyNeverSerializesMaterial(t *testing.T) {
	key := EncryptionKey{
		Id:        "users_email_key",
		Algorithm: AlgorithmAES256GCM,
		Material:  []byte("super secret key material bytes!"),
		CreatedAt: time.Now().UTC(),
		Status:    KeyStatusActive,
		Version:   1,
	}

	data, err := json.Marshal(key)
	assert.NoError(t, err)
	assert.NotContains(t, string(data), "super secret")
	assert.NotContains(t, string(data), "material")
}

func TestIsExpired(t *testing.T) {
	now := time.Now().UTC()

	key := EncryptionKey{Status: KeyStatusActive}
	assert.False(t, key.IsExpired(now))

	past := now.Add(-time.Hour)
	key.ExpiresAt = &past
	assert.True(t, key.IsExpired(now))

	future := now.Add(time.Hour)
	key.ExpiresAt = &future
	assert.False(t, key.IsExpired(now))
}
