package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-sector/retail-pos-module-keymanager/types"
)

func TestNewEventCarriesActor(t *testing.T) {
	ctx := WithActor(context.Background(), "ops@store-42")

	event := NewEvent(ctx, types.ActionKeyGenerated, ResourceKey, "users_email_key", types.KeyLifecyclePayload{
		KeyId:     "users_email_key",
		Algorithm: types.AlgorithmAES256GCM,
		Version:   1,
	})

	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, "ops@store-42", event.Actor)
	assert.Equal(t, types.ActionKeyGenerated, event.Action)
}

func TestActorFromContextDefaultsEmpty(t *testing.T) {
	assert.Empty(t, ActorFromContext(context.Background()))
}

func TestZerologSinkFlattensPayload(t *testing.T) {
	var buf bytes.Buffer
	sink := &ZerologSink{logger: zerolog.New(&buf)}

	event := NewEvent(context.Background(), types.ActionFieldDecrypted, ResourceField, "users.email", types.FieldAccessPayload{
		TableName: "users",
		FieldName: "email",
		RecordId:  "user-1",
		KeyId:     "users_email_key",
		Success:   false,
		Error:     "authentication failed",
	})
	require.NoError(t, sink.Emit(context.Background(), event))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "PII_FIELD_DECRYPTED", line["action"])
	assert.Equal(t, "users", line["tableName"])
	assert.Equal(t, false, line["success"])
	assert.Equal(t, "authentication failed", line["error"])
	assert.NotEmpty(t, line["auditId"])
}

func TestZerologSinkRejectsNilEvent(t *testing.T) {
	sink := NewZerologSink()
	assert.Error(t, sink.Emit(context.Background(), nil))
}
