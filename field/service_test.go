package field

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-sector/retail-pos-module-keymanager/interfaces"
	"github.com/root-sector/retail-pos-module-keymanager/keycipher"
	"github.com/root-sector/retail-pos-module-keymanager/keystore"
	kstore "github.com/root-sector/retail-pos-module-keymanager/keystore/store"
	"github.com/root-sector/retail-pos-module-keymanager/types"
)

type memSink struct {
	mu     sync.Mutex
	events []*types.AuditEvent
}

func (s *memSink) Emit(_ context.Context, event *types.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memSink) fieldPayloads(action types.AuditAction) []types.FieldAccessPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.FieldAccessPayload
	for _, e := range s.events {
		if e.Action != action {
			continue
		}
		if p, ok := e.Payload.(types.FieldAccessPayload); ok {
			out = append(out, p)
		}
	}
	return out
}

// memLocator is an in-memory stand-in for the platform's data-access layer.
type memLocator struct {
	mu      sync.Mutex
	records map[string]map[string]*types.EncryptionEnvelope
}

func newMemLocator() *memLocator {
	return &memLocator{records: make(map[string]map[string]*types.EncryptionEnvelope)}
}

func (l *memLocator) put(table, field, recordId string, env *types.EncryptionEnvelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := table + "." + field
	if l.records[key] == nil {
		l.records[key] = make(map[string]*types.EncryptionEnvelope)
	}
	l.records[key][recordId] = env
}

func (l *memLocator) get(table, field, recordId string) *types.EncryptionEnvelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records[table+"."+field][recordId]
}

func (l *memLocator) LocateRecords(_ context.Context, table, field string) (interfaces.RecordIterator, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var recs []*types.EncryptedRecord
	for id, env := range l.records[table+"."+field] {
		recs = append(recs, &types.EncryptedRecord{RecordId: id, Envelope: env})
	}
	return &sliceIterator{recs: recs}, nil
}

func (l *memLocator) UpdateRecord(_ context.Context, table, field, recordId string, env *types.EncryptionEnvelope) error {
	l.put(table, field, recordId, env)
	return nil
}

type sliceIterator struct {
	recs []*types.EncryptedRecord
	pos  int
}

func (it *sliceIterator) Next(_ context.Context) (*types.EncryptedRecord, error) {
	if it.pos >= len(it.recs) {
		return nil, nil
	}
	rec := it.recs[it.pos]
	it.pos++
	return rec, nil
}

func newTestService(t *testing.T, opts ...Option) (*Service, *keystore.Service, *memSink) {
	t.Helper()
	catalogue, err := kstore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	root := make([]byte, 32)
	_, err = rand.Read(root)
	require.NoError(t, err)
	w := aead.NewWrapper()
	_, err = w.SetConfig(context.Background(), wrapping.WithKeyId("master"))
	require.NoError(t, err)
	require.NoError(t, w.SetAesGcmKeyBytes(root))

	sink := &memSink{}
	keys := keystore.NewService(catalogue, w, sink)
	svc := NewService(keys, keycipher.NewService(), sink, opts...)
	return svc, keys, sink
}

func emailConfig() types.PIIFieldConfig {
	return types.PIIFieldConfig{
		TableName:            "users",
		FieldName:            "email",
		Required:             true,
		RotationIntervalDays: 90,
	}
}

func TestEncryptDecryptFieldRoundTrip(t *testing.T) {
	svc, _, sink := newTestService(t)
	ctx := context.Background()
	svc.AddFieldConfig(emailConfig())

	env, err := svc.EncryptField(ctx, "users", "email", "user-1", "jane@example.com")
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "users_email_key", env.KeyId)
	assert.Equal(t, types.AlgorithmAES256GCM, env.Algorithm)
	assert.NotEmpty(t, env.IV)
	assert.NotEmpty(t, env.Tag)

	value, err := svc.DecryptField(ctx, "users", "email", "user-1", env)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", value)

	encrypts := sink.fieldPayloads(types.ActionFieldEncrypted)
	require.Len(t, encrypts, 1)
	assert.True(t, encrypts[0].Success)
	assert.Equal(t, "user-1", encrypts[0].RecordId)
}

func TestEncryptFieldUnconfigured(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.EncryptField(context.Background(), "users", "email", "user-1", "jane@example.com")
	assert.ErrorIs(t, err, types.ErrFieldNotConfigured)
}

func TestEncryptFieldNotRequiredPassesThrough(t *testing.T) {
	svc, _, _ := newTestService(t)
	cfg := emailConfig()
	cfg.Required = false
	svc.AddFieldConfig(cfg)

	env, err := svc.EncryptField(context.Background(), "users", "email", "user-1", "jane@example.com")
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestEncryptFieldGeneratesKeyOnFirstUse(t *testing.T) {
	svc, keys, _ := newTestService(t)
	ctx := context.Background()
	svc.AddFieldConfig(emailConfig())

	_, err := keys.GetKey(ctx, "users_email_key")
	var notFound *types.KeyNotFoundError
	require.ErrorAs(t, err, &notFound)

	_, err = svc.EncryptField(ctx, "users", "email", "user-1", "jane@example.com")
	require.NoError(t, err)

	key, err := keys.GetKey(ctx, "users_email_key")
	require.NoError(t, err)
	assert.Equal(t, 1, key.Version)
	require.NotNil(t, key.ExpiresAt)

	// Subsequent encrypts reuse the key instead of generating a new version.
	_, err = svc.EncryptField(ctx, "users", "email", "user-2", "john@example.com")
	require.NoError(t, err)
	metas, err := keys.ListKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, metas, 1)
}

func TestDecryptFieldFailureIsAudited(t *testing.T) {
	svc, _, sink := newTestService(t)
	ctx := context.Background()
	svc.AddFieldConfig(emailConfig())

	env, err := svc.EncryptField(ctx, "users", "email", "user-1", "jane@example.com")
	require.NoError(t, err)

	tampered := *env
	tampered.Tag = append(types.HexBytes{}, env.Tag...)
	tampered.Tag[0] ^= 0x01

	_, err = svc.DecryptField(ctx, "users", "email", "user-1", &tampered)
	require.Error(t, err)

	decrypts := sink.fieldPayloads(types.ActionFieldDecrypted)
	require.Len(t, decrypts, 1)
	assert.False(t, decrypts[0].Success)
	assert.NotEmpty(t, decrypts[0].Error)
}

func TestReencryptForKey(t *testing.T) {
	locator := newMemLocator()
	svc, keys, _ := newTestService(t, WithRecordLocator(locator))
	ctx := context.Background()
	svc.AddFieldConfig(emailConfig())

	values := map[string]string{
		"user-1": "jane@example.com",
		"user-2": "john@example.com",
		"user-3": "alex@example.com",
	}
	for id, value := range values {
		env, err := svc.EncryptField(ctx, "users", "email", id, value)
		require.NoError(t, err)
		locator.put("users", "email", id, env)
	}

	newKey, err := keys.GenerateKey(ctx, "users_email_key_v2", types.AlgorithmAES256GCM, 90)
	require.NoError(t, err)

	reencrypted, failed, err := svc.ReencryptForKey(ctx, "users_email_key", newKey)
	require.NoError(t, err)
	assert.Equal(t, 3, reencrypted)
	assert.Equal(t, 0, failed)

	for id, value := range values {
		env := locator.get("users", "email", id)
		require.NotNil(t, env)
		assert.Equal(t, "users_email_key_v2", env.KeyId)

		got, err := svc.DecryptField(ctx, "users", "email", id, env)
		require.NoError(t, err)
		assert.Equal(t, value, got)
	}
}

func TestReencryptForKeyCountsFailures(t *testing.T) {
	locator := newMemLocator()
	svc, keys, _ := newTestService(t, WithRecordLocator(locator))
	ctx := context.Background()
	svc.AddFieldConfig(emailConfig())

	good, err := svc.EncryptField(ctx, "users", "email", "user-1", "jane@example.com")
	require.NoError(t, err)
	locator.put("users", "email", "user-1", good)

	bad, err := svc.EncryptField(ctx, "users", "email", "user-2", "john@example.com")
	require.NoError(t, err)
	bad.Tag = append(types.HexBytes{}, bad.Tag...)
	bad.Tag[0] ^= 0x01
	locator.put("users", "email", "user-2", bad)

	newKey, err := keys.GenerateKey(ctx, "users_email_key_v2", types.AlgorithmAES256GCM, 90)
	require.NoError(t, err)

	reencrypted, failed, err := svc.ReencryptForKey(ctx, "users_email_key", newKey)
	require.NoError(t, err)
	assert.Equal(t, 1, reencrypted)
	assert.Equal(t, 1, failed)

	// The corrupt record keeps its old envelope untouched.
	assert.Equal(t, "users_email_key", locator.get("users", "email", "user-2").KeyId)
}

func TestDecryptFieldNilEnvelope(t *testing.T) {
	svc, _, sink := newTestService(t)
	svc.AddFieldConfig(emailConfig())

	_, err := svc.DecryptField(context.Background(), "users", "email", "user-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "envelope is required")

	// The failed attempt is still audited, with no key to attribute it to.
	decrypts := sink.fieldPayloads(types.ActionFieldDecrypted)
	require.Len(t, decrypts, 1)
	assert.False(t, decrypts[0].Success)
	assert.Empty(t, decrypts[0].KeyId)
}

func TestVerifyField(t *testing.T) {
	svc, _, sink := newTestService(t)
	ctx := context.Background()
	svc.AddFieldConfig(emailConfig())

	env, err := svc.EncryptField(ctx, "users", "email", "user-1", "jane@example.com")
	require.NoError(t, err)
	require.NoError(t, svc.VerifyField(ctx, env))

	tampered := *env
	tampered.Tag = append(types.HexBytes{}, env.Tag...)
	tampered.Tag[0] ^= 0x01
	assert.Error(t, svc.VerifyField(ctx, &tampered))

	// Verification is not a PII read and leaves no decrypt trail.
	assert.Empty(t, sink.fieldPayloads(types.ActionFieldDecrypted))
}

// Rotation scenario: after the family rotates, old ciphertexts stay readable
// through the grace window, new encryptions use the new version, and the
// superseded key expires once grace elapses.
func TestRotationGraceWindow(t *testing.T) {
	catalogue, err := kstore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	root := make([]byte, 32)
	_, err = rand.Read(root)
	require.NoError(t, err)
	w := aead.NewWrapper()
	_, err = w.SetConfig(context.Background(), wrapping.WithKeyId("master"))
	require.NoError(t, err)
	require.NoError(t, w.SetAesGcmKeyBytes(root))

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	keys := keystore.NewService(catalogue, w, nil, keystore.WithClock(clock))
	svc := NewService(keys, keycipher.NewService(), nil, WithClock(clock))
	ctx := context.Background()
	svc.AddFieldConfig(emailConfig())

	oldEnv, err := svc.EncryptField(ctx, "users", "email", "user-1", "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, "users_email_key", oldEnv.KeyId)

	// Rotate: new version takes over, old key gets a 7-day grace expiry.
	_, err = keys.GenerateKey(ctx, "users_email_key_v2", types.AlgorithmAES256GCM, 90)
	require.NoError(t, err)
	require.NoError(t, keys.ExpireKey(ctx, "users_email_key", now.AddDate(0, 0, 7)))

	newEnv, err := svc.EncryptField(ctx, "users", "email", "user-2", "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "users_email_key_v2", newEnv.KeyId)

	// Inside the grace window the old ciphertext still decrypts.
	value, err := svc.DecryptField(ctx, "users", "email", "user-1", oldEnv)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", value)

	// Past the grace window the old key is gone and reported EXPIRED.
	now = now.AddDate(0, 0, 8)
	_, err = svc.DecryptField(ctx, "users", "email", "user-1", oldEnv)
	var notFound *types.KeyNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "users_email_key", notFound.KeyId)

	metas, err := keys.ListKeys(ctx)
	require.NoError(t, err)
	for _, m := range metas {
		if m.Id == "users_email_key" {
			assert.Equal(t, types.KeyStatusExpired, m.Status)
		}
	}
}

func TestFieldConfigRegistry(t *testing.T) {
	svc, _, _ := newTestService(t)

	svc.AddFieldConfig(emailConfig())
	svc.AddFieldConfig(types.PIIFieldConfig{TableName: "payments", FieldName: "pan", Required: true})

	configs := svc.FieldConfigs()
	require.Len(t, configs, 2)
	assert.Equal(t, "payments", configs[0].TableName)
	assert.Equal(t, "users", configs[1].TableName)

	svc.RemoveFieldConfig("payments", "pan")
	assert.Len(t, svc.FieldConfigs(), 1)
}
