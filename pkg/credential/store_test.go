package credential

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcfield/toolplane/pkg/fault"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func createTestCredentialStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(filepath.Join(t.TempDir(), "credentials.db"), testKey, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewStoreRejectsBadKey(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "credentials.db"), []byte("too-short"), zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestGetEphemeralRoundTrip(t *testing.T) {
	store := createTestCredentialStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "web.fetch", "api_key", "sk-secret-value"))

	eph, err := store.GetEphemeral(ctx, "inv-1", "web.fetch", "api_key", time.Minute)
	require.NoError(t, err)

	value, err := eph.Value()
	require.NoError(t, err)
	assert.Equal(t, "sk-secret-value", value)
	assert.Equal(t, "api_key", eph.Name())
	assert.WithinDuration(t, time.Now().Add(time.Minute), eph.ExpiresAt(), 2*time.Second)
}

func TestGetEphemeralNotProvisioned(t *testing.T) {
	store := createTestCredentialStore(t)

	_, err := store.GetEphemeral(context.Background(), "inv-1", "web.fetch", "missing", time.Minute)
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeInvalidCredential))
}

func TestGetEphemeralValidation(t *testing.T) {
	store := createTestCredentialStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "web.fetch", "api_key", "v"))

	_, err := store.GetEphemeral(ctx, "", "web.fetch", "api_key", time.Minute)
	assert.Error(t, err)

	_, err = store.GetEphemeral(ctx, "inv-1", "web.fetch", "api_key", 0)
	assert.Error(t, err)
}

func TestEphemeralExpires(t *testing.T) {
	store := createTestCredentialStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "web.fetch", "api_key", "sk-secret-value"))

	eph, err := store.GetEphemeral(ctx, "inv-1", "web.fetch", "api_key", 20*time.Millisecond)
	require.NoError(t, err)

	_, err = eph.Value()
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = eph.Value()
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeInvalidCredential))
}

func TestScrubInvocationRevokesHandles(t *testing.T) {
	store := createTestCredentialStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "web.fetch", "api_key", "sk-secret-value"))
	require.NoError(t, store.Put(ctx, "web.fetch", "token", "tok-value"))

	first, err := store.GetEphemeral(ctx, "inv-1", "web.fetch", "api_key", time.Hour)
	require.NoError(t, err)
	second, err := store.GetEphemeral(ctx, "inv-1", "web.fetch", "token", time.Hour)
	require.NoError(t, err)

	// A handle for another invocation must survive the scrub.
	other, err := store.GetEphemeral(ctx, "inv-2", "web.fetch", "api_key", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 2, store.ScrubInvocation("inv-1"))

	_, err = first.Value()
	assert.True(t, fault.IsCode(err, fault.CodeInvalidCredential))
	_, err = second.Value()
	assert.True(t, fault.IsCode(err, fault.CodeInvalidCredential))

	value, err := other.Value()
	require.NoError(t, err)
	assert.Equal(t, "sk-secret-value", value)

	// Scrubbing again is a no-op.
	assert.Equal(t, 0, store.ScrubInvocation("inv-1"))
}

func TestSecretsEncryptedAtRest(t *testing.T) {
	store := createTestCredentialStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "web.fetch", "api_key", "sk-secret-value"))

	var raw string
	err := store.db.QueryRow(`SELECT value_enc FROM secrets WHERE tool_id = ? AND name = ?`,
		"web.fetch", "api_key").Scan(&raw)
	require.NoError(t, err)

	assert.NotContains(t, raw, "sk-secret-value")
	assert.NotEmpty(t, raw)
}

func TestWrongKeyFailsDecrypt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.db")
	ctx := context.Background()

	store, err := NewStore(path, testKey, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "web.fetch", "api_key", "sk-secret-value"))
	require.NoError(t, store.Close())

	wrongKey := []byte("ffffffffffffffffffffffffffffffff")
	reopened, err := NewStore(path, wrongKey, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.GetEphemeral(ctx, "inv-1", "web.fetch", "api_key", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decrypt")
}

func TestPutOverwritesExisting(t *testing.T) {
	store := createTestCredentialStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "web.fetch", "api_key", "old"))
	require.NoError(t, store.Put(ctx, "web.fetch", "api_key", "new"))

	eph, err := store.GetEphemeral(ctx, "inv-1", "web.fetch", "api_key", time.Minute)
	require.NoError(t, err)
	value, err := eph.Value()
	require.NoError(t, err)
	assert.Equal(t, "new", value)
}

func TestDeleteRemovesSecret(t *testing.T) {
	store := createTestCredentialStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "web.fetch", "api_key", "sk-secret-value"))
	require.NoError(t, store.Delete(ctx, "web.fetch", "api_key"))

	_, err := store.GetEphemeral(ctx, "inv-1", "web.fetch", "api_key", time.Minute)
	assert.True(t, fault.IsCode(err, fault.CodeInvalidCredential))
}
