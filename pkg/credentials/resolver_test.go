package credentials

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/promptforge/chainforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEncryptionKey = []byte("0123456789abcdef0123456789abcdef")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestResolver(t *testing.T) (*Resolver, *MemoryKeyStore, *AESGCM) {
	t.Helper()

	cipher, err := NewAESGCM(testEncryptionKey)
	require.NoError(t, err)

	store := NewMemoryKeyStore()

	return NewResolver(store, cipher, testLogger()), store, cipher
}

func TestAESGCMRoundTrip(t *testing.T) {
	cipher, err := NewAESGCM(testEncryptionKey)
	require.NoError(t, err)

	encrypted, err := cipher.Encrypt("sk-live-abc123")
	require.NoError(t, err)
	assert.NotContains(t, encrypted, "sk-live")

	plaintext, err := cipher.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-abc123", plaintext)
}

func TestAESGCMRejectsBadKeySize(t *testing.T) {
	_, err := NewAESGCM([]byte("short"))
	require.Error(t, err)
}

func TestAESGCMRejectsGarbage(t *testing.T) {
	cipher, err := NewAESGCM(testEncryptionKey)
	require.NoError(t, err)

	_, err = cipher.Decrypt("not base64 !!!")
	require.Error(t, err)

	_, err = cipher.Decrypt("YWJj") // too short for a nonce
	require.Error(t, err)
}

func TestResolveWorkspaceKey(t *testing.T) {
	resolver, store, cipher := newTestResolver(t)

	encrypted, err := cipher.Encrypt("sk-workspace")
	require.NoError(t, err)
	store.SetWorkspaceKey("ws-1", "openai", encrypted)

	cred, err := resolver.Resolve(context.Background(), "ws-1", "openai", false)
	require.NoError(t, err)

	assert.Equal(t, models.CredentialSourceWorkspace, cred.Source)
	assert.Equal(t, "sk-workspace", cred.Key)
	assert.False(t, cred.IsMock())
}

func TestResolveSystemFallback(t *testing.T) {
	resolver, store, cipher := newTestResolver(t)

	encrypted, err := cipher.Encrypt("sk-system")
	require.NoError(t, err)
	store.SetSystemKey("anthropic", encrypted)
	store.Entitle("ws-1")

	cred, err := resolver.Resolve(context.Background(), "ws-1", "anthropic", false)
	require.NoError(t, err)

	assert.Equal(t, models.CredentialSourceSystem, cred.Source)
	assert.Equal(t, "sk-system", cred.Key)
}

func TestResolveSystemKeyRequiresEntitlement(t *testing.T) {
	resolver, store, cipher := newTestResolver(t)

	encrypted, err := cipher.Encrypt("sk-system")
	require.NoError(t, err)
	store.SetSystemKey("anthropic", encrypted)

	cred, err := resolver.Resolve(context.Background(), "ws-unentitled", "anthropic", false)
	require.NoError(t, err)

	assert.True(t, cred.IsMock())
}

func TestResolveFallsBackToMock(t *testing.T) {
	resolver, _, _ := newTestResolver(t)

	cred, err := resolver.Resolve(context.Background(), "ws-1", "openai", false)
	require.NoError(t, err)

	assert.Equal(t, models.CredentialSourceMock, cred.Source)
	assert.Empty(t, cred.Key)
}

func TestResolveRequireLiveKey(t *testing.T) {
	resolver, _, _ := newTestResolver(t)

	_, err := resolver.Resolve(context.Background(), "ws-1", "openai", true)
	require.ErrorIs(t, err, ErrCredentialRequired)
}

func TestResolveDecryptionFailureDegradesToMock(t *testing.T) {
	resolver, store, _ := newTestResolver(t)

	store.SetWorkspaceKey("ws-1", "openai", "corrupted-blob")

	cred, err := resolver.Resolve(context.Background(), "ws-1", "openai", false)
	require.NoError(t, err)
	assert.True(t, cred.IsMock())
}

func TestResolveDecryptionFailureWithRequireLive(t *testing.T) {
	resolver, store, _ := newTestResolver(t)

	store.SetWorkspaceKey("ws-1", "openai", "corrupted-blob")

	_, err := resolver.Resolve(context.Background(), "ws-1", "openai", true)
	require.ErrorIs(t, err, ErrCredentialRequired)
}
