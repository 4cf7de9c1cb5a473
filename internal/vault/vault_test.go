package vault

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/occam/orchestration-kernel/internal/occamerr"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := New(key, filepath.Join(t.TempDir(), "vault.db"), nil)
	require.NoError(t, err)
	return v
}

func TestStoreAndGet_RoundTrips(t *testing.T) {
	v := newTestVault(t)
	id, err := v.Store("sendgrid", KindAPIKey, "sk-live-secret", nil, nil)
	require.NoError(t, err)

	plaintext, err := v.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-secret", plaintext)
}

func TestGet_TamperedCiphertextFailsIntegrity(t *testing.T) {
	v := newTestVault(t)
	id, err := v.Store("sendgrid", KindAPIKey, "sk-live-secret", nil, nil)
	require.NoError(t, err)

	v.entries[id].Ciphertext[0] ^= 0xFF

	_, err = v.Get(id)
	require.Error(t, err)
	assert.Equal(t, occamerr.IntegrityViolation, occamerr.KindOf(err))
}

func TestRotate_OldIDBecomesUnretrievable(t *testing.T) {
	v := newTestVault(t)
	id, err := v.Store("sendgrid", KindAPIKey, "sk-live-secret", nil, nil)
	require.NoError(t, err)

	newID, err := v.Rotate(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	_, err = v.Get(id)
	assert.Equal(t, occamerr.NotFound, occamerr.KindOf(err))

	plaintext, err := v.Get(newID)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-secret", plaintext)
}

func TestRotateMasterKey_ReencryptsAllEntries(t *testing.T) {
	v := newTestVault(t)
	id, err := v.Store("sendgrid", KindAPIKey, "sk-live-secret", nil, nil)
	require.NoError(t, err)

	newKey := make([]byte, 32)
	for i := range newKey {
		newKey[i] = byte(255 - i)
	}
	require.NoError(t, v.RotateMasterKey(newKey))

	plaintext, err := v.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-secret", plaintext)
}

func TestRotateMasterKey_SurvivesRestartWithNewKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := New(key, path, nil)
	require.NoError(t, err)
	id, err := v.Store("sendgrid", KindAPIKey, "sk-live-secret", nil, nil)
	require.NoError(t, err)

	newKey := make([]byte, 32)
	for i := range newKey {
		newKey[i] = byte(255 - i)
	}
	require.NoError(t, v.RotateMasterKey(newKey))

	// A fresh Vault constructed from the rotated key must decrypt what
	// rotation persisted.
	reopened, err := New(newKey, path, nil)
	require.NoError(t, err)
	plaintext, err := reopened.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-secret", plaintext)

	// The old key no longer decrypts anything.
	stale, err := New(key, path, nil)
	require.NoError(t, err)
	_, err = stale.Get(id)
	require.Error(t, err)
	assert.Equal(t, occamerr.IntegrityViolation, occamerr.KindOf(err))
}

func TestByScope_NeverReturnsPlaintext(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Store("sendgrid", KindAPIKey, "sk-live-secret", nil, map[string]string{"env": "prod"})
	require.NoError(t, err)

	metas := v.ByScope("sendgrid")
	require.Len(t, metas, 1)
	assert.Equal(t, "prod", metas[0].Metadata["env"])
}
