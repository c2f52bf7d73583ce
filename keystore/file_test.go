package keystore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/device-keyvault/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPassphraseWrapper(t *testing.T, passphrase string) KeyWrapper {
	t.Helper()
	wrapper, err := NewPassphraseWrapper([]byte(passphrase))
	require.NoError(t, err)
	return wrapper.WithArgon2Params(testArgon2Params)
}

func TestFileKeyStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault", "keys.db")

	store, err := NewFileKeyStore(path, newTestPassphraseWrapper(t, "passphrase"), FileKeyStoreOptions{}, testLogger())
	require.NoError(t, err)
	assert.True(t, store.Available(ctx))

	handle, err := store.GenerateKey(ctx, interfaces.SecretKeyAlias, interfaces.NewAES256GCMSpec())
	require.NoError(t, err)

	nonce := make([]byte, interfaces.GCMNonceSize)
	ciphertext, err := handle.Seal(nonce, []byte("persisted"), nil)
	require.NoError(t, err)

	_, err = store.GenerateKey(ctx, interfaces.SecretKeyAlias, interfaces.NewAES256GCMSpec())
	require.ErrorIs(t, err, interfaces.ErrKeyExists)
	require.NoError(t, store.Close())

	reopened, err := NewFileKeyStore(path, newTestPassphraseWrapper(t, "passphrase"), FileKeyStoreOptions{}, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	fetched, err := reopened.GetKey(ctx, interfaces.SecretKeyAlias)
	require.NoError(t, err)
	assert.Equal(t, handle.ID(), fetched.ID())
	assert.True(t, fetched.Spec().Equal(handle.Spec()))

	plaintext, err := fetched.Open(nonce, ciphertext, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), plaintext)
}

func TestFileKeyStore_DerivationSpecRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys.db")
	spec := interfaces.NewDerivationSpec([]byte("device-keyvault/database-key/v1:com.example.app"))

	store, err := NewFileKeyStore(path, newTestPassphraseWrapper(t, "passphrase"), FileKeyStoreOptions{}, testLogger())
	require.NoError(t, err)
	_, err = store.GenerateKey(ctx, interfaces.DatabaseKeyAlias, spec)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewFileKeyStore(path, newTestPassphraseWrapper(t, "passphrase"), FileKeyStoreOptions{}, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	handle, err := reopened.GetKey(ctx, interfaces.DatabaseKeyAlias)
	require.NoError(t, err)
	assert.True(t, handle.Spec().Equal(spec))
}

func TestFileKeyStore_WrongPassphrase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys.db")

	store, err := NewFileKeyStore(path, newTestPassphraseWrapper(t, "passphrase"), FileKeyStoreOptions{}, testLogger())
	require.NoError(t, err)
	_, err = store.GenerateKey(ctx, interfaces.SecretKeyAlias, interfaces.NewAES256GCMSpec())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewFileKeyStore(path, newTestPassphraseWrapper(t, "wrong"), FileKeyStoreOptions{}, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	present, err := reopened.HasKey(ctx, interfaces.SecretKeyAlias)
	require.NoError(t, err)
	assert.True(t, present)

	_, err = reopened.GetKey(ctx, interfaces.SecretKeyAlias)
	require.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)
}

func TestFileKeyStore_Delete(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileKeyStore(filepath.Join(t.TempDir(), "keys.db"), newTestPassphraseWrapper(t, "passphrase"), FileKeyStoreOptions{}, testLogger())
	require.NoError(t, err)
	defer store.Close()

	first, err := store.GenerateKey(ctx, interfaces.SecretKeyAlias, interfaces.NewAES256GCMSpec())
	require.NoError(t, err)

	require.NoError(t, store.DeleteKey(ctx, interfaces.SecretKeyAlias))
	require.NoError(t, store.DeleteKey(ctx, interfaces.SecretKeyAlias))

	_, err = store.GetKey(ctx, interfaces.SecretKeyAlias)
	require.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	second, err := store.GenerateKey(ctx, interfaces.SecretKeyAlias, interfaces.NewAES256GCMSpec())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())

	fetched, err := store.GetKey(ctx, interfaces.SecretKeyAlias)
	require.NoError(t, err)
	assert.Equal(t, second.ID(), fetched.ID())

	// Handles to the deleted key stay dead after the alias is regenerated
	nonce := make([]byte, interfaces.GCMNonceSize)
	_, err = first.Seal(nonce, []byte("after delete"), nil)
	require.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	_, err = fetched.Seal(nonce, []byte("after regenerate"), nil)
	require.NoError(t, err)
}

func TestFileKeyStore_LockedByAnotherProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.db")

	store, err := NewFileKeyStore(path, newTestPassphraseWrapper(t, "passphrase"), FileKeyStoreOptions{}, testLogger())
	require.NoError(t, err)
	defer store.Close()

	_, err = NewFileKeyStore(path, newTestPassphraseWrapper(t, "passphrase"), FileKeyStoreOptions{OpenTimeout: 50 * time.Millisecond}, testLogger())
	require.ErrorIs(t, err, interfaces.ErrStoreUnavailable)
}

func TestFileKeyStore_WrapperMismatch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys.db")

	store, err := NewFileKeyStore(path, newTestPassphraseWrapper(t, "passphrase"), FileKeyStoreOptions{}, testLogger())
	require.NoError(t, err)
	_, err = store.GenerateKey(ctx, interfaces.SecretKeyAlias, interfaces.NewAES256GCMSpec())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	kmsWrapper, err := NewAWSKMSWrapper("alias/device-keyvault", "eu-west-1", "")
	require.NoError(t, err)
	reopened, err := NewFileKeyStore(path, kmsWrapper.WithClient(newFakeKMS()), FileKeyStoreOptions{}, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.GetKey(ctx, interfaces.SecretKeyAlias)
	require.Error(t, err)
}
