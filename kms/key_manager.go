package kms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/awnumar/memguard"
	"github.com/ruteri/device-keyvault/cryptoutils"
	"github.com/ruteri/device-keyvault/interfaces"
)

// DatabaseKeySize is the size of the derived database encryption key.
const DatabaseKeySize = 32

// databaseKeyContextPrefix is prepended to the install ID to form the derivation input.
// At 32 bytes it also guarantees the sealed output is long enough to truncate.
const databaseKeyContextPrefix = "device-keyvault/database-key/v1:"

// Config holds the collaborators of a KeyManager.
type Config struct {
	// Store is the vault holding both logical keys.
	Store interfaces.SecureKeyStore

	// InstallID is a stable per-installation identifier, e.g. the application package name.
	// Changing it changes the derived database key.
	InstallID string

	Log *slog.Logger
}

// KeyManager owns the database-key-derivation key and the secret-encryption key.
// Both are generated lazily on first use and only destroyed by ResetAllKeys.
type KeyManager struct {
	store             interfaces.SecureKeyStore
	cipher            *cryptoutils.EnvelopeCipher
	derivationContext []byte
	log               *slog.Logger

	locksMu sync.Mutex
	locks   map[interfaces.KeyAlias]*sync.RWMutex
}

// NewKeyManager creates a KeyManager bound to a store and installation.
func NewKeyManager(cfg Config) (*KeyManager, error) {
	if cfg.Store == nil {
		return nil, errors.New("key store is required")
	}
	if cfg.InstallID == "" {
		return nil, errors.New("install ID is required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return &KeyManager{
		store:             cfg.Store,
		cipher:            cryptoutils.NewEnvelopeCipher(),
		derivationContext: []byte(databaseKeyContextPrefix + cfg.InstallID),
		log:               cfg.Log,
		locks:             make(map[interfaces.KeyAlias]*sync.RWMutex),
	}, nil
}

// WithCipher creates a new KeyManager using the specified envelope cipher.
// Used to control the nonce source in tests.
func (k *KeyManager) WithCipher(cipher *cryptoutils.EnvelopeCipher) *KeyManager {
	return &KeyManager{
		store:             k.store,
		cipher:            cipher,
		derivationContext: k.derivationContext,
		log:               k.log,
		locks:             make(map[interfaces.KeyAlias]*sync.RWMutex),
	}
}

// GetDatabaseKey returns the 32-byte key for the embedded database.
// The value is stable for this installation until ResetAllKeys.
func (k *KeyManager) GetDatabaseKey(ctx context.Context) ([DatabaseKeySize]byte, error) {
	var dbKey [DatabaseKeySize]byte

	var derived []byte
	err := k.withKey(ctx, interfaces.DatabaseKeyAlias, interfaces.NewDerivationSpec(k.derivationContext), func(handle interfaces.KeyHandle) error {
		var err error
		derived, err = k.cipher.EncryptDeterministic(handle, k.derivationContext)
		if err != nil {
			return fmt.Errorf("failed to derive database key: %w", err)
		}
		return nil
	})
	if err != nil {
		return dbKey, err
	}
	defer memguard.WipeBytes(derived)

	if len(derived) < DatabaseKeySize {
		return dbKey, fmt.Errorf("derived key material too short: %d bytes", len(derived))
	}
	copy(dbKey[:], derived[:DatabaseKeySize])

	return dbKey, nil
}

// GetSecretEncryptionKey returns the handle of the secret-encryption key, generating it if absent.
// The handle stops working once the key is deleted, e.g. by ResetAllKeys.
func (k *KeyManager) GetSecretEncryptionKey(ctx context.Context) (interfaces.KeyHandle, error) {
	lock := k.aliasLock(interfaces.SecretKeyAlias)
	lock.Lock()
	defer lock.Unlock()
	return k.getOrGenerate(ctx, interfaces.SecretKeyAlias, interfaces.NewAES256GCMSpec())
}

// EncryptSecret encrypts plaintext under the secret key with a fresh random nonce.
// A concurrent ResetAllKeys waits for the encryption to finish, so the returned
// blob is never sealed under a key that was already deleted.
func (k *KeyManager) EncryptSecret(ctx context.Context, plaintext string) (cryptoutils.EncryptedBlob, error) {
	return k.EncryptSecretWithContext(ctx, plaintext, nil)
}

// EncryptSecretWithContext is EncryptSecret with additional authenticated data.
// The same additionalData must be passed to DecryptSecretWithContext.
func (k *KeyManager) EncryptSecretWithContext(ctx context.Context, plaintext string, additionalData []byte) (cryptoutils.EncryptedBlob, error) {
	var blob cryptoutils.EncryptedBlob
	err := k.withKey(ctx, interfaces.SecretKeyAlias, interfaces.NewAES256GCMSpec(), func(handle interfaces.KeyHandle) error {
		var err error
		blob, err = k.cipher.EncryptWithAdditionalData(handle, []byte(plaintext), additionalData)
		if err != nil {
			return fmt.Errorf("failed to encrypt secret: %w", err)
		}
		return nil
	})
	if err != nil {
		return cryptoutils.EncryptedBlob{}, err
	}
	return blob, nil
}

// DecryptSecret decrypts a blob produced by EncryptSecret.
// Returns ErrAuthenticationFailure on tampering, on a key mismatch, and when no
// secret key exists (a blob cannot verify against a key that was never created).
func (k *KeyManager) DecryptSecret(ctx context.Context, blob cryptoutils.EncryptedBlob) (string, error) {
	return k.DecryptSecretWithContext(ctx, blob, nil)
}

// DecryptSecretWithContext decrypts a blob produced by EncryptSecretWithContext.
// A different additionalData fails with ErrAuthenticationFailure.
func (k *KeyManager) DecryptSecretWithContext(ctx context.Context, blob cryptoutils.EncryptedBlob, additionalData []byte) (string, error) {
	lock := k.aliasLock(interfaces.SecretKeyAlias)
	lock.RLock()
	defer lock.RUnlock()

	handle, err := k.store.GetKey(ctx, interfaces.SecretKeyAlias)
	if err != nil {
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			return "", fmt.Errorf("%w: no secret encryption key", interfaces.ErrAuthenticationFailure)
		}
		return "", err
	}

	plaintext, err := k.cipher.DecryptWithAdditionalData(handle, blob, additionalData)
	if err != nil {
		k.log.Warn("Failed to decrypt secret",
			slog.String("key_id", handle.ID()),
			"err", err)
		return "", err
	}

	if !utf8.Valid(plaintext) {
		memguard.WipeBytes(plaintext)
		return "", interfaces.ErrInvalidPlaintext
	}
	return string(plaintext), nil
}

// ResetAllKeys deletes both logical keys. Keys that never existed are not an error.
// It waits for in-flight operations on each key, and handles obtained earlier stop
// working once their key is deleted.
//
// Data encrypted with the old keys, including the database, becomes unreadable:
// the next GetDatabaseKey derives a different key from a freshly generated one.
func (k *KeyManager) ResetAllKeys(ctx context.Context) error {
	var errs []error

	for _, alias := range []interfaces.KeyAlias{interfaces.DatabaseKeyAlias, interfaces.SecretKeyAlias} {
		lock := k.aliasLock(alias)
		lock.Lock()
		err := k.store.DeleteKey(ctx, alias)
		lock.Unlock()

		if err != nil && !errors.Is(err, interfaces.ErrKeyNotFound) {
			k.log.Error("Failed to delete key", slog.String("alias", alias.String()), "err", err)
			errs = append(errs, fmt.Errorf("failed to delete %s key: %w", alias, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	k.log.Warn("All keys reset, data encrypted with previous keys is no longer readable",
		slog.String("store", k.store.Name()))
	return nil
}

// KeyStatus reports which logical keys currently exist.
func (k *KeyManager) KeyStatus(ctx context.Context) (map[interfaces.KeyAlias]bool, error) {
	status := make(map[interfaces.KeyAlias]bool, 2)
	for _, alias := range []interfaces.KeyAlias{interfaces.DatabaseKeyAlias, interfaces.SecretKeyAlias} {
		present, err := k.store.HasKey(ctx, alias)
		if err != nil {
			return nil, err
		}
		status[alias] = present
	}
	return status, nil
}

// withKey runs fn with the key under alias, generating it with spec if absent.
// The alias lock is held while fn runs, so ResetAllKeys cannot delete the key
// in the middle of an operation.
func (k *KeyManager) withKey(ctx context.Context, alias interfaces.KeyAlias, spec interfaces.KeySpec, fn func(handle interfaces.KeyHandle) error) error {
	lock := k.aliasLock(alias)

	lock.RLock()
	handle, err := k.store.GetKey(ctx, alias)
	if err != nil {
		lock.RUnlock()
		if !errors.Is(err, interfaces.ErrKeyNotFound) {
			return fmt.Errorf("failed to get %s key: %w", alias, err)
		}
	} else {
		err = fn(handle)
		lock.RUnlock()
		// ErrKeyNotFound here means the key was deleted through another manager
		if !errors.Is(err, interfaces.ErrKeyNotFound) {
			return err
		}
	}

	lock.Lock()
	defer lock.Unlock()
	handle, err = k.getOrGenerate(ctx, alias, spec)
	if err != nil {
		return err
	}
	return fn(handle)
}

// getOrGenerate returns the key under alias, generating it with spec if absent.
// Callers hold the alias write lock, which serializes check-then-generate within
// this process; ErrKeyExists covers a generator in another process winning the race.
func (k *KeyManager) getOrGenerate(ctx context.Context, alias interfaces.KeyAlias, spec interfaces.KeySpec) (interfaces.KeyHandle, error) {
	handle, err := k.store.GetKey(ctx, alias)
	if err == nil {
		return handle, nil
	}
	if !errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, fmt.Errorf("failed to get %s key: %w", alias, err)
	}

	handle, err = k.store.GenerateKey(ctx, alias, spec)
	if errors.Is(err, interfaces.ErrKeyExists) {
		k.log.Debug("Key generated concurrently, using existing", slog.String("alias", alias.String()))
		handle, err = k.store.GetKey(ctx, alias)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s key: %w", alias, err)
		}
		return handle, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", alias, err)
	}

	k.log.Info("Generated key",
		slog.String("alias", alias.String()),
		slog.String("key_id", handle.ID()),
		slog.String("store", k.store.Name()))

	return handle, nil
}

func (k *KeyManager) aliasLock(alias interfaces.KeyAlias) *sync.RWMutex {
	k.locksMu.Lock()
	defer k.locksMu.Unlock()

	lock, ok := k.locks[alias]
	if !ok {
		lock = &sync.RWMutex{}
		k.locks[alias] = lock
	}
	return lock
}
