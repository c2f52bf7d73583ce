package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/device-keyvault/cryptoutils"
	"github.com/ruteri/device-keyvault/interfaces"
	"github.com/ruteri/device-keyvault/kms"
)

// SecretStore persists named secrets encrypted under the key manager's secret key.
// Each blob is bound to its name, so a blob copied to another name does not decrypt.
type SecretStore struct {
	manager *kms.KeyManager
	backend interfaces.SecretBackend
	log     *slog.Logger
}

// NewSecretStore creates a secret store over a key manager and a blob backend.
func NewSecretStore(manager *kms.KeyManager, backend interfaces.SecretBackend, log *slog.Logger) *SecretStore {
	if log == nil {
		log = slog.Default()
	}
	return &SecretStore{
		manager: manager,
		backend: backend,
		log:     log,
	}
}

// Put encrypts plaintext and stores it under name, replacing any previous value.
func (s *SecretStore) Put(ctx context.Context, name interfaces.SecretName, plaintext string) error {
	if err := name.Validate(); err != nil {
		return err
	}

	blob, err := s.manager.EncryptSecretWithContext(ctx, plaintext, additionalData(name))
	if err != nil {
		return err
	}

	data, err := blob.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode blob: %w", err)
	}

	if err := s.backend.Store(ctx, name, data); err != nil {
		return fmt.Errorf("failed to store secret %s: %w", name, err)
	}

	s.log.Info("Stored secret",
		slog.String("name", name.String()),
		slog.String("backend", s.backend.Name()))
	return nil
}

// Get loads and decrypts the secret stored under name.
// Returns ErrSecretNotFound if it was never stored and ErrAuthenticationFailure
// if the blob was modified or sealed under a different key.
func (s *SecretStore) Get(ctx context.Context, name interfaces.SecretName) (string, error) {
	if err := name.Validate(); err != nil {
		return "", err
	}

	data, err := s.backend.Fetch(ctx, name)
	if err != nil {
		if errors.Is(err, interfaces.ErrSecretNotFound) {
			return "", err
		}
		return "", fmt.Errorf("failed to fetch secret %s: %w", name, err)
	}

	var blob cryptoutils.EncryptedBlob
	if err := blob.UnmarshalBinary(data); err != nil {
		s.log.Warn("Stored secret is malformed", slog.String("name", name.String()), "err", err)
		return "", err
	}

	plaintext, err := s.manager.DecryptSecretWithContext(ctx, blob, additionalData(name))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret %s: %w", name, err)
	}
	return plaintext, nil
}

// Delete removes the secret stored under name. Missing secrets are not an error.
func (s *SecretStore) Delete(ctx context.Context, name interfaces.SecretName) error {
	if err := name.Validate(); err != nil {
		return err
	}
	return s.backend.Delete(ctx, name)
}

func additionalData(name interfaces.SecretName) []byte {
	return []byte("device-keyvault/secret/v1:" + name.String())
}
