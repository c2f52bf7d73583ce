package keystore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/device-keyvault/interfaces"
)

// KeyStoreFactory creates key stores from location URIs.
type KeyStoreFactory struct {
	log        *slog.Logger
	passphrase func() ([]byte, error)
	vaultToken string
	tlsAuth    func() (tls.Certificate, error)
	vaultCAs   *x509.CertPool
}

// NewKeyStoreFactory creates a new factory instance.
func NewKeyStoreFactory(log *slog.Logger) *KeyStoreFactory {
	if log == nil {
		log = slog.Default()
	}
	return &KeyStoreFactory{log: log}
}

// WithPassphrase configures how file stores obtain the wrapping passphrase.
// The callback is only invoked when a passphrase-wrapped store is created.
func (f *KeyStoreFactory) WithPassphrase(passphrase func() ([]byte, error)) *KeyStoreFactory {
	newFactory := *f
	newFactory.passphrase = passphrase
	return &newFactory
}

// WithVaultToken configures the token used for vault:// stores.
func (f *KeyStoreFactory) WithVaultToken(token string) *KeyStoreFactory {
	newFactory := *f
	newFactory.vaultToken = token
	return &newFactory
}

// WithTLSAuth configures TLS client certificate authentication for vault:// stores.
func (f *KeyStoreFactory) WithTLSAuth(getCert func() (tls.Certificate, error)) *KeyStoreFactory {
	newFactory := *f
	newFactory.tlsAuth = getCert
	return &newFactory
}

// WithVaultCA configures the pool used to verify the Vault server certificate.
func (f *KeyStoreFactory) WithVaultCA(pool *x509.CertPool) *KeyStoreFactory {
	newFactory := *f
	newFactory.vaultCAs = pool
	return &newFactory
}

// KeyStoreFor creates a key store from a location URI.
//
// Supported schemes:
//   - memory:// - Software-simulated, process-lifetime store
//   - file:///path/keys.db?wrap=passphrase - Bolt database, keys wrapped with argon2id(passphrase)
//   - file:///path/keys.db?wrap=awskms&kms-key-id=alias/x&region=eu-west-1 - keys wrapped by AWS KMS
//   - vault://host:8200/mount/path?tls=false - HashiCorp Vault KV v2
func (f *KeyStoreFactory) KeyStoreFor(ctx context.Context, location interfaces.StorageBackendLocation) (interfaces.SecureKeyStore, error) {
	switch strings.ToLower(location.Scheme) {
	case "memory":
		return NewMemoryKeyStore(f.log), nil
	case "file":
		return f.createFileKeyStore(ctx, location)
	case "vault":
		return f.createVaultKeyStore(ctx, location)
	default:
		return nil, fmt.Errorf("%w: unsupported key store scheme: %s", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

func (f *KeyStoreFactory) createFileKeyStore(ctx context.Context, location interfaces.StorageBackendLocation) (interfaces.SecureKeyStore, error) {
	f.log.Debug("Creating file key store", slog.String("uri", location.String()))

	path := location.Path
	if location.Host != "" {
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, location.String())
	}

	var wrapper KeyWrapper
	switch wrap := location.GetParam("wrap"); wrap {
	case "", "passphrase":
		if f.passphrase == nil {
			return nil, errors.New("passphrase-wrapped key store requires a passphrase source")
		}
		passphrase, err := f.passphrase()
		if err != nil {
			return nil, fmt.Errorf("failed to obtain passphrase: %w", err)
		}
		wrapper, err = NewPassphraseWrapper(passphrase)
		if err != nil {
			return nil, err
		}
	case "awskms":
		var err error
		wrapper, err = NewAWSKMSWrapper(location.GetParam("kms-key-id"), location.GetParam("region"), location.GetParam("endpoint"))
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unsupported key wrapper: %s", interfaces.ErrInvalidLocationURI, wrap)
	}

	return NewFileKeyStore(path, wrapper, FileKeyStoreOptions{}, f.log)
}

func (f *KeyStoreFactory) createVaultKeyStore(ctx context.Context, location interfaces.StorageBackendLocation) (interfaces.SecureKeyStore, error) {
	f.log.Debug("Creating Vault key store", slog.String("uri", location.String()))

	parts := strings.SplitN(strings.Trim(location.Path, "/"), "/", 2)
	if location.Host == "" || len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: expected vault://host:port/mount/path, got %s", interfaces.ErrInvalidLocationURI, location.String())
	}

	scheme := "https"
	if location.Query.Has("tls") && !location.GetParamBool("tls") {
		scheme = "http"
	}

	cfg := VaultKeyStoreConfig{
		Address:   fmt.Sprintf("%s://%s", scheme, location.Host),
		MountPath: parts[0],
		DataPath:  parts[1],
		Token:     f.vaultToken,
		RootCAs:   f.vaultCAs,
	}

	if cfg.Token == "" && f.tlsAuth != nil {
		cert, err := f.tlsAuth()
		if err != nil {
			return nil, fmt.Errorf("failed to obtain TLS client certificate: %w", err)
		}
		cfg.ClientCert = &cert
	}

	return NewVaultKeyStore(ctx, cfg, f.log)
}
