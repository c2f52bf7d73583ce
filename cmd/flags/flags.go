package flags

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/ruteri/device-keyvault/common"
	"github.com/ruteri/device-keyvault/interfaces"
	"github.com/ruteri/device-keyvault/keystore"
	"github.com/ruteri/device-keyvault/kms"
	"github.com/ruteri/device-keyvault/secrets"
	"github.com/ruteri/device-keyvault/storage"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// OpenKeyManager builds the key store named by --keystore and a KeyManager over it.
// The returned close function releases the store and must be called.
func OpenKeyManager(cCtx *cli.Context, logger *slog.Logger) (*kms.KeyManager, func() error, error) {
	location, err := interfaces.NewStorageBackendLocation(cCtx.String(KeyStoreURIFlag.Name))
	if err != nil {
		return nil, nil, err
	}

	factory := keystore.NewKeyStoreFactory(logger).
		WithPassphrase(func() ([]byte, error) { return readPassphrase(cCtx) }).
		WithVaultToken(cCtx.String(VaultTokenFlag.Name))

	if certFile := cCtx.String(VaultClientCertFlag.Name); certFile != "" {
		keyFile := cCtx.String(VaultClientKeyFlag.Name)
		factory = factory.WithTLSAuth(func() (tls.Certificate, error) {
			return tls.LoadX509KeyPair(certFile, keyFile)
		})
	}
	if caFile := cCtx.String(VaultCACertFlag.Name); caFile != "" {
		pool, err := loadCertPool(caFile)
		if err != nil {
			return nil, nil, err
		}
		factory = factory.WithVaultCA(pool)
	}

	store, err := factory.KeyStoreFor(cCtx.Context, location)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open key store: %w", err)
	}

	closeFn := func() error { return nil }
	if closer, ok := store.(io.Closer); ok {
		closeFn = closer.Close
	}

	if !store.Available(cCtx.Context) {
		closeFn()
		return nil, nil, fmt.Errorf("%w: %s", interfaces.ErrStoreUnavailable, store.LocationURI())
	}

	manager, err := kms.NewKeyManager(kms.Config{
		Store:     store,
		InstallID: cCtx.String(InstallIDFlag.Name),
		Log:       logger,
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	return manager, closeFn, nil
}

// OpenSecretStore builds the secret backends named by --secrets over a key manager.
func OpenSecretStore(cCtx *cli.Context, manager *kms.KeyManager, logger *slog.Logger) (*secrets.SecretStore, error) {
	var locations []interfaces.StorageBackendLocation
	for _, uri := range cCtx.StringSlice(SecretsURIFlag.Name) {
		location, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, err
		}
		locations = append(locations, location)
	}
	if len(locations) == 0 {
		return nil, errors.New("at least one --secrets location is required")
	}

	backend, err := storage.NewSecretBackendFactory(logger).CreateMultiBackend(locations)
	if err != nil {
		return nil, err
	}

	return secrets.NewSecretStore(manager, backend, logger), nil
}

func readPassphrase(cCtx *cli.Context) ([]byte, error) {
	if path := cCtx.String(PassphraseFileFlag.Name); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return bytes.TrimRight(data, "\r\n"), nil
	}
	if passphrase := os.Getenv("KEYVAULT_PASSPHRASE"); passphrase != "" {
		return []byte(passphrase), nil
	}
	return nil, errors.New("no passphrase: set --passphrase-file or KEYVAULT_PASSPHRASE")
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

var KeyStoreURIFlag = &cli.StringFlag{
	Name:    "keystore",
	Value:   "file://./keyvault/keys.db",
	Usage:   "key store location: memory://, file:///path/keys.db[?wrap=passphrase|awskms&kms-key-id=...], vault://host:8200/mount/path",
	EnvVars: []string{"KEYVAULT_KEYSTORE"},
}

var SecretsURIFlag = &cli.StringSliceFlag{
	Name:    "secrets",
	Value:   cli.NewStringSlice("file://./keyvault/secrets"),
	Usage:   "secret storage locations (file://, s3://), repeat for redundancy",
	EnvVars: []string{"KEYVAULT_SECRETS"},
}

var InstallIDFlag = &cli.StringFlag{
	Name:     "install-id",
	Usage:    "stable installation identifier, changing it changes the database key",
	EnvVars:  []string{"KEYVAULT_INSTALL_ID"},
	Required: true,
}

var PassphraseFileFlag = &cli.StringFlag{
	Name:  "passphrase-file",
	Usage: "file holding the passphrase for passphrase-wrapped key stores (default: KEYVAULT_PASSPHRASE)",
}

var VaultTokenFlag = &cli.StringFlag{
	Name:    "vault-token",
	Usage:   "token for vault:// key stores",
	EnvVars: []string{"VAULT_TOKEN"},
}

var VaultClientCertFlag = &cli.StringFlag{
	Name:    "vault-client-cert",
	Usage:   "PEM client certificate for Vault cert auth, used when no token is set",
	EnvVars: []string{"VAULT_CLIENT_CERT"},
}

var VaultClientKeyFlag = &cli.StringFlag{
	Name:    "vault-client-key",
	Usage:   "PEM private key for --vault-client-cert",
	EnvVars: []string{"VAULT_CLIENT_KEY"},
}

var VaultCACertFlag = &cli.StringFlag{
	Name:    "vault-ca-cert",
	Usage:   "PEM CA bundle to verify the Vault server",
	EnvVars: []string{"VAULT_CACERT"},
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var KeyStoreFlags = []cli.Flag{
	KeyStoreURIFlag,
	InstallIDFlag,
	PassphraseFileFlag,
	VaultTokenFlag,
	VaultClientCertFlag,
	VaultClientKeyFlag,
	VaultCACertFlag,
}
