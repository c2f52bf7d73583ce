package keystore

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/device-keyvault/interfaces"
)

// VaultKeyStoreConfig configures a VaultKeyStore.
type VaultKeyStoreConfig struct {
	// Address is the Vault server address (e.g. https://vault.example.com:8200).
	Address string
	// MountPath is the KV v2 mount (e.g. "secret").
	MountPath string
	// DataPath is the path within the mount (e.g. "devices/host-1").
	DataPath string
	// Token authenticates directly. If empty, ClientCert is used with the cert auth method.
	Token string
	// ClientCert is a TLS client certificate for cert auth.
	ClientCert *tls.Certificate
	// RootCAs verifies the Vault server certificate. Nil means the system pool.
	RootCAs *x509.CertPool
	// Timeout bounds each HTTP request. Zero means 30 seconds.
	Timeout time.Duration
}

// VaultKeyStore implements a key vault on top of HashiCorp Vault's KV v2 engine.
// Keys are written with check-and-set so concurrent generators cannot overwrite each other.
type VaultKeyStore struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	rand        io.Reader
	issued      *handleRegistry
	log         *slog.Logger
	locationURI string
}

// NewVaultKeyStore creates a Vault-backed key store and authenticates against Vault.
func NewVaultKeyStore(ctx context.Context, cfg VaultKeyStoreConfig, log *slog.Logger) (*VaultKeyStore, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	// Create Vault config
	config := api.DefaultConfig()
	config.Address = cfg.Address
	if cfg.ClientCert != nil || cfg.RootCAs != nil {
		tlsConfig := &tls.Config{RootCAs: cfg.RootCAs, MinVersion: tls.VersionTLS12}
		if cfg.ClientCert != nil {
			tlsConfig.Certificates = []tls.Certificate{*cfg.ClientCert}
		}
		config.HttpClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		}
	}
	config.HttpClient.Timeout = cfg.Timeout

	// Create Vault client
	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	switch {
	case cfg.Token != "":
		client.SetToken(cfg.Token)
	case cfg.ClientCert != nil:
		secret, err := client.Logical().WriteWithContext(ctx, "auth/cert/login", nil)
		if err != nil {
			return nil, fmt.Errorf("%w: Vault cert login failed: %v", interfaces.ErrStoreUnavailable, err)
		}
		if secret == nil || secret.Auth == nil {
			return nil, errors.New("Vault cert login returned no token")
		}
		client.SetToken(secret.Auth.ClientToken)
	default:
		return nil, errors.New("Vault token or client certificate is required")
	}

	// Ensure paths are properly formatted
	mountPath := strings.Trim(cfg.MountPath, "/")
	dataPath := strings.Trim(cfg.DataPath, "/")

	return &VaultKeyStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		rand:        rand.Reader,
		issued:      newHandleRegistry(),
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(cfg.Address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

func (s *VaultKeyStore) HasKey(ctx context.Context, alias interfaces.KeyAlias) (bool, error) {
	if err := checkRequest(ctx, alias); err != nil {
		return false, err
	}

	data, err := s.read(ctx, alias)
	if err != nil {
		return false, err
	}
	return data != nil, nil
}

func (s *VaultKeyStore) GenerateKey(ctx context.Context, alias interfaces.KeyAlias, spec interfaces.KeySpec) (interfaces.KeyHandle, error) {
	if err := checkRequest(ctx, alias); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	key, err := newKeyMaterial(s.rand, spec)
	if err != nil {
		return nil, err
	}

	handle, err := newEnclaveHandle(alias, newKeyID(), spec, key)
	if err != nil {
		return nil, err
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key spec: %w", err)
	}

	path := s.dataPathFor(alias)
	err = handle.withKey(func(key []byte) error {
		// cas=0 only succeeds if the alias has never been written or was destroyed
		_, err := s.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
			"options": map[string]interface{}{"cas": 0},
			"data": map[string]interface{}{
				"id":         handle.ID(),
				"spec":       string(specJSON),
				"key":        base64.StdEncoding.EncodeToString(key),
				"created_at": time.Now().UTC().Format(time.RFC3339),
			},
		})
		return err
	})
	if err != nil {
		if isCASMismatch(err) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrKeyExists, alias)
		}
		s.log.Error("Failed to write key to Vault",
			slog.String("path", path),
			slog.String("alias", alias.String()),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	s.log.Info("Generated key in Vault",
		slog.String("alias", alias.String()),
		slog.String("key_id", handle.ID()))

	return s.issued.track(handle), nil
}

func (s *VaultKeyStore) GetKey(ctx context.Context, alias interfaces.KeyAlias) (interfaces.KeyHandle, error) {
	if err := checkRequest(ctx, alias); err != nil {
		return nil, err
	}

	data, err := s.read(ctx, alias)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrKeyNotFound, alias)
	}

	id, _ := data["id"].(string)
	specStr, _ := data["spec"].(string)
	keyStr, _ := data["key"].(string)
	if id == "" || specStr == "" || keyStr == "" {
		return nil, fmt.Errorf("invalid key record format in Vault for %s", alias)
	}

	var spec interfaces.KeySpec
	if err := json.Unmarshal([]byte(specStr), &spec); err != nil {
		return nil, fmt.Errorf("invalid key spec in Vault for %s: %w", alias, err)
	}

	key, err := base64.StdEncoding.DecodeString(keyStr)
	if err != nil {
		return nil, fmt.Errorf("invalid key encoding in Vault for %s: %w", alias, err)
	}

	handle, err := newEnclaveHandle(alias, id, spec, key)
	if err != nil {
		return nil, err
	}
	return s.issued.track(handle), nil
}

func (s *VaultKeyStore) DeleteKey(ctx context.Context, alias interfaces.KeyAlias) error {
	if err := checkRequest(ctx, alias); err != nil {
		return err
	}

	// Deleting metadata destroys every version of the key
	path := fmt.Sprintf("%s/metadata/%s/keys/%s", s.mountPath, s.dataPath, alias)
	if _, err := s.client.Logical().DeleteWithContext(ctx, path); err != nil {
		if isNotFound(err) {
			s.issued.revoke(alias)
			return nil
		}
		s.log.Error("Failed to delete key from Vault",
			slog.String("path", path),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	s.issued.revoke(alias)
	s.log.Info("Deleted key from Vault", slog.String("alias", alias.String()))
	return nil
}

// Available checks that Vault is initialized and unsealed.
func (s *VaultKeyStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := s.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		s.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		s.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

// Name returns a unique identifier for this key store.
func (s *VaultKeyStore) Name() string {
	return fmt.Sprintf("vault-%s-%s", s.mountPath, s.dataPath)
}

// LocationURI returns the URI that identifies this key store.
func (s *VaultKeyStore) LocationURI() string {
	return s.locationURI
}

func (s *VaultKeyStore) dataPathFor(alias interfaces.KeyAlias) string {
	// Vault KV v2 path structure
	return fmt.Sprintf("%s/data/%s/keys/%s", s.mountPath, s.dataPath, alias)
}

// read returns the KV v2 data map for alias, or nil if there is none.
func (s *VaultKeyStore) read(ctx context.Context, alias interfaces.KeyAlias) (map[string]interface{}, error) {
	path := s.dataPathFor(alias)

	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		s.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	// Soft-deleted versions come back with a nil data field
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok || data == nil {
		return nil, nil
	}
	return data, nil
}

func isCASMismatch(err error) bool {
	var respErr *api.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != http.StatusBadRequest {
		return false
	}
	for _, msg := range respErr.Errors {
		if strings.Contains(msg, "check-and-set") {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *api.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
