package keystore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/device-keyvault/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVaultKV serves the subset of the KV v2 API the key store uses.
type fakeVaultKV struct {
	mu      sync.Mutex
	secrets map[string]map[string]interface{}
	sealed  bool
	token   string
	logins  int
}

func newFakeVault(t *testing.T) (*fakeVaultKV, *httptest.Server) {
	fake := &fakeVaultKV{secrets: make(map[string]map[string]interface{}), token: "test-token"}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	return fake, server
}

// newFakeVaultTLS serves the fake over TLS and requires a client certificate on every connection.
func newFakeVaultTLS(t *testing.T) (*fakeVaultKV, *httptest.Server) {
	fake := &fakeVaultKV{secrets: make(map[string]map[string]interface{}), token: "cert-issued-token"}
	server := httptest.NewUnstartedServer(fake)
	server.TLS = &tls.Config{ClientAuth: tls.RequireAnyClientCert}
	server.StartTLS()
	t.Cleanup(server.Close)
	return fake, server
}

func serverCAs(server *httptest.Server) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(server.Certificate())
	return pool
}

func newTestClientCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "device-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func (f *fakeVaultKV) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakeVaultKV) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.secrets[key]
	return ok
}

func (f *fakeVaultKV) setSealed(sealed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sealed = sealed
}

func (f *fakeVaultKV) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (f *fakeVaultKV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/v1/sys/health" {
		f.writeJSON(w, http.StatusOK, map[string]interface{}{"initialized": true, "sealed": f.sealed})
		return
	}

	if r.URL.Path == "/v1/auth/cert/login" {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			f.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": []string{"client certificate must be supplied"}})
			return
		}
		f.logins++
		f.writeJSON(w, http.StatusOK, map[string]interface{}{
			"auth": map[string]interface{}{"client_token": f.token, "renewable": false, "lease_duration": 3600},
		})
		return
	}

	if r.Header.Get("X-Vault-Token") != f.token {
		f.writeJSON(w, http.StatusForbidden, map[string]interface{}{"errors": []string{"permission denied"}})
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch {
	case strings.HasPrefix(path, "secret/data/"):
		key := strings.TrimPrefix(path, "secret/data/")
		switch r.Method {
		case http.MethodGet:
			data, ok := f.secrets[key]
			if !ok {
				f.writeJSON(w, http.StatusNotFound, map[string]interface{}{"errors": []string{}})
				return
			}
			f.writeJSON(w, http.StatusOK, map[string]interface{}{
				"data": map[string]interface{}{
					"data":     data,
					"metadata": map[string]interface{}{"version": 1},
				},
			})
		case http.MethodPut, http.MethodPost:
			var body struct {
				Options map[string]interface{} `json:"options"`
				Data    map[string]interface{} `json:"data"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				f.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": []string{err.Error()}})
				return
			}
			if cas, ok := body.Options["cas"].(float64); ok && cas == 0 {
				if _, exists := f.secrets[key]; exists {
					f.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
						"errors": []string{"check-and-set parameter did not match the current version"},
					})
					return
				}
			}
			f.secrets[key] = body.Data
			f.writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"version": 1}})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case strings.HasPrefix(path, "secret/metadata/") && r.Method == http.MethodDelete:
		delete(f.secrets, strings.TrimPrefix(path, "secret/metadata/"))
		w.WriteHeader(http.StatusNoContent)
	default:
		f.writeJSON(w, http.StatusNotFound, map[string]interface{}{"errors": []string{}})
	}
}

func newTestVaultStore(t *testing.T, address, token string) *VaultKeyStore {
	t.Helper()
	store, err := NewVaultKeyStore(context.Background(), VaultKeyStoreConfig{
		Address:   address,
		MountPath: "secret",
		DataPath:  "devices/test",
		Token:     token,
	}, testLogger())
	require.NoError(t, err)
	return store
}

func TestVaultKeyStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	fake, server := newFakeVault(t)
	store := newTestVaultStore(t, server.URL, fake.token)

	assert.True(t, store.Available(ctx))

	present, err := store.HasKey(ctx, interfaces.SecretKeyAlias)
	require.NoError(t, err)
	assert.False(t, present)

	_, err = store.GetKey(ctx, interfaces.SecretKeyAlias)
	require.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	handle, err := store.GenerateKey(ctx, interfaces.SecretKeyAlias, interfaces.NewAES256GCMSpec())
	require.NoError(t, err)
	assert.True(t, fake.has("devices/test/keys/secret"))

	_, err = store.GenerateKey(ctx, interfaces.SecretKeyAlias, interfaces.NewAES256GCMSpec())
	require.ErrorIs(t, err, interfaces.ErrKeyExists)

	fetched, err := store.GetKey(ctx, interfaces.SecretKeyAlias)
	require.NoError(t, err)
	assert.Equal(t, handle.ID(), fetched.ID())

	nonce := make([]byte, interfaces.GCMNonceSize)
	ciphertext, err := handle.Seal(nonce, []byte("vault"), nil)
	require.NoError(t, err)
	plaintext, err := fetched.Open(nonce, ciphertext, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("vault"), plaintext)

	require.NoError(t, store.DeleteKey(ctx, interfaces.SecretKeyAlias))
	require.NoError(t, store.DeleteKey(ctx, interfaces.SecretKeyAlias))

	present, err = store.HasKey(ctx, interfaces.SecretKeyAlias)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestVaultKeyStore_DerivationSpec(t *testing.T) {
	ctx := context.Background()
	fake, server := newFakeVault(t)
	store := newTestVaultStore(t, server.URL, fake.token)

	spec := interfaces.NewDerivationSpec([]byte("device-keyvault/database-key/v1:com.example.app"))
	_, err := store.GenerateKey(ctx, interfaces.DatabaseKeyAlias, spec)
	require.NoError(t, err)

	handle, err := store.GetKey(ctx, interfaces.DatabaseKeyAlias)
	require.NoError(t, err)
	assert.True(t, handle.Spec().Equal(spec))
}

func TestVaultKeyStore_Unavailable(t *testing.T) {
	ctx := context.Background()
	fake, server := newFakeVault(t)

	store := newTestVaultStore(t, server.URL, "bad-token")
	_, err := store.GetKey(ctx, interfaces.SecretKeyAlias)
	require.ErrorIs(t, err, interfaces.ErrStoreUnavailable)

	fake.setSealed(true)
	assert.False(t, store.Available(ctx))

	server.Close()
	_, err = store.HasKey(ctx, interfaces.SecretKeyAlias)
	require.ErrorIs(t, err, interfaces.ErrStoreUnavailable)
}

func TestVaultKeyStore_CertAuth(t *testing.T) {
	ctx := context.Background()
	fake, server := newFakeVaultTLS(t)
	cert := newTestClientCert(t)

	store, err := NewVaultKeyStore(ctx, VaultKeyStoreConfig{
		Address:    server.URL,
		MountPath:  "secret",
		DataPath:   "devices/test",
		ClientCert: &cert,
		RootCAs:    serverCAs(server),
	}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, fake.loginCount())
	assert.True(t, store.Available(ctx))

	// Requests after login carry the issued token
	_, err = store.GenerateKey(ctx, interfaces.SecretKeyAlias, interfaces.NewAES256GCMSpec())
	require.NoError(t, err)
	assert.True(t, fake.has("devices/test/keys/secret"))

	// The server certificate is not trusted without the CA pool
	_, err = NewVaultKeyStore(ctx, VaultKeyStoreConfig{
		Address:    server.URL,
		MountPath:  "secret",
		DataPath:   "devices/test",
		ClientCert: &cert,
	}, testLogger())
	require.ErrorIs(t, err, interfaces.ErrStoreUnavailable)
	assert.Equal(t, 1, fake.loginCount())
}

func TestVaultKeyStore_DeleteInvalidatesHandles(t *testing.T) {
	ctx := context.Background()
	fake, server := newFakeVault(t)
	store := newTestVaultStore(t, server.URL, fake.token)

	generated, err := store.GenerateKey(ctx, interfaces.SecretKeyAlias, interfaces.NewAES256GCMSpec())
	require.NoError(t, err)
	fetched, err := store.GetKey(ctx, interfaces.SecretKeyAlias)
	require.NoError(t, err)

	require.NoError(t, store.DeleteKey(ctx, interfaces.SecretKeyAlias))

	nonce := make([]byte, interfaces.GCMNonceSize)
	for _, handle := range []interfaces.KeyHandle{generated, fetched} {
		_, err := handle.Seal(nonce, []byte("after delete"), nil)
		require.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	}
}
