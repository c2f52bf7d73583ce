package keystore

import (
	"crypto/cipher"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/ruteri/device-keyvault/cryptoutils"
	"github.com/ruteri/device-keyvault/interfaces"
	"go.uber.org/atomic"
)

// enclaveHandle is the KeyHandle shared by all stores in this package.
// Key bytes live in a memguard enclave and are only decrypted into locked
// memory for the duration of a single Seal or Open.
// Once the store deletes the key the handle refuses every operation.
type enclaveHandle struct {
	alias   interfaces.KeyAlias
	id      string
	spec    interfaces.KeySpec
	enclave *memguard.Enclave
	deleted *atomic.Bool
}

// newEnclaveHandle takes ownership of key and wipes it.
func newEnclaveHandle(alias interfaces.KeyAlias, id string, spec interfaces.KeySpec, key []byte) (*enclaveHandle, error) {
	if len(key) != spec.KeySize {
		memguard.WipeBytes(key)
		return nil, fmt.Errorf("%w: key material is %d bytes, spec requires %d", interfaces.ErrUnsupportedAlgorithm, len(key), spec.KeySize)
	}
	return &enclaveHandle{
		alias:   alias,
		id:      id,
		spec:    spec,
		enclave: memguard.NewEnclave(key),
		deleted: atomic.NewBool(false),
	}, nil
}

func (h *enclaveHandle) Alias() interfaces.KeyAlias { return h.alias }
func (h *enclaveHandle) ID() string                 { return h.id }
func (h *enclaveHandle) Spec() interfaces.KeySpec   { return h.spec }
func (h *enclaveHandle) NonceSize() int             { return interfaces.GCMNonceSize }
func (h *enclaveHandle) Overhead() int              { return interfaces.GCMTagSize }

func (h *enclaveHandle) Seal(nonce, plaintext, additionalData []byte) ([]byte, error) {
	var out []byte
	err := h.withAEAD(func(aead cipher.AEAD) error {
		if len(nonce) != aead.NonceSize() {
			return fmt.Errorf("%w: nonce must be %d bytes", interfaces.ErrInvalidBlob, aead.NonceSize())
		}
		out = aead.Seal(nil, nonce, plaintext, additionalData)
		return nil
	})
	return out, err
}

func (h *enclaveHandle) Open(nonce, ciphertext, additionalData []byte) ([]byte, error) {
	var out []byte
	err := h.withAEAD(func(aead cipher.AEAD) error {
		if len(nonce) != aead.NonceSize() {
			return fmt.Errorf("%w: nonce must be %d bytes", interfaces.ErrInvalidBlob, aead.NonceSize())
		}
		plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrAuthenticationFailure, err)
		}
		out = plaintext
		return nil
	})
	return out, err
}

// withKey exposes the key bytes to fn for the lifetime of the call.
// Stores use it to wrap key material before persisting it.
// It must never be reachable through the KeyHandle interface.
func (h *enclaveHandle) withKey(fn func(key []byte) error) error {
	if h.deleted.Load() {
		return fmt.Errorf("%w: %s key %s was deleted", interfaces.ErrKeyNotFound, h.alias, h.id)
	}
	buf, err := h.enclave.Open()
	if err != nil {
		return fmt.Errorf("%w: failed to open key enclave: %v", interfaces.ErrStoreUnavailable, err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

func (h *enclaveHandle) withAEAD(fn func(aead cipher.AEAD) error) error {
	return h.withKey(func(key []byte) error {
		aead, err := cryptoutils.NewAESGCM(key)
		if err != nil {
			return err
		}
		return fn(aead)
	})
}
