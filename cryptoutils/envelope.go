package cryptoutils

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/ruteri/device-keyvault/interfaces"
)

// EnvelopeCipher performs AES-256-GCM encryption with keys held behind KeyHandle values.
type EnvelopeCipher struct {
	rand io.Reader
}

// NewEnvelopeCipher creates a cipher drawing nonces from crypto/rand.
func NewEnvelopeCipher() *EnvelopeCipher {
	return &EnvelopeCipher{rand: rand.Reader}
}

// WithRandom creates a new EnvelopeCipher drawing nonces from r.
// Used by tests that need a controlled nonce source.
func (c *EnvelopeCipher) WithRandom(r io.Reader) *EnvelopeCipher {
	return &EnvelopeCipher{rand: r}
}

// Encrypt seals plaintext under a fresh random 12-byte nonce.
// Keys reserved for deterministic derivation are refused.
func (c *EnvelopeCipher) Encrypt(handle interfaces.KeyHandle, plaintext []byte) (EncryptedBlob, error) {
	return c.EncryptWithAdditionalData(handle, plaintext, nil)
}

// EncryptWithAdditionalData is Encrypt with additionalData authenticated but not encrypted.
// The blob only opens with the same additionalData.
func (c *EnvelopeCipher) EncryptWithAdditionalData(handle interfaces.KeyHandle, plaintext, additionalData []byte) (EncryptedBlob, error) {
	if err := checkHandle(handle); err != nil {
		return EncryptedBlob{}, err
	}
	if handle.Spec().AllowDeterministic {
		return EncryptedBlob{}, fmt.Errorf("%w: %s is a derivation key", interfaces.ErrDeterministicNotPermitted, handle.Alias())
	}

	// Generate random nonce for AES-GCM
	nonce := make([]byte, interfaces.GCMNonceSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return EncryptedBlob{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext, err := handle.Seal(nonce, plaintext, additionalData)
	if err != nil {
		return EncryptedBlob{}, err
	}
	return EncryptedBlob{ciphertext: ciphertext, nonce: nonce}, nil
}

// Decrypt opens a blob sealed by Encrypt.
// Returns ErrAuthenticationFailure and no plaintext if the tag does not verify.
func (c *EnvelopeCipher) Decrypt(handle interfaces.KeyHandle, blob EncryptedBlob) ([]byte, error) {
	return c.DecryptWithAdditionalData(handle, blob, nil)
}

// DecryptWithAdditionalData opens a blob sealed by EncryptWithAdditionalData.
func (c *EnvelopeCipher) DecryptWithAdditionalData(handle interfaces.KeyHandle, blob EncryptedBlob, additionalData []byte) ([]byte, error) {
	if err := checkHandle(handle); err != nil {
		return nil, err
	}
	if handle.Spec().AllowDeterministic {
		return nil, fmt.Errorf("%w: %s is a derivation key", interfaces.ErrDeterministicNotPermitted, handle.Alias())
	}
	if len(blob.nonce) != interfaces.GCMNonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", interfaces.ErrInvalidBlob, interfaces.GCMNonceSize)
	}

	plaintext, err := handle.Open(blob.nonce, blob.ciphertext, additionalData)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// EncryptDeterministic seals fixedInput under an all-zero nonce.
//
// This is a key derivation step for keys that cannot be exported, not message
// encryption. The key must have been generated with a derivation spec and
// fixedInput must equal the context bound to it, so a key+nonce pair only ever
// sees a single plaintext.
func (c *EnvelopeCipher) EncryptDeterministic(handle interfaces.KeyHandle, fixedInput []byte) ([]byte, error) {
	if err := checkHandle(handle); err != nil {
		return nil, err
	}

	spec := handle.Spec()
	if !spec.AllowDeterministic {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrDeterministicNotPermitted, handle.Alias())
	}
	if len(spec.DerivationContext) == 0 || !bytes.Equal(spec.DerivationContext, fixedInput) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrDeterministicInputMismatch, handle.Alias())
	}

	var zeroNonce [interfaces.GCMNonceSize]byte
	return handle.Seal(zeroNonce[:], fixedInput, nil)
}

func checkHandle(handle interfaces.KeyHandle) error {
	if handle == nil {
		return fmt.Errorf("%w: nil key handle", interfaces.ErrKeyNotFound)
	}
	if handle.NonceSize() != interfaces.GCMNonceSize || handle.Overhead() != interfaces.GCMTagSize {
		return fmt.Errorf("%w: key %s is not AES-GCM with 96-bit nonce", interfaces.ErrUnsupportedAlgorithm, handle.Alias())
	}
	return nil
}
