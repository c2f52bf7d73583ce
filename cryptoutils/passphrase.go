package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"github.com/ruteri/device-keyvault/interfaces"
	"golang.org/x/crypto/argon2"
)

const (
	passphraseSaltSize = 16
	passphraseVersion  = 1
)

// Argon2Params are the argon2id cost parameters used to stretch a passphrase.
type Argon2Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultArgon2Params follow the argon2id recommendation: time=1, memory=64MiB, threads=4.
var DefaultArgon2Params = Argon2Params{Time: 1, Memory: 64 * 1024, Threads: 4}

// DerivePassphraseKey stretches passphrase into a 32-byte AES key with argon2id.
func DerivePassphraseKey(passphrase, salt []byte, params Argon2Params) []byte {
	return argon2.IDKey(passphrase, salt, params.Time, params.Memory, params.Threads, interfaces.AES256KeySize)
}

// SealWithPassphrase encrypts data under a key stretched from passphrase.
// additionalData is authenticated but not stored.
//
// Format: [version (1 byte)][salt (16 bytes)][nonce (12 bytes)][ciphertext]
func SealWithPassphrase(passphrase, data, additionalData []byte, params Argon2Params) ([]byte, error) {
	salt := make([]byte, passphraseSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := DerivePassphraseKey(passphrase, salt, params)
	defer memguard.WipeBytes(key)

	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, interfaces.GCMNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	ciphertext := aesGCM.Seal(nil, nonce, data, additionalData)

	result := make([]byte, 0, 1+len(salt)+len(nonce)+len(ciphertext))
	result = append(result, passphraseVersion)
	result = append(result, salt...)
	result = append(result, nonce...)
	result = append(result, ciphertext...)
	return result, nil
}

// OpenWithPassphrase decrypts data produced by SealWithPassphrase.
// A wrong passphrase or altered input yields ErrAuthenticationFailure.
func OpenWithPassphrase(passphrase, sealed, additionalData []byte, params Argon2Params) ([]byte, error) {
	headerLen := 1 + passphraseSaltSize + interfaces.GCMNonceSize
	if len(sealed) < headerLen+interfaces.GCMTagSize {
		return nil, errors.New("sealed data too short")
	}
	if sealed[0] != passphraseVersion {
		return nil, fmt.Errorf("unsupported sealed data version %d", sealed[0])
	}

	salt := sealed[1 : 1+passphraseSaltSize]
	nonce := sealed[1+passphraseSaltSize : headerLen]
	ciphertext := sealed[headerLen:]

	key := DerivePassphraseKey(passphrase, salt, params)
	defer memguard.WipeBytes(key)

	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAuthenticationFailure, err)
	}
	return plaintext, nil
}

// NewAESGCM creates an AES-GCM AEAD with the standard 12-byte nonce.
// Returns ErrUnsupportedAlgorithm for keys that are not 32 bytes.
func NewAESGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != interfaces.AES256KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", interfaces.ErrUnsupportedAlgorithm, interfaces.AES256KeySize, len(key))
	}
	return newGCM(key)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	// Create AES cipher
	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create cipher: %v", interfaces.ErrUnsupportedAlgorithm, err)
	}

	// Create GCM mode
	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create GCM: %v", interfaces.ErrUnsupportedAlgorithm, err)
	}
	return aesGCM, nil
}
