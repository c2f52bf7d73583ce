package interfaces

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// KeyAlias names a logical key inside a SecureKeyStore.
// It is a lookup key only and never carries key material.
type KeyAlias string

const (
	// DatabaseKeyAlias is the key the database encryption key is derived from.
	DatabaseKeyAlias KeyAlias = "database"
	// SecretKeyAlias is the key used to encrypt stored secrets.
	SecretKeyAlias KeyAlias = "secret"
)

// String returns the alias name.
func (a KeyAlias) String() string {
	return string(a)
}

// Validate checks the alias is usable as a vault lookup key.
func (a KeyAlias) Validate() error {
	if a == "" {
		return errors.New("empty key alias")
	}
	for _, r := range a {
		if r == '/' || r < 0x20 || r == 0x7f {
			return fmt.Errorf("invalid character %q in key alias", r)
		}
	}
	return nil
}

const (
	AlgorithmAES256GCM = "AES-256-GCM"
	BlockModeGCM       = "GCM"
	PaddingNone        = "none"

	// AES256KeySize is the key size in bytes for AES-256.
	AES256KeySize = 32
	// GCMNonceSize is the standard 96-bit GCM nonce size.
	GCMNonceSize = 12
	// GCMTagSize is the size of the authentication tag appended to GCM ciphertexts.
	GCMTagSize = 16
)

// KeySpec records the parameters a key was generated with.
type KeySpec struct {
	Algorithm string `json:"algorithm"`
	KeySize   int    `json:"key_size"`
	BlockMode string `json:"block_mode"`
	Padding   string `json:"padding"`

	// AllowDeterministic permits fixed-nonce use of the key.
	// Such a key is reserved for key derivation and cannot encrypt messages.
	AllowDeterministic bool `json:"allow_deterministic"`

	// DerivationContext is the single input a deterministic key accepts for its lifetime.
	DerivationContext []byte `json:"derivation_context,omitempty"`
}

// NewAES256GCMSpec returns the spec for a randomized-nonce message encryption key.
func NewAES256GCMSpec() KeySpec {
	return KeySpec{
		Algorithm: AlgorithmAES256GCM,
		KeySize:   AES256KeySize,
		BlockMode: BlockModeGCM,
		Padding:   PaddingNone,
	}
}

// NewDerivationSpec returns the spec for a key that is only ever used to derive
// bytes from the given fixed context with an all-zero nonce.
func NewDerivationSpec(derivationContext []byte) KeySpec {
	spec := NewAES256GCMSpec()
	spec.AllowDeterministic = true
	spec.DerivationContext = bytes.Clone(derivationContext)
	return spec
}

// Validate checks the spec describes a key the stores can produce.
func (s KeySpec) Validate() error {
	if s.Algorithm != AlgorithmAES256GCM || s.KeySize != AES256KeySize {
		return fmt.Errorf("%w: %s/%d", ErrUnsupportedAlgorithm, s.Algorithm, s.KeySize*8)
	}
	if s.BlockMode != BlockModeGCM || s.Padding != PaddingNone {
		return fmt.Errorf("%w: block mode %s, padding %s", ErrUnsupportedAlgorithm, s.BlockMode, s.Padding)
	}
	if s.AllowDeterministic && len(s.DerivationContext) == 0 {
		return errors.New("deterministic key spec requires a derivation context")
	}
	if !s.AllowDeterministic && len(s.DerivationContext) != 0 {
		return errors.New("derivation context set on a non-deterministic key spec")
	}
	return nil
}

// Equal reports whether two specs are identical.
func (s KeySpec) Equal(other KeySpec) bool {
	return s.Algorithm == other.Algorithm &&
		s.KeySize == other.KeySize &&
		s.BlockMode == other.BlockMode &&
		s.Padding == other.Padding &&
		s.AllowDeterministic == other.AllowDeterministic &&
		bytes.Equal(s.DerivationContext, other.DerivationContext)
}

// KeyHandle is an opaque reference to a key held by a SecureKeyStore.
// It performs AEAD operations with the key but never exposes the key bytes.
type KeyHandle interface {
	// NonceSize is the nonce length Seal and Open expect.
	NonceSize() int

	// Overhead is the ciphertext expansion, i.e. the tag length.
	Overhead() int

	// Seal encrypts and authenticates plaintext, returning ciphertext with the tag appended.
	Seal(nonce, plaintext, additionalData []byte) ([]byte, error)

	// Open authenticates and decrypts ciphertext. No plaintext is returned on failure.
	Open(nonce, ciphertext, additionalData []byte) ([]byte, error)

	// Alias returns the alias the key is stored under.
	Alias() KeyAlias

	// ID returns the identifier assigned when the key was generated.
	// A regenerated key under the same alias has a different ID.
	ID() string

	// Spec returns the parameters the key was generated with.
	Spec() KeySpec
}

// SecureKeyStore abstracts a hardware or OS backed key vault.
// Raw key material never leaves the store; callers only receive handles.
type SecureKeyStore interface {
	// HasKey reports whether a key exists under alias.
	HasKey(ctx context.Context, alias KeyAlias) (bool, error)

	// GenerateKey creates a new key under alias.
	// Returns ErrKeyExists if the alias is already taken.
	GenerateKey(ctx context.Context, alias KeyAlias, spec KeySpec) (KeyHandle, error)

	// GetKey returns a handle to the key under alias, or ErrKeyNotFound.
	GetKey(ctx context.Context, alias KeyAlias) (KeyHandle, error)

	// DeleteKey removes the key under alias. Deleting an absent alias is not an error.
	// Handles already issued for the key fail with ErrKeyNotFound afterwards.
	DeleteKey(ctx context.Context, alias KeyAlias) error

	// Available checks if the store is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this store.
	LocationURI() string
}

var (
	// ErrKeyNotFound is returned when no key exists under the requested alias.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyExists is returned when generating a key under an alias that is already taken.
	ErrKeyExists = errors.New("key already exists")

	// ErrAuthenticationFailure is returned when GCM tag verification fails: tampered
	// ciphertext, wrong key or corrupted nonce.
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrStoreUnavailable is returned when the key store cannot be accessed,
	// for example because the device is locked or the vault is unreachable.
	ErrStoreUnavailable = errors.New("key store unavailable")

	// ErrUnsupportedAlgorithm is returned when the requested algorithm or key size is not available.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrDeterministicNotPermitted is returned when a key is used in a mode its spec does not allow.
	ErrDeterministicNotPermitted = errors.New("deterministic use not permitted for key")

	// ErrDeterministicInputMismatch is returned when deterministic encryption is requested
	// with an input other than the derivation context bound to the key.
	ErrDeterministicInputMismatch = errors.New("deterministic input does not match key derivation context")

	// ErrInvalidBlob is returned when an encrypted blob is malformed.
	ErrInvalidBlob = errors.New("invalid encrypted blob")

	// ErrInvalidPlaintext is returned when decrypted bytes are not valid UTF-8.
	ErrInvalidPlaintext = errors.New("decrypted secret is not valid UTF-8")
)
