// Package interfaces defines core interfaces and types for the device key vault,
// separating interface definitions from implementations.
//
// # Key Store Interfaces
//
// SecureKeyStore: Abstracts a hardware or OS backed key vault. Keys are generated,
// fetched and deleted by alias; callers only ever receive KeyHandle values which
// perform AEAD operations without exposing key bytes.
//
// KeyHandle: An opaque reference to a stored key. Seal and Open behave like
// cipher.AEAD but return errors, since the key may first have to be unsealed
// from protected memory. A handle also reports its alias, generation ID and KeySpec.
//
// # Storage Interfaces
//
// SecretBackend: Persists encrypted secret blobs by name across backend types
// (file, S3, multi).
//
// # Key Types
//
//   - KeyAlias: "database" and "secret" logical keys
//   - KeySpec: algorithm, block mode, padding and deterministic-use policy
//   - SecretName: validated name of a persisted secret
//   - StorageBackendLocation: parsed backend URI
//
// # Error Types
//
// Key store and cipher operations return these sentinel errors, possibly wrapped:
//
//	ErrKeyNotFound            // alias has no key
//	ErrKeyExists              // alias already has a key
//	ErrAuthenticationFailure  // GCM tag did not verify
//	ErrStoreUnavailable       // vault locked or unreachable
//	ErrUnsupportedAlgorithm   // AES-256-GCM not available for the request
//	ErrInvalidBlob            // malformed encrypted blob
//
// Callers should test for them with errors.Is.
package interfaces
