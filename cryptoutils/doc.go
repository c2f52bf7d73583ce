// Package cryptoutils provides the symmetric encryption primitives of the key vault.
//
// EnvelopeCipher encrypts with AES-256-GCM through interfaces.KeyHandle values,
// so callers never hold key bytes. Three operations are offered:
//
//   - Encrypt: fresh random 12-byte nonce per call, returns an EncryptedBlob
//   - Decrypt: verifies the GCM tag, returns ErrAuthenticationFailure on any mismatch
//   - EncryptDeterministic: all-zero nonce, restricted to the single derivation
//     context bound into the key's KeySpec
//
// # Encrypted Blob Format
//
// EncryptedBlob.MarshalBinary produces:
//
//	[nonce length (1 byte)][nonce (12 bytes)][ciphertext][tag (16 bytes)]
//
// MarshalText is the same bytes in standard base64.
//
// # Passphrase Sealing
//
// SealWithPassphrase stretches a passphrase with argon2id and seals data with
// AES-256-GCM. Key stores use it to wrap key material at rest:
//
//	[version (1 byte)][salt (16 bytes)][nonce (12 bytes)][ciphertext][tag (16 bytes)]
//
// # Usage Example
//
//	envelope := cryptoutils.NewEnvelopeCipher()
//
//	blob, err := envelope.Encrypt(handle, []byte("sk-test-12345"))
//	if err != nil {
//	    log.Fatalf("Encryption failed: %v", err)
//	}
//
//	plaintext, err := envelope.Decrypt(handle, blob)
//	if errors.Is(err, interfaces.ErrAuthenticationFailure) {
//	    log.Printf("Blob was modified or sealed under another key")
//	}
package cryptoutils
