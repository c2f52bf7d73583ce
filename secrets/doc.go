// Package secrets stores named third-party credentials, such as API keys, at rest.
//
// SecretStore seals each value with kms.KeyManager.EncryptSecret and hands the
// encoded EncryptedBlob to a SecretBackend. Backends only ever hold ciphertext.
// After kms.KeyManager.ResetAllKeys every stored secret fails to decrypt with
// interfaces.ErrAuthenticationFailure and must be stored again.
package secrets
