// Package kms provides the device key manager.
//
// KeyManager owns two logical keys held in a SecureKeyStore:
//
//   - "database": a derivation key. It is only ever used to seal one fixed
//     context (a constant prefix and the installation ID) under an all-zero
//     nonce; the first 32 bytes of the result are the database encryption key.
//   - "secret": a message key. Secrets are sealed with AES-256-GCM under a fresh
//     random nonce per call and returned as cryptoutils.EncryptedBlob values.
//
// # Key Lifecycle
//
// Both keys are generated lazily on first use and persist for as long as the
// store does. ResetAllKeys deletes them; it succeeds even if they never existed.
// After a reset, the next GetDatabaseKey derives a new, different key, so an
// existing encrypted database can no longer be opened. Callers that reset must
// also discard or re-create their encrypted data.
//
// # Why Encryption As Derivation
//
// Keys in a hardware-backed store cannot be exported, which rules out running a
// standard KDF over the key bytes. Sealing a fixed input is the only derivation
// such a store offers. It is safe only while a key+nonce pair sees exactly one
// plaintext, so the derivation context is bound into the key's KeySpec when the
// key is generated and EnvelopeCipher refuses any other input.
//
// # Concurrency
//
// Check-then-generate is serialized per alias inside the process. A store that
// reports ErrKeyExists (another process generated first) is treated as success
// and the existing key is used.
//
// # Usage Example
//
//	store := keystore.NewMemoryKeyStore(logger)
//	manager, err := kms.NewKeyManager(kms.Config{
//	    Store:     store,
//	    InstallID: "com.example.app",
//	    Log:       logger,
//	})
//	if err != nil {
//	    log.Fatalf("Failed to create key manager: %v", err)
//	}
//
//	dbKey, err := manager.GetDatabaseKey(ctx)
//
//	blob, err := manager.EncryptSecret(ctx, "sk-test-12345")
//	apiKey, err := manager.DecryptSecret(ctx, blob)
package kms
