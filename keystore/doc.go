// Package keystore provides SecureKeyStore implementations.
//
// Every store hands out the same kind of KeyHandle: key bytes are kept in a
// memguard enclave and only decrypted into locked memory for the duration of
// one Seal or Open. Nothing in the handle's public API returns key material.
//
// # Stores
//
//   - MemoryKeyStore: software-simulated vault. Keys live for the process lifetime.
//     Supports Lock/Unlock to simulate a locked device and an injectable random
//     source for reproducible tests.
//   - FileKeyStore: persistent vault in a bolt database. Each key record is
//     sealed by a KeyWrapper before it is written.
//   - VaultKeyStore: HashiCorp Vault KV v2. Keys are written with check-and-set
//     so two generators racing on one alias cannot overwrite each other.
//
// # Key Wrappers
//
//   - PassphraseWrapper: argon2id(passphrase, salt) -> AES-256-GCM
//   - AWSKMSWrapper: AWS KMS Encrypt/Decrypt under a customer master key
//
// Wrapped records are bound to their alias and key ID, so a record copied to
// another alias fails to unwrap.
//
// # Location URIs
//
//	memory://
//	file:///var/lib/app/keys.db?wrap=passphrase
//	file:///var/lib/app/keys.db?wrap=awskms&kms-key-id=alias/device&region=eu-west-1
//	vault://vault.internal:8200/secret/devices/host-1
//
// # Usage Example
//
//	factory := keystore.NewKeyStoreFactory(logger).WithPassphrase(readPassphrase)
//	location, _ := interfaces.NewStorageBackendLocation("file:///var/lib/app/keys.db")
//	store, err := factory.KeyStoreFor(ctx, location)
//	if err != nil {
//	    log.Fatalf("Failed to open key store: %v", err)
//	}
package keystore
