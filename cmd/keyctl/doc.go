// Package main (cmd/keyctl) is the operator CLI for a device key vault.
//
// Commands:
//
//	db-key          - Derive the database key and print its SHA-256 fingerprint
//	secret put      - Encrypt and store a named secret read from stdin
//	secret get      - Print a decrypted secret
//	secret rm       - Delete a stored secret
//	reset --yes     - Destroy all keys; existing encrypted data becomes unreadable
//	status          - Show which keys exist
//
// The key store and secret storage are selected by URI:
//
//	keyctl --install-id=com.example.app \
//	    --keystore='file:///var/lib/keyvault/keys.db?wrap=passphrase' \
//	    --passphrase-file=/run/secrets/keyvault-passphrase \
//	    --secrets=file:///var/lib/keyvault/secrets \
//	    --secrets='s3://keyvault-backup/device-42/?region=eu-west-1' \
//	    secret put openai-api-key < openai-key.txt
//
// Secret values are only accepted on stdin so they never appear in the
// process table or shell history.
//
// The database key itself is never printed. Use the fingerprint to check that
// two runs resolved the same key.
package main
