// Package storage provides pluggable backends for encrypted secret blobs.
//
// Backends store opaque bytes by secret name. They never see plaintext: the
// secrets package encrypts before Store and decrypts after Fetch, so a backend
// only needs to be durable, not confidential.
//
//   - File system storage for devices and local development
//   - S3-compatible storage for backups and fleet deployments
//
// # Storage URI Format
//
// Backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/keyvault/secrets/
//   - s3://bucket-name/prefix/?region=us-west-2
//   - s3://ACCESS_KEY:SECRET_KEY@bucket-name/prefix/?endpoint=http://minio:9000
//
// Each secret maps to one file (<dir>/<name>.secret, mode 0600) or one object
// (<prefix>/<name>). Secret names are validated before any path is built.
//
// # Multi-Backend Storage
//
// MultiSecretBackend aggregates multiple backends for redundancy:
//
//   - Store: Writes to all available backends, succeeds if any write does
//   - Fetch: Tries each available backend until the secret is found
//   - Delete: Deletes from every backend
//   - Available: Returns true if any backend is available
//
// # Usage Example
//
//	factory := storage.NewSecretBackendFactory(logger)
//
//	location, err := interfaces.NewStorageBackendLocation("file:///var/lib/keyvault/secrets/")
//	if err != nil {
//	    log.Fatalf("Invalid location: %v", err)
//	}
//
//	backend, err := factory.SecretBackendFor(location)
//	if err != nil {
//	    log.Fatalf("Failed to create file backend: %v", err)
//	}
//
//	err = backend.Store(ctx, "openai-api-key", blobBytes)
//	data, err := backend.Fetch(ctx, "openai-api-key")
package storage
