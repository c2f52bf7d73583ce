package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/device-keyvault/interfaces"
)

// SecretBackendFactory creates secret backends from URI strings and manages
// multi-backend configurations for redundant storage.
type SecretBackendFactory struct {
	log *slog.Logger
}

// NewSecretBackendFactory creates a new factory instance that can create secret backends.
func NewSecretBackendFactory(logger *slog.Logger) *SecretBackendFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecretBackendFactory{
		log: logger,
	}
}

// SecretBackendFor creates a secret backend from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *SecretBackendFactory) SecretBackendFor(location interfaces.StorageBackendLocation) (interfaces.SecretBackend, error) {
	switch strings.ToLower(location.Scheme) {
	case "s3":
		return sf.createS3Backend(location)
	case "file":
		return sf.createFileBackend(location)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// CreateMultiBackend creates a multi-storage backend from a list of location URIs.
// Backends that fail to initialize are skipped with a warning.
// Returns an error if no valid backends could be created from the provided URIs.
func (sf *SecretBackendFactory) CreateMultiBackend(locations []interfaces.StorageBackendLocation) (interfaces.SecretBackend, error) {
	backends := make([]interfaces.SecretBackend, 0, len(locations))

	for _, location := range locations {
		backend, err := sf.SecretBackendFor(location)
		if err != nil {
			sf.log.Warn("Failed to create secret backend",
				"err", err,
				slog.String("locationURI", location.String()))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid secret backends created")
	}
	if len(backends) == 1 {
		return backends[0], nil
	}

	return NewMultiSecretBackend(backends, sf.log), nil
}

// createS3Backend creates an S3 or S3-compatible storage backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
// Without embedded credentials the default AWS credential chain is used.
func (sf *SecretBackendFactory) createS3Backend(location interfaces.StorageBackendLocation) (interfaces.SecretBackend, error) {
	sf.log.Debug("Creating S3 backend", slog.String("uri", location.String()))

	bucketName := location.Host
	if bucketName == "" {
		return nil, fmt.Errorf("%w: missing bucket in %s", interfaces.ErrInvalidLocationURI, location.String())
	}

	region := location.GetParam("region")
	if region == "" {
		region = "us-east-1" // Default region
	}

	var accessKey, secretKey string
	if location.Auth != "" {
		user, pass, _ := strings.Cut(location.Auth, ":")
		accessKey, secretKey = user, pass
		sf.log.Debug("Using embedded credentials")
	}

	return NewS3Backend(bucketName, strings.TrimPrefix(location.Path, "/"), region, location.GetParam("endpoint"), accessKey, secretKey, sf.log)
}

// createFileBackend creates a file system storage backend.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *SecretBackendFactory) createFileBackend(location interfaces.StorageBackendLocation) (interfaces.SecretBackend, error) {
	sf.log.Debug("Creating file backend", slog.String("uri", location.String()))

	path := location.Path
	if location.Host != "" {
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}

	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, location.String())
	}

	return NewFileBackend(path, sf.log)
}
