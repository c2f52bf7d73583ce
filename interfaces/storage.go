package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
)

// SecretName identifies a persisted secret, e.g. "openai-api-key".
type SecretName string

var secretNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Validate checks the name is safe to use as a file name and object key.
func (n SecretName) Validate() error {
	if !secretNamePattern.MatchString(string(n)) {
		return fmt.Errorf("%w: %q", ErrInvalidSecretName, string(n))
	}
	return nil
}

// String returns the name.
func (n SecretName) String() string {
	return string(n)
}

// StorageBackendLocation represents URI for a storage backend or key store.
type StorageBackendLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewStorageBackendLocation parses a location URI.
func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}
	if parsed.Scheme == "" {
		return StorageBackendLocation{}, fmt.Errorf("%w: missing scheme in %q", ErrInvalidLocationURI, uri)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return StorageBackendLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc StorageBackendLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc StorageBackendLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

var (
	// ErrSecretNotFound is returned when requested secret cannot be found in the storage backend.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")

	// ErrInvalidSecretName is returned for names that cannot be stored safely.
	ErrInvalidSecretName = errors.New("invalid secret name")
)

// SecretBackend persists encrypted secret blobs by name.
// Backends only ever see ciphertext.
type SecretBackend interface {
	// Fetch retrieves the stored blob for name.
	Fetch(ctx context.Context, name SecretName) ([]byte, error)

	// Store saves data under name, replacing any previous value.
	Store(ctx context.Context, name SecretName, data []byte) error

	// Delete removes name. Deleting an absent name is not an error.
	Delete(ctx context.Context, name SecretName) error

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}
