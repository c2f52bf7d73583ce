package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/device-keyvault/interfaces"
)

// FileBackend implements a secret backend using the local file system.
// Each secret is one file named after the secret, readable only by the owner.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a new file storage backend using the specified base directory.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if log == nil {
		log = slog.Default()
	}

	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch retrieves a secret blob from the file system.
// Returns ErrSecretNotFound if the file doesn't exist.
func (b *FileBackend) Fetch(ctx context.Context, name interfaces.SecretName) ([]byte, error) {
	if err := name.Validate(); err != nil {
		return nil, err
	}
	filePath := b.getFilePath(name)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, interfaces.ErrSecretNotFound
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Fetched secret from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Store writes a secret blob, replacing any previous value atomically.
func (b *FileBackend) Store(ctx context.Context, name interfaces.SecretName, data []byte) error {
	if err := name.Validate(); err != nil {
		return err
	}
	filePath := b.getFilePath(name)

	// Write to a temporary file first so readers never see a partial blob
	tmp, err := os.CreateTemp(b.baseDir, "."+name.String()+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set file permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}

	b.log.Debug("Stored secret in file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return nil
}

// Delete removes a secret file. A missing file is not an error.
func (b *FileBackend) Delete(ctx context.Context, name interfaces.SecretName) error {
	if err := name.Validate(); err != nil {
		return err
	}

	if err := os.Remove(b.getFilePath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Available checks if the file backend is accessible by verifying the base directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

// getFilePath generates a file path for a secret name.
func (b *FileBackend) getFilePath(name interfaces.SecretName) string {
	return filepath.Join(b.baseDir, name.String()+".secret")
}
