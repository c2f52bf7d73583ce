package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/device-keyvault/interfaces"
)

// MultiSecretBackend implements interfaces.SecretBackend using multiple backends with fallback.
// Writes go to every available backend; reads return the first hit.
type MultiSecretBackend struct {
	backends []interfaces.SecretBackend
	log      *slog.Logger
}

// NewMultiSecretBackend creates a new multi-storage backend with fallback.
func NewMultiSecretBackend(backends []interfaces.SecretBackend, logger *slog.Logger) *MultiSecretBackend {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiSecretBackend{
		backends: backends,
		log:      logger,
	}
}

// Fetch returns the secret from the first available backend that has it.
// Returns ErrSecretNotFound only if every consulted backend reported it missing.
func (m *MultiSecretBackend) Fetch(ctx context.Context, name interfaces.SecretName) ([]byte, error) {
	start := time.Now()
	var errs []error
	notFound := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("secret", name.String()))
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}

		data, err := backend.Fetch(ctx, name)
		if err == nil {
			m.log.Debug("Fetched secret",
				slog.String("backend_name", backend.Name()),
				slog.String("secret", name.String()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		if errors.Is(err, interfaces.ErrSecretNotFound) {
			notFound++
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("secret", name.String()),
			"err", err)
	}

	if notFound > 0 && notFound == len(errs) {
		return nil, interfaces.ErrSecretNotFound
	}

	m.log.Error("All backends failed to fetch secret",
		slog.String("secret", name.String()),
		slog.Int("failed_backends", len(errs)),
		slog.Duration("duration", time.Since(start)))

	return nil, fmt.Errorf("all backends failed to fetch %s: %w", name, errors.Join(errs...))
}

// Store saves data to all available backends. It succeeds if at least one write succeeds.
func (m *MultiSecretBackend) Store(ctx context.Context, name interfaces.SecretName, data []byte) error {
	start := time.Now()
	var errs []error
	stored := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		if err := backend.Store(ctx, name, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Debug("Failed to store to backend",
				slog.String("backend_name", backend.Name()),
				"err", err)
			continue
		}
		stored++
	}

	if stored == 0 {
		m.log.Error("All backends failed to store secret",
			slog.String("secret", name.String()),
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		if len(errs) == 0 {
			return fmt.Errorf("all backends failed to store %s: %w", name, interfaces.ErrBackendUnavailable)
		}
		return fmt.Errorf("all backends failed to store %s: %w", name, errors.Join(errs...))
	}

	m.log.Info("Stored secret",
		slog.String("secret", name.String()),
		slog.Int("backends", stored),
		slog.Duration("duration", time.Since(start)))

	return nil
}

// Delete removes the secret from every backend. All deletes are attempted.
func (m *MultiSecretBackend) Delete(ctx context.Context, name interfaces.SecretName) error {
	var errs []error
	for _, backend := range m.backends {
		if err := backend.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Available checks if any backend is available.
func (m *MultiSecretBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend.
func (m *MultiSecretBackend) Name() string {
	return "multi-storage"
}

// LocationURI returns a combined location URI of all backends.
func (m *MultiSecretBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}

	return "multi:[" + strings.Join(locations, ",") + "]"
}
