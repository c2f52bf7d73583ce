package keystore

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ruteri/device-keyvault/interfaces"
	"go.uber.org/atomic"
)

// MemoryKeyStore is a software-simulated key vault.
// Keys live in memguard enclaves for the lifetime of the process and are lost on exit.
// It stands in for secure hardware in tests and ephemeral deployments.
type MemoryKeyStore struct {
	mu     sync.RWMutex
	keys   map[interfaces.KeyAlias]*enclaveHandle
	issued *handleRegistry

	rand      io.Reader
	locked    atomic.Bool
	generated atomic.Int64
	log       *slog.Logger
}

// NewMemoryKeyStore creates an empty in-memory key store.
func NewMemoryKeyStore(log *slog.Logger) *MemoryKeyStore {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryKeyStore{
		keys:   make(map[interfaces.KeyAlias]*enclaveHandle),
		issued: newHandleRegistry(),
		rand:   rand.Reader,
		log:    log,
	}
}

// WithRandom creates a new, empty MemoryKeyStore drawing key material from r.
// Two stores fed identical streams generate identical keys, which tests rely on.
func (s *MemoryKeyStore) WithRandom(r io.Reader) *MemoryKeyStore {
	newStore := NewMemoryKeyStore(s.log)
	newStore.rand = r
	return newStore
}

// Lock simulates a locked device: every operation fails with ErrStoreUnavailable until Unlock.
func (s *MemoryKeyStore) Lock() {
	s.locked.Store(true)
}

// Unlock reverses Lock.
func (s *MemoryKeyStore) Unlock() {
	s.locked.Store(false)
}

// GeneratedKeys returns how many keys the store has generated since creation.
func (s *MemoryKeyStore) GeneratedKeys() int64 {
	return s.generated.Load()
}

func (s *MemoryKeyStore) HasKey(ctx context.Context, alias interfaces.KeyAlias) (bool, error) {
	if err := s.check(ctx, alias); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[alias]
	return ok, nil
}

func (s *MemoryKeyStore) GenerateKey(ctx context.Context, alias interfaces.KeyAlias, spec interfaces.KeySpec) (interfaces.KeyHandle, error) {
	if err := s.check(ctx, alias); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[alias]; ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrKeyExists, alias)
	}

	key, err := newKeyMaterial(s.rand, spec)
	if err != nil {
		return nil, err
	}

	handle, err := newEnclaveHandle(alias, newKeyID(), spec, key)
	if err != nil {
		return nil, err
	}
	s.keys[alias] = s.issued.track(handle)
	s.generated.Inc()

	s.log.Debug("Generated key in memory store",
		slog.String("alias", alias.String()),
		slog.String("key_id", handle.ID()),
		slog.Bool("deterministic", spec.AllowDeterministic))

	return handle, nil
}

func (s *MemoryKeyStore) GetKey(ctx context.Context, alias interfaces.KeyAlias) (interfaces.KeyHandle, error) {
	if err := s.check(ctx, alias); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	handle, ok := s.keys[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrKeyNotFound, alias)
	}
	return handle, nil
}

func (s *MemoryKeyStore) DeleteKey(ctx context.Context, alias interfaces.KeyAlias) error {
	if err := s.check(ctx, alias); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[alias]; ok {
		delete(s.keys, alias)
		s.issued.revoke(alias)
		s.log.Debug("Deleted key from memory store", slog.String("alias", alias.String()))
	}
	return nil
}

// Available reports false while the store is locked.
func (s *MemoryKeyStore) Available(ctx context.Context) bool {
	return !s.locked.Load()
}

// Name returns a unique identifier for this key store.
func (s *MemoryKeyStore) Name() string {
	return "memory"
}

// LocationURI returns the URI that identifies this key store.
func (s *MemoryKeyStore) LocationURI() string {
	return "memory://"
}

func (s *MemoryKeyStore) check(ctx context.Context, alias interfaces.KeyAlias) error {
	if err := checkRequest(ctx, alias); err != nil {
		return err
	}
	if s.locked.Load() {
		return fmt.Errorf("%w: device locked", interfaces.ErrStoreUnavailable)
	}
	return nil
}
