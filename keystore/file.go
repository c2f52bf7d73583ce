package keystore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/boltdb/bolt"
	"github.com/ruteri/device-keyvault/interfaces"
)

var keysBucket = []byte("keys")

// keyRecord is the persisted form of one key. Key material is only ever stored wrapped.
type keyRecord struct {
	ID         string             `json:"id"`
	Spec       interfaces.KeySpec `json:"spec"`
	Wrapper    string             `json:"wrapper"`
	WrappedKey []byte             `json:"wrapped_key"`
	CreatedAt  time.Time          `json:"created_at"`
}

// FileKeyStore implements a persistent key vault in a local bolt database.
// Every key is sealed by a KeyWrapper before it is written, and unwrapped keys
// are kept in memguard enclaves.
type FileKeyStore struct {
	db          *bolt.DB
	path        string
	wrapper     KeyWrapper
	rand        io.Reader
	log         *slog.Logger
	locationURI string

	mu      sync.Mutex
	handles map[interfaces.KeyAlias]*enclaveHandle
	issued  *handleRegistry
}

// FileKeyStoreOptions configures NewFileKeyStore.
type FileKeyStoreOptions struct {
	// OpenTimeout bounds how long to wait for the database file lock.
	// Zero means 5 seconds.
	OpenTimeout time.Duration
}

// NewFileKeyStore opens (creating if needed) the key database at path.
// Returns ErrStoreUnavailable if another process holds the database.
func NewFileKeyStore(path string, wrapper KeyWrapper, opts FileKeyStoreOptions, log *slog.Logger) (*FileKeyStore, error) {
	if wrapper == nil {
		return nil, errors.New("key wrapper is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.OpenTimeout == 0 {
		opts.OpenTimeout = 5 * time.Second
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: opts.OpenTimeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s is locked by another process", interfaces.ErrStoreUnavailable, path)
		}
		return nil, fmt.Errorf("%w: failed to open key database: %v", interfaces.ErrStoreUnavailable, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(keysBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize key database: %w", err)
	}

	return &FileKeyStore{
		db:          db,
		path:        path,
		wrapper:     wrapper,
		rand:        rand.Reader,
		log:         log,
		locationURI: fmt.Sprintf("file://%s?wrap=%s", path, wrapper.Name()),
		handles:     make(map[interfaces.KeyAlias]*enclaveHandle),
		issued:      newHandleRegistry(),
	}, nil
}

// Close releases the database file lock.
func (s *FileKeyStore) Close() error {
	return s.db.Close()
}

func (s *FileKeyStore) HasKey(ctx context.Context, alias interfaces.KeyAlias) (bool, error) {
	if err := checkRequest(ctx, alias); err != nil {
		return false, err
	}

	record, err := s.readRecord(alias)
	if err != nil {
		return false, err
	}
	return record != nil, nil
}

func (s *FileKeyStore) GenerateKey(ctx context.Context, alias interfaces.KeyAlias, spec interfaces.KeySpec) (interfaces.KeyHandle, error) {
	if err := checkRequest(ctx, alias); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.readRecord(alias)
	if err != nil {
		return nil, err
	}
	if existing != nil {
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

	// Wrap outside the database transaction, the wrapper may call out to a remote KMS
	var wrapped []byte
	err = handle.withKey(func(key []byte) error {
		var err error
		wrapped, err = s.wrapper.Wrap(ctx, WrapContext{Alias: alias, KeyID: handle.ID()}, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to wrap key %s: %w", alias, err)
	}

	record := keyRecord{
		ID:         handle.ID(),
		Spec:       spec,
		Wrapper:    s.wrapper.Name(),
		WrappedKey: wrapped,
		CreatedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key record: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(keysBucket)
		if bucket.Get([]byte(alias)) != nil {
			return fmt.Errorf("%w: %s", interfaces.ErrKeyExists, alias)
		}
		return bucket.Put([]byte(alias), data)
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrKeyExists) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: failed to persist key: %v", interfaces.ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	s.handles[alias] = s.issued.track(handle)
	s.mu.Unlock()

	s.log.Info("Generated key in file store",
		slog.String("alias", alias.String()),
		slog.String("key_id", handle.ID()),
		slog.String("wrapper", s.wrapper.Name()))

	return handle, nil
}

func (s *FileKeyStore) GetKey(ctx context.Context, alias interfaces.KeyAlias) (interfaces.KeyHandle, error) {
	if err := checkRequest(ctx, alias); err != nil {
		return nil, err
	}

	record, err := s.readRecord(alias)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrKeyNotFound, alias)
	}

	s.mu.Lock()
	cached, ok := s.handles[alias]
	s.mu.Unlock()
	if ok && cached.ID() == record.ID {
		return cached, nil
	}

	if record.Wrapper != s.wrapper.Name() {
		return nil, fmt.Errorf("key %s was wrapped with %s, store is configured for %s", alias, record.Wrapper, s.wrapper.Name())
	}

	key, err := s.wrapper.Unwrap(ctx, WrapContext{Alias: alias, KeyID: record.ID}, record.WrappedKey)
	if err != nil {
		s.log.Error("Failed to unwrap key",
			slog.String("alias", alias.String()),
			slog.String("key_id", record.ID),
			"err", err)
		return nil, fmt.Errorf("failed to unwrap key %s: %w", alias, err)
	}

	handle, err := newEnclaveHandle(alias, record.ID, record.Spec, key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.handles[alias] = s.issued.track(handle)
	s.mu.Unlock()

	return handle, nil
}

func (s *FileKeyStore) DeleteKey(ctx context.Context, alias interfaces.KeyAlias) error {
	if err := checkRequest(ctx, alias); err != nil {
		return err
	}

	var wrapped []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(keysBucket)
		if data := bucket.Get([]byte(alias)); data != nil {
			wrapped = append([]byte(nil), data...)
		}
		return bucket.Delete([]byte(alias))
	})
	if err != nil {
		return fmt.Errorf("%w: failed to delete key: %v", interfaces.ErrStoreUnavailable, err)
	}
	memguard.WipeBytes(wrapped)

	s.mu.Lock()
	delete(s.handles, alias)
	s.issued.revoke(alias)
	s.mu.Unlock()

	if wrapped != nil {
		s.log.Info("Deleted key from file store", slog.String("alias", alias.String()))
	}
	return nil
}

// Available checks the database file is still present.
func (s *FileKeyStore) Available(ctx context.Context) bool {
	if _, err := os.Stat(s.path); err != nil {
		s.log.Debug("File key store unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this key store.
func (s *FileKeyStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.path))
}

// LocationURI returns the URI that identifies this key store.
func (s *FileKeyStore) LocationURI() string {
	return s.locationURI
}

// readRecord returns nil, nil if alias has no record.
func (s *FileKeyStore) readRecord(alias interfaces.KeyAlias) (*keyRecord, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(keysBucket).Get([]byte(alias)); v != nil {
			// bolt values are only valid inside the transaction
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read key database: %v", interfaces.ErrStoreUnavailable, err)
	}
	if data == nil {
		return nil, nil
	}

	var record keyRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("corrupt key record for %s: %w", alias, err)
	}
	return &record, nil
}
