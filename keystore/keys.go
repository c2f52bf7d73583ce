package keystore

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/device-keyvault/interfaces"
	"go.uber.org/atomic"
)

// newKeyMaterial reads a fresh AES-256 key from r.
func newKeyMaterial(r io.Reader, spec interfaces.KeySpec) ([]byte, error) {
	key := make([]byte, spec.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	return key, nil
}

// newKeyID returns a random identifier for a newly generated key.
func newKeyID() string {
	return uuid.Must(uuid.NewRandom()).String()
}

// checkRequest validates the common preconditions of every store operation.
func checkRequest(ctx context.Context, alias interfaces.KeyAlias) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return alias.Validate()
}

// issuedKey is the deletion flag shared by every handle issued for one key.
type issuedKey struct {
	id      string
	deleted *atomic.Bool
}

// handleRegistry tracks the handles a store has issued so that deleting a key
// invalidates handles callers still hold.
type handleRegistry struct {
	mu   sync.Mutex
	keys map[interfaces.KeyAlias]issuedKey
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{keys: make(map[interfaces.KeyAlias]issuedKey)}
}

// track binds h to the deletion flag of its key. A handle for a different key ID
// under the same alias means the old key is gone, so its handles are revoked.
func (r *handleRegistry) track(h *enclaveHandle) *enclaveHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	issued, ok := r.keys[h.alias]
	if ok && issued.id == h.id {
		h.deleted = issued.deleted
		return h
	}
	if ok {
		issued.deleted.Store(true)
	}
	r.keys[h.alias] = issuedKey{id: h.id, deleted: h.deleted}
	return h
}

// revoke marks every handle issued for alias as deleted.
func (r *handleRegistry) revoke(alias interfaces.KeyAlias) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if issued, ok := r.keys[alias]; ok {
		issued.deleted.Store(true)
		delete(r.keys, alias)
	}
}
