package memory

import (
	"context"
	"sync"

	"github.com/orgbridge/orgbridge/internal/domain/auth"
)

// AdminKeyStore implements auth.AdminKeyStore with an in-memory map keyed
// by name. Seeded from configuration at startup.
type AdminKeyStore struct {
	keys map[string]*auth.AdminKey
	mu   sync.RWMutex
}

// NewAdminKeyStore creates a store holding the given keys.
func NewAdminKeyStore(keys ...*auth.AdminKey) *AdminKeyStore {
	s := &AdminKeyStore{keys: make(map[string]*auth.AdminKey)}
	for _, k := range keys {
		s.Put(k)
	}
	return s
}

// Put adds or replaces a key by name.
func (s *AdminKeyStore) Put(key *auth.AdminKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keyCopy := *key
	s.keys[key.Name] = &keyCopy
}

// Revoke marks the named key revoked. Returns false if absent.
func (s *AdminKeyStore) Revoke(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[name]
	if ok {
		k.Revoked = true
	}
	return ok
}

// ListAdminKeys returns copies of all keys.
func (s *AdminKeyStore) ListAdminKeys(ctx context.Context) ([]*auth.AdminKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*auth.AdminKey, 0, len(s.keys))
	for _, k := range s.keys {
		keyCopy := *k
		result = append(result, &keyCopy)
	}
	return result, nil
}

var _ auth.AdminKeyStore = (*AdminKeyStore)(nil)
