package blob

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and the conservative factory
// mode.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Put stores a blob.
func (s *MemoryStore) Put(ctx context.Context, tenantID, key string, data []byte) error {
	s.mu.Lock()
	s.blobs[objectKey(tenantID, key)] = append([]byte(nil), data...)
	s.mu.Unlock()
	return nil
}

// Get retrieves a blob.
func (s *MemoryStore) Get(ctx context.Context, tenantID, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[objectKey(tenantID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Delete removes a blob.
func (s *MemoryStore) Delete(ctx context.Context, tenantID, key string) error {
	s.mu.Lock()
	delete(s.blobs, objectKey(tenantID, key))
	s.mu.Unlock()
	return nil
}
