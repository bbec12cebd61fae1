// Package storage provides the durable key-value storage used by the cache
// slow tier, the state store's persisted slices and the offline queue.
package storage

import "sync"

// Store is the durable key-value collaborator. Update with a nil value
// deletes the key. Implementations must be safe for concurrent use.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Update(key string, value []byte) error
	Keys() ([]string, error)
	Close() error
}

// MemoryStore is an in-process Store used by tests and hosts that opt out of
// durability.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Get retrieves a value by key.
func (m *MemoryStore) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	out := append([]byte(nil), v...)
	return out, true, nil
}

// Update stores a value, or deletes the key when value is nil.
func (m *MemoryStore) Update(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if value == nil {
		delete(m.values, key)
		return nil
	}
	m.values[key] = append([]byte(nil), value...)
	return nil
}

// Keys returns all stored keys.
func (m *MemoryStore) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	return keys, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
