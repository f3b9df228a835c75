package kv

import (
	"bytes"
	"sync"
)

// Medium is the shared storage a Store reads and writes.
type Medium interface {
	// Load returns the stored bytes for key. ok is false when the key is absent.
	Load(key string) (value []byte, ok bool, err error)
	Save(key string, value []byte) error
	Delete(key string) error
}

// MemoryMedium is a Medium held in process memory.
type MemoryMedium struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryMedium returns an empty MemoryMedium.
func NewMemoryMedium() *MemoryMedium {
	return &MemoryMedium{data: make(map[string][]byte)}
}

// Load implements Medium.
func (m *MemoryMedium) Load(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

// Save implements Medium.
func (m *MemoryMedium) Save(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = bytes.Clone(value)
	return nil
}

// Delete implements Medium. Deleting an absent key is not an error.
func (m *MemoryMedium) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
