package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemBackend is a map-backed Backend used by tests and the DR drill
// harness. FailWith lets tests simulate an unreachable destination.
type MemBackend struct {
	name string

	mu      sync.RWMutex
	objects map[string][]byte
	failErr error
	puts    int
	gets    int
}

var _ Backend = (*MemBackend)(nil)

func NewMem(name string) *MemBackend {
	return &MemBackend{name: name, objects: make(map[string][]byte)}
}

func (m *MemBackend) Name() string { return m.name }

// FailWith makes every subsequent call return err; nil restores service.
func (m *MemBackend) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Corrupt flips the first byte of the stored object, for integrity tests.
func (m *MemBackend) Corrupt(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	if !ok || len(data) == 0 {
		return false
	}
	mutated := make([]byte, len(data))
	copy(mutated, data)
	mutated[0] ^= 0xff
	m.objects[path] = mutated
	return true
}

// PutCount reports how many Put calls reached this backend.
func (m *MemBackend) PutCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

func (m *MemBackend) Put(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.failErr != nil {
		return m.failErr
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[path] = stored
	return nil
}

func (m *MemBackend) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.failErr != nil {
		return nil, m.failErr
	}
	data, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemBackend) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return false, m.failErr
	}
	_, ok := m.objects[path]
	return ok, nil
}

func (m *MemBackend) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	delete(m.objects, path)
	return nil
}
