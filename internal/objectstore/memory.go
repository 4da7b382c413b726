package objectstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Object is one stored blob in a MemoryBackend.
type Object struct {
	Data         []byte
	ContentType  string
	CacheControl string
}

// MemoryBackend keeps objects in a map. It is safe for concurrent use and
// counts calls so tests can assert how much network work a run would do.
type MemoryBackend struct {
	mu      sync.Mutex
	objects map[string]Object

	Puts    int
	Gets    int
	Deletes int

	// Fail, when set, is consulted before every call; a non-nil result is
	// returned instead of performing the operation.
	Fail func(op, key string) error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string]Object)}
}

func (m *MemoryBackend) Put(_ context.Context, key string, data []byte, contentType, cacheControl string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Puts++
	if err := m.fail("put", key); err != nil {
		return err
	}
	m.objects[key] = Object{Data: append([]byte(nil), data...), ContentType: contentType, CacheControl: cacheControl}
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gets++
	if err := m.fail("get", key); err != nil {
		return nil, err
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), obj.Data...), nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deletes++
	if err := m.fail("delete", key); err != nil {
		return err
	}
	delete(m.objects, key)
	return nil
}

func (m *MemoryBackend) fail(op, key string) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(op, key)
}

// Object returns a stored object by key.
func (m *MemoryBackend) Object(key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}

// Keys returns every stored key in sorted order.
func (m *MemoryBackend) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Calls returns the total number of backend calls made so far.
func (m *MemoryBackend) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Puts + m.Gets + m.Deletes
}
