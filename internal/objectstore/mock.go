package objectstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store for tests.
type MockStore struct {
	mu      sync.Mutex
	objects map[string]ObjectMeta
	closed  bool

	// Fail, when set, is returned by every operation.
	Fail error

	// Deleted records every key removed, in order.
	Deleted []string
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{objects: make(map[string]ObjectMeta)}
}

// PutObject seeds an object. Tests only.
func (m *MockStore) PutObject(key string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = ObjectMeta{
		Key:          key,
		Size:         size,
		LastModified: time.Now().UnixMilli(),
	}
}

// Len returns the number of stored objects.
func (m *MockStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func (m *MockStore) check() error {
	if m.closed {
		return &ObjectError{Op: "check", Err: ErrBucketNotFound}
	}
	return m.Fail
}

// Head implements Store.
func (m *MockStore) Head(_ context.Context, key string) (ObjectMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return ObjectMeta{}, err
	}
	meta, ok := m.objects[key]
	if !ok {
		return ObjectMeta{}, &ObjectError{Op: "Head", Key: key, Err: ErrNotFound}
	}
	return meta, nil
}

// Delete implements Store.
func (m *MockStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if _, ok := m.objects[key]; ok {
		delete(m.objects, key)
		m.Deleted = append(m.Deleted, key)
	}
	return nil
}

// DeleteByPrefix implements Store.
func (m *MockStore) DeleteByPrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	n := 0
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
			m.Deleted = append(m.Deleted, key)
			n++
		}
	}
	return n, nil
}

// List implements Store.
func (m *MockStore) List(_ context.Context, prefix string) ([]ObjectMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []ObjectMeta
	for key, meta := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Close implements Store.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Store = (*MockStore)(nil)
