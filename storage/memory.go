package storage

import (
	"context"
	"sync"
)

// memKV is an in-memory KV with the same revision semantics as a
// JetStream bucket. Unit tests exercise the conditional-update paths
// against it without a running NATS server.
type memKV struct {
	mu      sync.Mutex
	entries map[string]memEntry
	rev     uint64
}

type memEntry struct {
	value    []byte
	revision uint64
}

// NewMemKV returns an empty in-memory KV.
func NewMemKV() KV {
	return &memKV{entries: make(map[string]memEntry)}
}

func (m *memKV) Create(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return ErrExists
	}
	m.rev++
	m.entries[key] = memEntry{value: clone(value), revision: m.rev}
	return nil
}

func (m *memKV) Get(_ context.Context, key string) ([]byte, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return clone(e.value), e.revision, nil
}

func (m *memKV) Update(_ context.Context, key string, value []byte, revision uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return ErrNotFound
	}
	if e.revision != revision {
		return ErrConflict
	}
	m.rev++
	m.entries[key] = memEntry{value: clone(value), revision: m.rev}
	return nil
}

func (m *memKV) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return ErrNotFound
	}
	delete(m.entries, key)
	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
