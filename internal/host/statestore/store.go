// Package statestore persists extension key-value state (the globalState and
// workspaceState mementos) behind a small backend interface.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Backend names accepted by Open
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Scope names for the two mementos
const (
	ScopeGlobal    = "global"
	ScopeWorkspace = "workspace"
	ScopeSecrets   = "secrets"
)

var ErrUnknownBackend = errors.New("unknown state backend")

// Store holds JSON values keyed by (scope, key)
type Store interface {
	Get(ctx context.Context, scope, key string) ([]byte, bool, error)
	Set(ctx context.Context, scope, key string, value []byte) error
	Delete(ctx context.Context, scope, key string) error
	Keys(ctx context.Context, scope string) ([]string, error)
	Close() error
}

// Open returns a store for the named backend. dataDir is only used by sqlite.
func Open(backend, dataDir string) (Store, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		return NewSQLiteStore(dataDir)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
}

// MemoryStore keeps state for the lifetime of the process
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, scope, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[scope][key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *MemoryStore) Set(_ context.Context, scope, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.data[scope]
	if !ok {
		bucket = make(map[string][]byte)
		m.data[scope] = bucket
	}
	v := make([]byte, len(value))
	copy(v, value)
	bucket[key] = v
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[scope], key)
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, scope string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data[scope]))
	for k := range m.data[scope] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Close() error { return nil }
