package host

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/HyphaGroup/agentbridge/internal/host/statestore"
)

// Memento is a scoped key-value store of JSON values, standing in for the
// editor's globalState and workspaceState.
type Memento struct {
	store     statestore.Store
	scope     string
	onChanged *EventEmitter[string]
}

func newMemento(store statestore.Store, scope string) *Memento {
	return &Memento{store: store, scope: scope, onChanged: NewEventEmitter[string]()}
}

// Scope returns the storage scope this memento reads and writes
func (m *Memento) Scope() string { return m.scope }

// Get decodes the value stored under key into v. It reports false when the key is absent.
func (m *Memento) Get(key string, v any) (bool, error) {
	raw, ok, err := m.store.Get(context.Background(), m.scope, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode %s/%s: %w", m.scope, key, err)
	}
	return true, nil
}

// GetRaw returns the stored JSON for key
func (m *Memento) GetRaw(key string) (json.RawMessage, bool) {
	raw, ok, err := m.store.Get(context.Background(), m.scope, key)
	if err != nil || !ok {
		return nil, false
	}
	return raw, true
}

// Update stores value under key. A nil value removes the key.
func (m *Memento) Update(key string, value any) error {
	ctx := context.Background()
	if value == nil {
		if err := m.store.Delete(ctx, m.scope, key); err != nil {
			return err
		}
		m.onChanged.Fire(key)
		return nil
	}
	data, ok := value.(json.RawMessage)
	if !ok {
		var err error
		data, err = json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", m.scope, key, err)
		}
	}
	if string(data) == "null" {
		return m.Update(key, nil)
	}
	if err := m.store.Set(ctx, m.scope, key, data); err != nil {
		return err
	}
	m.onChanged.Fire(key)
	return nil
}

// Keys lists the stored keys in sorted order
func (m *Memento) Keys() []string {
	keys, err := m.store.Keys(context.Background(), m.scope)
	if err != nil {
		return nil
	}
	return keys
}

// OnDidChange fires with the key after every successful update
func (m *Memento) OnDidChange(fn func(key string)) Disposable {
	return m.onChanged.Event(fn)
}

// Dispose drops change listeners; stored values are untouched
func (m *Memento) Dispose() { m.onChanged.Dispose() }

// SecretStorage holds credentials in memory only. Values never reach disk.
type SecretStorage struct {
	m *Memento
}

func newSecretStorage() *SecretStorage {
	return &SecretStorage{m: newMemento(statestore.NewMemoryStore(), statestore.ScopeSecrets)}
}

// Get returns the secret for key, or false if unset
func (s *SecretStorage) Get(key string) (string, bool) {
	var v string
	ok, err := s.m.Get(key, &v)
	if err != nil {
		return "", false
	}
	return v, ok
}

// Store sets a secret
func (s *SecretStorage) Store(key, value string) error {
	return s.m.Update(key, value)
}

// Delete removes a secret
func (s *SecretStorage) Delete(key string) error {
	return s.m.Update(key, nil)
}

// OnDidChange fires with the key of every changed secret
func (s *SecretStorage) OnDidChange(fn func(key string)) Disposable {
	return s.m.OnDidChange(fn)
}

func (s *SecretStorage) Dispose() { s.m.Dispose() }
