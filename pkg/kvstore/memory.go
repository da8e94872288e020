package kvstore

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is an ephemeral in-process store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]json.RawMessage)}
}

func (m *Memory) Get(_ context.Context, key string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return cloneRaw(v), nil
}

func (m *Memory) Set(_ context.Context, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = cloneRaw(normalize(value))
	return nil
}

func (m *Memory) GetAll(context.Context) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(m.data))
	for k, v := range m.data {
		out[k] = cloneRaw(v)
	}
	return out, nil
}

// Clear drops every key.
func (m *Memory) Clear() {
	m.mu.Lock()
	m.data = make(map[string]json.RawMessage)
	m.mu.Unlock()
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}
