package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrReadOnly is returned by Set on stores that do not accept writes.
var ErrReadOnly = errors.New("kv store is read-only")

// Scope identifies where a store persists its data.
type Scope string

const (
	// ScopeLocal is process memory, cleared when the engine resets
	ScopeLocal Scope = "local"

	// ScopeUserAgent is persisted on the device running the engine
	ScopeUserAgent Scope = "user_agent"

	// ScopeRemote is persisted by the authoritative process
	ScopeRemote Scope = "remote"

	// ScopeShared is visible to every server of an instance
	ScopeShared Scope = "shared"
)

// Validate checks that the scope is one of the known values.
func (s Scope) Validate() error {
	switch s {
	case ScopeLocal, ScopeUserAgent, ScopeRemote, ScopeShared:
		return nil
	default:
		return fmt.Errorf("invalid kv scope: %q", string(s))
	}
}

// Store is the contract every backend implements.
// Values are JSON documents. Get returns (nil, nil) for a missing key.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	GetAll(ctx context.Context) (map[string]json.RawMessage, error)
}

// GetJSON reads key from store and decodes it into v.
// Reports whether the key was present.
func GetJSON(ctx context.Context, store Store, key string, v any) (bool, error) {
	raw, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to decode value for key %q: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and writes it under key.
func SetJSON(ctx context.Context, store Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode value for key %q: %w", key, err)
	}
	return store.Set(ctx, key, raw)
}

// Keys returns the sorted keys of a GetAll result.
func Keys(all map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type readOnly struct {
	Store
}

// ReadOnly wraps store so that Set always fails with ErrReadOnly.
// Used by platform adapters that can serve reads but not writes.
func ReadOnly(store Store) Store {
	return readOnly{store}
}

func (readOnly) Set(context.Context, string, json.RawMessage) error {
	return ErrReadOnly
}

// Stores bundles one store per scope. Nil entries mean the scope is unavailable.
type Stores map[Scope]Store

// Get returns the store for scope, or an error if none is configured.
func (s Stores) Get(scope Scope) (Store, error) {
	store, ok := s[scope]
	if !ok || store == nil {
		return nil, fmt.Errorf("no kv store configured for scope %q", string(scope))
	}
	return store, nil
}

var jsonNull = json.RawMessage("null")

// normalize maps an empty value to JSON null so every backend stores a
// decodable document.
func normalize(value json.RawMessage) json.RawMessage {
	if len(value) == 0 {
		return jsonNull
	}
	return value
}
