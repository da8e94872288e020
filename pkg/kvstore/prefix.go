package kvstore

import (
	"context"
	"encoding/json"
	"strings"
)

type prefixed struct {
	store  Store
	prefix string
}

// Prefixed returns a view of store where every key is stored as prefix+key.
// GetAll only returns keys under the prefix, with the prefix stripped.
func Prefixed(store Store, prefix string) Store {
	return &prefixed{store: store, prefix: prefix}
}

func (p *prefixed) Get(ctx context.Context, key string) (json.RawMessage, error) {
	return p.store.Get(ctx, p.prefix+key)
}

func (p *prefixed) Set(ctx context.Context, key string, value json.RawMessage) error {
	return p.store.Set(ctx, p.prefix+key, value)
}

func (p *prefixed) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	all, err := p.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage)
	for k, v := range all {
		if rest, ok := strings.CutPrefix(k, p.prefix); ok {
			out[rest] = v
		}
	}
	return out, nil
}
