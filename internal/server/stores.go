package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jamtools/springboard/internal/config"
	"github.com/jamtools/springboard/pkg/kvstore"
	"github.com/redis/go-redis/v9"
)

// Stores holds the opened kv stores and the resources behind them.
type Stores struct {
	kvstore.Stores

	// Shared is the Redis store of the shared scope, nil when not configured.
	Shared *kvstore.Redis

	closers []io.Closer
}

// Close closes every opened backend.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Ping checks every store that can be pinged.
func (s *Stores) Ping(ctx context.Context) error {
	for scope, store := range s.Stores {
		p, ok := store.(interface{ Ping(context.Context) error })
		if !ok {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("%s store: %w", scope, err)
		}
	}
	return nil
}

// OpenStores opens the backend configured for each kv scope. Directories for
// file backends are created as needed. On error nothing is left open.
func OpenStores(cfg *config.SpringboardConfig) (*Stores, error) {
	stores := &Stores{Stores: make(kvstore.Stores)}

	scopes := []struct {
		scope   kvstore.Scope
		backend *config.BackendConfig
	}{
		{kvstore.ScopeUserAgent, cfg.Storage.UserAgent},
		{kvstore.ScopeRemote, cfg.Storage.Remote},
		{kvstore.ScopeShared, cfg.Storage.Shared},
	}
	for _, s := range scopes {
		if s.backend == nil {
			continue
		}
		store, err := stores.open(cfg, s.scope, s.backend)
		if err != nil {
			stores.Close()
			return nil, fmt.Errorf("failed to open %s store: %w", s.scope, err)
		}
		if s.backend.ReadOnly {
			store = kvstore.ReadOnly(store)
		}
		stores.Stores[s.scope] = store
	}
	return stores, nil
}

func (s *Stores) open(cfg *config.SpringboardConfig, scope kvstore.Scope, b *config.BackendConfig) (kvstore.Store, error) {
	switch b.Backend {
	case config.BackendMemory:
		return kvstore.NewMemory(), nil

	case config.BackendBolt:
		if err := ensureDir(b.Path); err != nil {
			return nil, err
		}
		db, err := kvstore.OpenBolt(b.Path, cfg.InstanceName)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db)
		return db, nil

	case config.BackendSQLite:
		if err := ensureDir(b.Path); err != nil {
			return nil, err
		}
		db, err := kvstore.OpenSQLite(b.Path)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db)
		return db, nil

	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		// The shared scope is visible to every server of the instance; other
		// scopes get a namespace of their own.
		namespace := cfg.InstanceName
		if scope != kvstore.ScopeShared {
			namespace = cfg.InstanceName + ":" + string(scope)
		}
		r, err := kvstore.NewRedis(opts, namespace)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, r)
		if scope == kvstore.ScopeShared {
			s.Shared = r
		}
		return r, nil

	case config.BackendHTTP:
		return kvstore.NewHTTP(b.URL, &http.Client{Timeout: 10 * time.Second}), nil

	default:
		return nil, fmt.Errorf("unknown backend %q", b.Backend)
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}
