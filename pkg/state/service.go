package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jamtools/springboard/pkg/kvstore"
	"github.com/jamtools/springboard/pkg/rpc"
)

// ChangedMethod is the notification the authority broadcasts after each change.
const ChangedMethod = "shared_state.changed"

// SetMethod is the RPC method followers call to change state name.
func SetMethod(name string) string { return "shared_state.set." + name }

// GetMethod is the RPC method followers call to read state name.
func GetMethod(name string) string { return "shared_state.get." + name }

var (
	// ErrClosed is returned by operations on a closed Service.
	ErrClosed = errors.New("shared state service is closed")

	// ErrDuplicateState is returned when a state name is created twice.
	ErrDuplicateState = errors.New("shared state already exists")
)

// Role says whether a Service owns its states or mirrors them.
type Role int

const (
	// Authority owns the canonical value of every state it creates
	Authority Role = iota

	// Follower forwards writes to the authority and applies its broadcasts
	Follower
)

func (r Role) String() string {
	switch r {
	case Authority:
		return "authority"
	case Follower:
		return "follower"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ResolveRole returns Authority for the maestro process or when there is no
// remote peer to defer to, and Follower otherwise.
func ResolveRole(maestro, hasRemotePeer bool) Role {
	if maestro || !hasRemotePeer {
		return Authority
	}
	return Follower
}

// Tier selects where a state is persisted.
type Tier string

const (
	// TierEphemeral keeps the value in memory only
	TierEphemeral Tier = "ephemeral"

	// TierUserAgent persists to the device-local store
	TierUserAgent Tier = "user_agent"

	// TierRemote persists to the store of the authoritative process
	TierRemote Tier = "remote"
)

// Validate checks that the tier is known.
func (t Tier) Validate() error {
	switch t {
	case TierEphemeral, TierUserAgent, TierRemote:
		return nil
	default:
		return fmt.Errorf("invalid shared state tier: %q", string(t))
	}
}

func (t Tier) scope() (kvstore.Scope, bool) {
	switch t {
	case TierUserAgent:
		return kvstore.ScopeUserAgent, true
	case TierRemote:
		return kvstore.ScopeRemote, true
	default:
		return "", false
	}
}

// Change is the payload of ChangedMethod.
type Change struct {
	Name    string          `json:"name"`
	Value   json.RawMessage `json:"value"`
	Version uint64          `json:"version"`
	Epoch   string          `json:"epoch"`
}

// Snapshot is the result of the get and set methods.
type Snapshot struct {
	Value   json.RawMessage `json:"value"`
	Version uint64          `json:"version"`
	Epoch   string          `json:"epoch"`
}

// SetParams is the request body of the set method.
type SetParams struct {
	Value json.RawMessage `json:"value"`
}

// Config holds the dependencies of a Service.
type Config struct {
	Role Role

	// RPC connects the service to its peers. Nil means standalone.
	RPC rpc.RPC

	// Stores backs the persistent tiers. A tier without a store is kept in
	// memory only.
	Stores kvstore.Stores

	Logger *slog.Logger
}

// entry is the type-erased view of a Handle.
type entry interface {
	applyChange(ctx context.Context, c Change)
	close()
}

// Service owns the shared states of one engine.
type Service struct {
	role   Role
	rpc    rpc.RPC
	stores kvstore.Stores
	logger *slog.Logger
	epoch  string

	mu      sync.Mutex
	entries map[string]entry
	methods []string
	closed  bool
}

// NewService creates a service. A follower registers the ChangedMethod
// handler on cfg.RPC immediately.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	role := cfg.Role
	if role == Follower && cfg.RPC == nil {
		logger.Warn("Follower has no rpc peer, acting as authority")
		role = Authority
	}
	s := &Service{
		role:    role,
		rpc:     cfg.RPC,
		stores:  cfg.Stores,
		logger:  logger.With("component", "shared_state", "role", role.String()),
		epoch:   uuid.New().String(),
		entries: make(map[string]entry),
	}
	if s.role == Follower && s.rpc != nil {
		s.rpc.RegisterRPC(ChangedMethod, s.handleChanged)
		s.methods = append(s.methods, ChangedMethod)
	}
	return s
}

// Role returns the role fixed at construction.
func (s *Service) Role() Role { return s.role }

// Names returns the sorted names of the states created so far.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close ends every subscription and unregisters the service's RPC methods.
// Handles keep their last value but reject further writes.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	entries := s.entries
	methods := s.methods
	s.entries = make(map[string]entry)
	s.methods = nil
	s.mu.Unlock()

	if s.rpc != nil {
		for _, m := range methods {
			s.rpc.UnregisterRPC(m)
		}
	}
	for _, e := range entries {
		e.close()
	}
	s.logger.Debug("Shared state service closed", "states", len(entries))
	return nil
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Service) add(name string, e entry, methods ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateState, name)
	}
	s.entries[name] = e
	s.methods = append(s.methods, methods...)
	return nil
}

func (s *Service) store(t Tier) kvstore.Store {
	scope, ok := t.scope()
	if !ok {
		return nil
	}
	store, err := s.stores.Get(scope)
	if err != nil {
		return nil
	}
	return store
}

func (s *Service) handleChanged(ctx context.Context, params json.RawMessage) (any, error) {
	var c Change
	if err := json.Unmarshal(params, &c); err != nil {
		return nil, fmt.Errorf("failed to decode shared state change: %w", err)
	}
	s.mu.Lock()
	e, ok := s.entries[c.Name]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("Ignoring change for unknown shared state", "name", c.Name)
		return nil, nil
	}
	e.applyChange(ctx, c)
	return nil, nil
}
