package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jamtools/springboard/pkg/action"
	"github.com/jamtools/springboard/pkg/kvstore"
	"github.com/jamtools/springboard/pkg/state"
)

// ModuleAPI is what a module initializer receives. Each capability is a
// separate value so a module only depends on what it uses.
type ModuleAPI struct {
	Routing  *Routing
	Shared   *Shared
	Modules  *Modules
	Internal *Internal

	id     string
	logger *slog.Logger
	stores kvstore.Stores
}

// ID returns the id of the module being initialized.
func (api *ModuleAPI) ID() string { return api.id }

// Logger returns a logger tagged with the module id.
func (api *ModuleAPI) Logger() *slog.Logger { return api.logger }

// KV returns the module's view of the store for scope. Keys are namespaced by
// module id, so modules cannot see each other's entries.
func (api *ModuleAPI) KV(scope kvstore.Scope) (kvstore.Store, error) {
	store, err := api.stores.Get(scope)
	if err != nil {
		return nil, err
	}
	return kvstore.Prefixed(store, api.id+":"), nil
}

// Routing registers HTTP routes served by the engine.
type Routing struct {
	module string
	routes *routeTable
}

// RegisterRoute serves h for pattern (http.ServeMux syntax, e.g. "GET /counter").
func (r *Routing) RegisterRoute(pattern string, h http.Handler) error {
	return r.routes.add(r.module, pattern, h)
}

// Shared creates shared states and actions. Names are prefixed with the module
// id, so "count" in module "counter" becomes "counter.count".
type Shared struct {
	module  string
	states  *state.Service
	actions *action.Dispatcher
	local   bool
}

func (s *Shared) qualify(name string) string {
	return s.module + "." + name
}

// CreateSharedState creates one shared state owned by the module.
func CreateSharedState[T any](ctx context.Context, s *Shared, name string, initial T, tier state.Tier) (*state.Handle[T], error) {
	return state.CreateSharedState(ctx, s.states, s.qualify(name), initial, tier)
}

// CreateSharedStates creates several shared states owned by the module. The
// returned map is keyed by the unqualified names.
func CreateSharedStates[T any](ctx context.Context, s *Shared, initial map[string]T, tier state.Tier) (map[string]*state.Handle[T], error) {
	qualified := make(map[string]T, len(initial))
	for name, v := range initial {
		qualified[s.qualify(name)] = v
	}
	handles, err := state.CreateSharedStates(ctx, s.states, qualified, tier)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*state.Handle[T], len(handles))
	for name := range initial {
		out[name] = handles[s.qualify(name)]
	}
	return out, nil
}

// CreateSharedAction creates an action owned by the module. It runs on the
// authority unless the module was registered with RPCModeLocal.
func CreateSharedAction[A, R any](s *Shared, name string, handler func(ctx context.Context, args A) (R, error)) func(ctx context.Context, args A) (R, error) {
	return action.CreateAction(s.actions, s.qualify(name), action.Options{Local: s.local}, handler)
}

// Modules looks up the values returned by other modules.
type Modules struct {
	engine *Engine
}

// GetModule returns the value returned by module id. Only modules registered
// before the caller have finished initializing; asking for a later one fails
// with ErrModuleNotReady.
func (m *Modules) GetModule(id string) (any, error) {
	return m.engine.GetModule(id)
}

// Internal exposes framework-level helpers that are not scoped to the module.
type Internal struct {
	actions *action.Dispatcher
}

// CreateAction creates an action under its exact name.
func CreateAction[A, R any](in *Internal, name string, opts action.Options, handler func(ctx context.Context, args A) (R, error)) func(ctx context.Context, args A) (R, error) {
	return action.CreateAction(in.actions, name, opts, handler)
}

// Lookup is implemented by Engine and Modules.
type Lookup interface {
	GetModule(id string) (any, error)
}

// GetModule returns module id's value as T.
func GetModule[T any](l Lookup, id string) (T, error) {
	var zero T
	v, err := l.GetModule(id)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("module %q returned %T, not %T", id, v, zero)
	}
	return typed, nil
}
