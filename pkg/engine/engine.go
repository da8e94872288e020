// Package engine runs Springboard modules.
//
// Modules are registered once (usually from init functions with
// RegisterModule) and instantiated by every Engine. Initialize runs them one
// at a time in registration order; a module may rely on every module
// registered before it having returned. Reset tears the session down so the
// same engine, or a new one, can initialize again.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/jamtools/springboard/internal/logging"
	"github.com/jamtools/springboard/pkg/action"
	"github.com/jamtools/springboard/pkg/kvstore"
	"github.com/jamtools/springboard/pkg/rpc"
	"github.com/jamtools/springboard/pkg/state"
)

// ErrInvalidState is returned when a lifecycle method is called in the wrong state.
var ErrInvalidState = errors.New("invalid engine state")

// State is the lifecycle state of an Engine.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateResetting
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateResetting:
		return "resetting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Deps are the core dependencies of an Engine.
type Deps struct {
	// Maestro marks the process that is authoritative for shared state.
	Maestro bool

	// RPC connects the engine to its peers. Nil runs standalone.
	RPC rpc.RPC

	// Stores provides the kv store for each scope. A ScopeLocal memory store
	// is added when missing.
	Stores kvstore.Stores

	// Registry lists the modules to run. Nil takes the modules queued with
	// RegisterModule.
	Registry *Registry

	Logger *slog.Logger
}

// Engine owns the modules of one process and the services they share.
type Engine struct {
	registry *Registry
	role     state.Role
	rpc      rpc.RPC
	stores   kvstore.Stores
	local    *kvstore.Memory
	logger   *slog.Logger
	routes   routeTable

	mu      sync.Mutex
	st      State
	values  map[string]any
	states  *state.Service
	actions *action.Dispatcher
}

// New creates an engine. The shared state role is fixed here: maestro, or no
// peer at all, makes this engine the authority.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := deps.Registry
	if registry == nil {
		registry = drainPending()
	}

	stores := make(kvstore.Stores, len(deps.Stores)+1)
	maps.Copy(stores, deps.Stores)
	var local *kvstore.Memory
	if _, ok := stores[kvstore.ScopeLocal]; !ok {
		local = kvstore.NewMemory()
		stores[kvstore.ScopeLocal] = local
	}

	role := state.ResolveRole(deps.Maestro, deps.RPC != nil)
	return &Engine{
		registry: registry,
		role:     role,
		rpc:      deps.RPC,
		stores:   stores,
		local:    local,
		logger:   logger.With("component", "engine", "role", role.String()),
		values:   make(map[string]any),
	}
}

// Role returns the shared state role of this engine.
func (e *Engine) Role() state.Role { return e.role }

// State returns the lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st
}

// Registry returns the modules this engine runs.
func (e *Engine) Registry() *Registry { return e.registry }

// Handler serves the routes registered by modules.
func (e *Engine) Handler() http.Handler { return &e.routes }

// Routes returns the sorted route patterns registered by modules.
func (e *Engine) Routes() []string { return e.routes.patterns() }

// StateService returns the shared state service of the current session, or
// nil when the engine is not initialized.
func (e *Engine) StateService() *state.Service {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states
}

// Initialize runs every module in registration order, waiting for each to
// return before starting the next. The first failure stops initialization,
// tears down what was created and is returned to the caller.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.st != StateUninitialized {
		st := e.st
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot initialize while %s", ErrInvalidState, st)
	}
	e.st = StateInitializing
	e.states = state.NewService(state.Config{
		Role:   e.role,
		RPC:    e.rpc,
		Stores: e.stores,
		Logger: e.logger,
	})
	e.actions = action.NewDispatcher(e.role, e.rpc, e.logger)
	states, actions := e.states, e.actions
	e.mu.Unlock()

	start := time.Now()
	modules := e.registry.Modules()
	for _, m := range modules {
		api := e.moduleAPI(m, states, actions)
		moduleStart := time.Now()
		value, err := runInit(ctx, m, api)
		if err != nil {
			e.logger.Error("Module initialization failed", "module", m.ID, "error", err)
			e.teardown()
			return fmt.Errorf("failed to initialize module %q: %w", m.ID, err)
		}

		e.mu.Lock()
		e.values[m.ID] = value
		e.mu.Unlock()
		logging.Event(e.logger, "module_initialized", "module", m.ID, "duration_ms", time.Since(moduleStart).Milliseconds())
	}

	e.mu.Lock()
	e.st = StateReady
	e.mu.Unlock()
	setActive(e)

	logging.Event(e.logger, "engine_initialized", "modules", len(modules), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func runInit(ctx context.Context, m Module, api *ModuleAPI) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initializer panic: %v", r)
		}
	}()
	return m.Init(ctx, api)
}

func (e *Engine) moduleAPI(m Module, states *state.Service, actions *action.Dispatcher) *ModuleAPI {
	return &ModuleAPI{
		Routing: &Routing{module: m.ID, routes: &e.routes},
		Shared: &Shared{
			module:  m.ID,
			states:  states,
			actions: actions,
			local:   m.Options.RPCMode == RPCModeLocal,
		},
		Modules:  &Modules{engine: e},
		Internal: &Internal{actions: actions},
		id:       m.ID,
		logger:   e.logger.With("module", m.ID),
		stores:   e.stores,
	}
}

// GetModule returns the value returned by module id in the current session.
func (e *Engine) GetModule(id string) (any, error) {
	e.mu.Lock()
	v, ok := e.values[id]
	e.mu.Unlock()
	if ok {
		return v, nil
	}
	if e.registry.index(id) < 0 {
		return nil, fmt.Errorf("%w: %q", ErrModuleNotFound, id)
	}
	return nil, fmt.Errorf("%w: %q", ErrModuleNotReady, id)
}

// Reset ends the session: shared states are closed and their subscriptions
// ended, module RPC methods are unregistered, routes and module values are
// dropped. Initialize may be called again afterwards. Resetting an
// uninitialized engine is a no-op.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	switch e.st {
	case StateUninitialized:
		e.mu.Unlock()
		return nil
	case StateReady:
		e.st = StateResetting
	default:
		st := e.st
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot reset while %s", ErrInvalidState, st)
	}
	e.mu.Unlock()

	e.teardown()
	clearActive(e)
	logging.Event(e.logger, "engine_reset")
	return nil
}

func (e *Engine) teardown() {
	e.mu.Lock()
	states, actions := e.states, e.actions
	e.states, e.actions = nil, nil
	e.values = make(map[string]any)
	e.mu.Unlock()

	if actions != nil {
		actions.Close()
	}
	if states != nil {
		states.Close()
	}
	e.routes.clear()
	if e.local != nil {
		e.local.Clear()
	}

	e.mu.Lock()
	e.st = StateUninitialized
	e.mu.Unlock()
}

var (
	activeMu sync.Mutex
	active   *Engine
)

// Active returns the most recently initialized engine that has not been
// reset, or nil.
func Active() *Engine {
	activeMu.Lock()
	defer activeMu.Unlock()
	return active
}

func setActive(e *Engine) {
	activeMu.Lock()
	active = e
	activeMu.Unlock()
}

func clearActive(e *Engine) {
	activeMu.Lock()
	if active == e {
		active = nil
	}
	activeMu.Unlock()
}
