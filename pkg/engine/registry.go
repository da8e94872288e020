package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateModule is returned when a module id is registered twice.
	ErrDuplicateModule = errors.New("module already registered")

	// ErrModuleNotFound is returned by GetModule for ids that were never registered.
	ErrModuleNotFound = errors.New("module not found")

	// ErrModuleNotReady is returned by GetModule for modules that are
	// registered but have not finished initializing.
	ErrModuleNotReady = errors.New("module not initialized yet")
)

// RPCMode controls where a module's shared actions run.
type RPCMode string

const (
	// RPCModeRemote runs shared actions on the authority (default)
	RPCModeRemote RPCMode = "remote"

	// RPCModeLocal runs shared actions in the calling process
	RPCModeLocal RPCMode = "local"
)

// ModuleOptions are declared with a module at registration time.
type ModuleOptions struct {
	RPCMode RPCMode
}

// InitFunc initializes a module. The returned value is published to later
// modules through GetModule.
type InitFunc func(ctx context.Context, api *ModuleAPI) (any, error)

// Module is one registered module.
type Module struct {
	ID      string
	Options ModuleOptions
	Init    InitFunc
}

// Registry is an ordered list of modules. Initialization follows
// registration order.
type Registry struct {
	mu      sync.Mutex
	modules []Module
	ids     map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[string]struct{})}
}

// Register appends a module. Ids must be unique within the registry.
func (r *Registry) Register(id string, opts ModuleOptions, init InitFunc) error {
	if id == "" {
		return fmt.Errorf("module id cannot be empty")
	}
	if init == nil {
		return fmt.Errorf("module %q has no initializer", id)
	}
	switch opts.RPCMode {
	case "":
		opts.RPCMode = RPCModeRemote
	case RPCModeRemote, RPCModeLocal:
	default:
		return fmt.Errorf("module %q: invalid rpc mode %q", id, opts.RPCMode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ids[id]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateModule, id)
	}
	r.ids[id] = struct{}{}
	r.modules = append(r.modules, Module{ID: id, Options: opts, Init: init})
	return nil
}

// Modules returns the modules in registration order.
func (r *Registry) Modules() []Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Module(nil), r.modules...)
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.modules)
}

func (r *Registry) index(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.modules {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// pending collects modules registered from init functions before any engine
// exists. The first engine created without an explicit registry takes them.
var (
	pendingMu sync.Mutex
	pending   = NewRegistry()
)

// RegisterModule queues a module for the next engine created without an
// explicit registry. Usually called from an init function.
func RegisterModule(id string, opts ModuleOptions, init InitFunc) error {
	pendingMu.Lock()
	defer pendingMu.Unlock()
	return pending.Register(id, opts, init)
}

// MustRegisterModule is RegisterModule for init functions. It panics on error.
func MustRegisterModule(id string, opts ModuleOptions, init InitFunc) {
	if err := RegisterModule(id, opts, init); err != nil {
		panic(err)
	}
}

// drainPending hands the queued modules to the caller and leaves the queue empty.
func drainPending() *Registry {
	pendingMu.Lock()
	defer pendingMu.Unlock()
	r := pending
	pending = NewRegistry()
	return r
}
