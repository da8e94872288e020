// Package action dispatches named actions either in-process or to the
// authoritative engine over RPC. Both sides derive the RPC method from the
// action name, so no registry has to be exchanged.
package action

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jamtools/springboard/pkg/rpc"
	"github.com/jamtools/springboard/pkg/state"
)

// Method returns the RPC method that serves action name.
func Method(name string) string { return "action." + name }

// Options controls where an action runs.
type Options struct {
	// Local runs the handler in the calling process on every role.
	Local bool
}

// Dispatcher creates actions for one engine.
type Dispatcher struct {
	role   state.Role
	rpc    rpc.RPC
	logger *slog.Logger

	mu      sync.Mutex
	methods map[string]struct{}
}

// NewDispatcher creates a dispatcher. A nil transport makes every action local.
func NewDispatcher(role state.Role, transport rpc.RPC, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		role:    role,
		rpc:     transport,
		logger:  logger.With("component", "action"),
		methods: make(map[string]struct{}),
	}
}

// Methods returns the sorted RPC methods registered by this dispatcher.
func (d *Dispatcher) Methods() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.methods))
	for m := range d.methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Close unregisters every method this dispatcher registered.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	methods := d.methods
	d.methods = make(map[string]struct{})
	d.mu.Unlock()
	if d.rpc != nil {
		for m := range methods {
			d.rpc.UnregisterRPC(m)
		}
	}
	return nil
}

// CreateAction returns the callable for action name.
//
// On the authority the handler runs in-process and is also served as
// Method(name) so followers can reach it. On a follower the returned function
// sends the JSON-encoded args to the authority and decodes its result.
// Creating the same name twice replaces the served handler.
func CreateAction[A, R any](d *Dispatcher, name string, opts Options, handler func(ctx context.Context, args A) (R, error)) func(ctx context.Context, args A) (R, error) {
	method := Method(name)

	if opts.Local || d.rpc == nil {
		return handler
	}

	if d.role == state.Follower {
		return func(ctx context.Context, args A) (R, error) {
			var result R
			if err := d.rpc.CallRPC(ctx, method, args, &result); err != nil {
				var zero R
				return zero, fmt.Errorf("action %s failed: %w", name, err)
			}
			return result, nil
		}
	}

	d.rpc.RegisterRPC(method, func(ctx context.Context, params json.RawMessage) (any, error) {
		var args A
		if len(params) > 0 {
			if err := json.Unmarshal(params, &args); err != nil {
				return nil, fmt.Errorf("invalid arguments for action %s: %w", name, err)
			}
		}
		d.logger.Debug("Serving remote action", "action", name, "client_id", rpc.ClientIDFromContext(ctx))
		return handler(ctx, args)
	})
	d.mu.Lock()
	d.methods[method] = struct{}{}
	d.mu.Unlock()

	return handler
}
