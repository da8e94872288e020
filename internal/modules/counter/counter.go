// Package counter is a small module showing every engine capability: a
// persisted shared state, shared actions, an HTTP route and module kv.
package counter

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jamtools/springboard/pkg/engine"
	"github.com/jamtools/springboard/pkg/kvstore"
	"github.com/jamtools/springboard/pkg/state"
)

// ID is the module id.
const ID = "counter"

func init() {
	engine.MustRegisterModule(ID, engine.ModuleOptions{}, Init)
}

// IncrementArgs are the arguments of the increment action. By defaults to 1.
type IncrementArgs struct {
	By int `json:"by"`
}

// Counter is the value the module exposes to later modules.
type Counter struct {
	Count     *state.Handle[int]
	Increment func(ctx context.Context, args IncrementArgs) (int, error)
	Reset     func(ctx context.Context, args struct{}) (int, error)
}

// Status is the body of GET /counter.
type Status struct {
	Count     int        `json:"count"`
	Version   uint64     `json:"version"`
	LastReset *time.Time `json:"last_reset,omitempty"`
}

const lastResetKey = "last_reset"

// Init creates the module. The count is persisted in the remote tier.
func Init(ctx context.Context, api *engine.ModuleAPI) (any, error) {
	count, err := engine.CreateSharedState(ctx, api.Shared, "count", 0, state.TierRemote)
	if err != nil {
		return nil, err
	}

	c := &Counter{Count: count}
	c.Increment = engine.CreateSharedAction(api.Shared, "increment", func(ctx context.Context, args IncrementArgs) (int, error) {
		by := args.By
		if by == 0 {
			by = 1
		}
		if err := count.Update(ctx, func(v int) int { return v + by }); err != nil {
			return 0, err
		}
		return count.GetState(), nil
	})
	c.Reset = engine.CreateSharedAction(api.Shared, "reset", func(ctx context.Context, _ struct{}) (int, error) {
		if err := count.SetState(ctx, 0); err != nil {
			return 0, err
		}
		if kv, err := api.KV(kvstore.ScopeRemote); err == nil {
			if err := kvstore.SetJSON(ctx, kv, lastResetKey, time.Now().UTC()); err != nil {
				api.Logger().Warn("Failed to record reset time", "error", err)
			}
		}
		return 0, nil
	})

	err = api.Routing.RegisterRoute("GET /counter", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := Status{Count: count.GetState(), Version: count.Version()}
		if kv, err := api.KV(kvstore.ScopeRemote); err == nil {
			var at time.Time
			if found, err := kvstore.GetJSON(r.Context(), kv, lastResetKey, &at); err == nil && found {
				status.LastReset = &at
			}
		}
		writeStatus(w, status)
	}))
	if err != nil {
		return nil, err
	}

	err = api.Routing.RegisterRoute("POST /counter/increment", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var args IncrementArgs
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
		}
		n, err := c.Increment(r.Context(), args)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeStatus(w, Status{Count: n, Version: count.Version()})
	}))
	if err != nil {
		return nil, err
	}

	return c, nil
}

func writeStatus(w http.ResponseWriter, s Status) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
