// Package state implements shared state: named values owned by one
// authoritative engine and mirrored by every follower.
//
// # Roles
//
// A Service is either the Authority or a Follower, decided once when it is
// constructed. The authority keeps the canonical value of each state, persists
// it to the state's tier store and broadcasts every change. Followers forward
// writes to the authority over RPC and apply the broadcasts they receive.
//
// # Wire Protocol
//
// For a state named "counter.count" the authority serves:
//
//	shared_state.get.counter.count   -> {"value":...,"version":N,"epoch":"..."}
//	shared_state.set.counter.count   {"value":...} -> {"value":...,"version":N,"epoch":"..."}
//
// and after each change notifies every peer with:
//
//	shared_state.changed  {"name":"counter.count","value":...,"version":N,"epoch":"..."}
//
// Versions increase by one per change within an epoch. The epoch identifies
// one authority session, so followers resynchronize when the authority
// restarts and its versions start again from zero. A follower discards
// changes whose version is not newer than the one it holds, and applies
// (with a warning) changes that skip versions.
package state
