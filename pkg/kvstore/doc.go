// Package kvstore provides the scoped key-value storage used by Springboard
// engines to persist shared state.
//
// # Overview
//
// Every engine is handed one store per scope. A scope says where the data
// lives and who can see it:
//
//	ScopeLocal      in-memory, lost when the engine is reset
//	ScopeUserAgent  persisted on the device running the engine (bbolt file)
//	ScopeRemote     persisted by the authoritative process (sqlite or Redis on
//	                the server, HTTP client against /kv/* on followers)
//	ScopeShared     Redis, namespaced by instance, visible to every server
//
// All backends implement the same Store contract. Values are opaque JSON
// documents. A missing key is not an error: Get returns a nil value and a nil
// error so callers can fall back to defaults.
//
// # Redis Schema
//
// Redis-backed stores keep every key of an instance in one hash:
//
//	springboard:{instance_name}:kv
//
// and publish each write to:
//
//	springboard:{instance_name}:kv_events
//
// so that other servers sharing the same Redis can observe changes.
//
// # Usage Example
//
//	store, err := kvstore.OpenBolt(filepath.Join(dir, "device.db"), "jamtools")
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	if err := store.Set(ctx, "volume", json.RawMessage(`7`)); err != nil {
//		return err
//	}
//	raw, err := store.Get(ctx, "volume") // raw == `7`
package kvstore
