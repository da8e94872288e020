package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jamtools/springboard/pkg/kvstore"
)

// Handle is one named shared state of type T.
type Handle[T any] struct {
	svc     *Service
	name    string
	tier    Tier
	store   kvstore.Store
	subject *Subject[T]

	mu      sync.Mutex // serializes writes, guards version and epoch
	version uint64
	epoch   string
	closed  bool
}

// CreateSharedState creates the state name on svc.
//
// The starting value is the one persisted in the tier store, or initial when
// nothing is persisted. A follower then asks the authority for the current
// value and keeps its local one if the authority cannot be reached.
func CreateSharedState[T any](ctx context.Context, svc *Service, name string, initial T, tier Tier) (*Handle[T], error) {
	if name == "" {
		return nil, fmt.Errorf("shared state name cannot be empty")
	}
	if err := tier.Validate(); err != nil {
		return nil, err
	}

	h := &Handle[T]{
		svc:   svc,
		name:  name,
		tier:  tier,
		store: svc.store(tier),
	}

	value := initial
	if h.store != nil {
		var persisted T
		found, err := kvstore.GetJSON(ctx, h.store, name, &persisted)
		if err != nil {
			svc.logger.Warn("Failed to load persisted shared state, using initial value", "name", name, "error", err)
		} else if found {
			value = persisted
		}
	}
	h.subject = NewSubject(value)

	if svc.role == Follower {
		if err := svc.add(name, h); err != nil {
			return nil, err
		}
		h.sync(ctx)
		return h, nil
	}

	h.epoch = svc.epoch
	if svc.rpc == nil {
		if err := svc.add(name, h); err != nil {
			return nil, err
		}
		return h, nil
	}
	if err := svc.add(name, h, SetMethod(name), GetMethod(name)); err != nil {
		return nil, err
	}
	svc.rpc.RegisterRPC(SetMethod(name), h.serveSet)
	svc.rpc.RegisterRPC(GetMethod(name), h.serveGet)
	return h, nil
}

// CreateSharedStates creates one state per entry of initial, in name order.
func CreateSharedStates[T any](ctx context.Context, svc *Service, initial map[string]T, tier Tier) (map[string]*Handle[T], error) {
	names := make([]string, 0, len(initial))
	for name := range initial {
		names = append(names, name)
	}
	sort.Strings(names)

	handles := make(map[string]*Handle[T], len(initial))
	for _, name := range names {
		h, err := CreateSharedState(ctx, svc, name, initial[name], tier)
		if err != nil {
			return nil, fmt.Errorf("failed to create shared state %q: %w", name, err)
		}
		handles[name] = h
	}
	return handles, nil
}

// Name returns the state name.
func (h *Handle[T]) Name() string { return h.name }

// Tier returns the persistence tier.
func (h *Handle[T]) Tier() Tier { return h.tier }

// GetState returns the current value.
func (h *Handle[T]) GetState() T {
	return h.subject.Value()
}

// Version returns the version of the current value. Zero until the first change.
func (h *Handle[T]) Version() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

// SetState replaces the value.
//
// On the authority the value is persisted, every subscriber has it queued and
// peers are notified before SetState returns. On a follower SetState returns
// once the authority has acknowledged the write and the acknowledged value has
// been applied locally.
func (h *Handle[T]) SetState(ctx context.Context, v T) error {
	if h.svc.role == Follower {
		return h.remoteSet(ctx, v)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	_, err := h.commitLocked(ctx, v)
	return err
}

// Update replaces the value with fn(current). On the authority the read and
// write are atomic; on a follower concurrent writers race and the authority
// keeps the last one.
func (h *Handle[T]) Update(ctx context.Context, fn func(T) T) error {
	if h.svc.role == Follower {
		return h.remoteSet(ctx, fn(h.GetState()))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	_, err := h.commitLocked(ctx, fn(h.subject.Value()))
	return err
}

// SetStateImmer passes a deep copy of the current value to fn and stores the
// mutated copy. The current value is never modified in place. The copy is made
// through JSON, so only exported fields survive.
func (h *Handle[T]) SetStateImmer(ctx context.Context, fn func(draft *T)) error {
	if h.svc.role == Follower {
		draft, err := clone(h.GetState())
		if err != nil {
			return err
		}
		fn(&draft)
		return h.remoteSet(ctx, draft)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	draft, err := clone(h.subject.Value())
	if err != nil {
		return err
	}
	fn(&draft)
	_, err = h.commitLocked(ctx, draft)
	return err
}

// Subscribe returns a subscription whose first value is the current one.
func (h *Handle[T]) Subscribe() *Subscription[T] {
	return h.subject.Subscribe()
}

// UseState returns the current value and a subscription that is closed when
// ctx is done.
func (h *Handle[T]) UseState(ctx context.Context) (T, *Subscription[T]) {
	sub := h.subject.Subscribe()
	context.AfterFunc(ctx, sub.Close)
	return h.GetState(), sub
}

// Subject exposes the underlying value stream.
func (h *Handle[T]) Subject() *Subject[T] {
	return h.subject
}

func (h *Handle[T]) commitLocked(ctx context.Context, v T) (Snapshot, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to encode shared state %q: %w", h.name, err)
	}
	if h.store != nil {
		if err := h.store.Set(ctx, h.name, raw); err != nil {
			return Snapshot{}, fmt.Errorf("failed to persist shared state %q: %w", h.name, err)
		}
	}

	h.version++
	h.subject.Next(v)
	snap := Snapshot{Value: raw, Version: h.version, Epoch: h.epoch}

	if h.svc.rpc != nil {
		change := Change{Name: h.name, Value: raw, Version: snap.Version, Epoch: snap.Epoch}
		if err := h.svc.rpc.BroadcastRPC(ctx, ChangedMethod, change); err != nil {
			h.svc.logger.Warn("Failed to broadcast shared state change", "name", h.name, "version", snap.Version, "error", err)
		}
	}
	return snap, nil
}

func (h *Handle[T]) snapshot() (Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	raw, err := json.Marshal(h.subject.Value())
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to encode shared state %q: %w", h.name, err)
	}
	return Snapshot{Value: raw, Version: h.version, Epoch: h.epoch}, nil
}

func (h *Handle[T]) serveGet(ctx context.Context, _ json.RawMessage) (any, error) {
	return h.snapshot()
}

func (h *Handle[T]) serveSet(ctx context.Context, params json.RawMessage) (any, error) {
	var p SetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid set request for shared state %q: %w", h.name, err)
	}
	var v T
	if err := json.Unmarshal(p.Value, &v); err != nil {
		return nil, fmt.Errorf("invalid value for shared state %q: %w", h.name, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	return h.commitLocked(ctx, v)
}

// remoteSet must not hold h.mu across the call: the change broadcast for this
// write may arrive on the same connection before the response.
func (h *Handle[T]) remoteSet(ctx context.Context, v T) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrClosed
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode shared state %q: %w", h.name, err)
	}
	var snap Snapshot
	if err := h.svc.rpc.CallRPC(ctx, SetMethod(h.name), SetParams{Value: raw}, &snap); err != nil {
		return fmt.Errorf("failed to set shared state %q: %w", h.name, err)
	}
	h.apply(ctx, snap.Value, snap.Version, snap.Epoch)
	return nil
}

func (h *Handle[T]) sync(ctx context.Context) {
	var snap Snapshot
	if err := h.svc.rpc.CallRPC(ctx, GetMethod(h.name), nil, &snap); err != nil {
		h.svc.logger.Warn("Authority unreachable, using local shared state value", "name", h.name, "error", err)
		return
	}
	h.apply(ctx, snap.Value, snap.Version, snap.Epoch)
}

func (h *Handle[T]) applyChange(ctx context.Context, c Change) {
	h.apply(ctx, c.Value, c.Version, c.Epoch)
}

// apply installs a value received from the authority if it is newer than the
// current one. Reports whether it was applied.
func (h *Handle[T]) apply(ctx context.Context, raw json.RawMessage, version uint64, epoch string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}

	switch {
	case epoch == h.epoch && version <= h.version:
		h.svc.logger.Debug("Discarding stale shared state change", "name", h.name, "version", version, "current", h.version)
		return false
	case epoch == h.epoch && version > h.version+1:
		h.svc.logger.Warn("Shared state versions skipped, applying newer snapshot",
			"name", h.name, "version", version, "current", h.version)
	case epoch != h.epoch && h.epoch != "":
		h.svc.logger.Info("Authority session changed, adopting its snapshot", "name", h.name, "version", version)
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		h.svc.logger.Warn("Discarding undecodable shared state value", "name", h.name, "error", err)
		return false
	}
	h.epoch = epoch
	h.version = version
	h.subject.Next(v)

	if h.tier == TierUserAgent && h.store != nil {
		if err := h.store.Set(ctx, h.name, raw); err != nil && !errors.Is(err, kvstore.ErrReadOnly) {
			h.svc.logger.Warn("Failed to cache shared state locally", "name", h.name, "error", err)
		}
	}
	return true
}

func (h *Handle[T]) close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.subject.Close()
}

func clone[T any](v T) (T, error) {
	var out T
	raw, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("failed to copy state value: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to copy state value: %w", err)
	}
	return out, nil
}
