package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Change is published on every Redis write.
type Change struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Redis is an instance-scoped store backed by a Redis hash.
// Safe for concurrent use from multiple goroutines.
type Redis struct {
	rdb          *redis.Client
	instanceName string
}

// NewRedis creates a store for the given instance.
// Returns an error if instanceName is empty.
func NewRedis(redisOpts *redis.Options, instanceName string) (*Redis, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Redis{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Ping verifies Redis connectivity. Used by health checks.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (json.RawMessage, error) {
	value, err := r.rdb.HGet(ctx, KVHashKey(r.instanceName), key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %q from Redis: %w", key, err)
	}
	return json.RawMessage(value), nil
}

// Set writes the value and publishes a Change to the instance's kv_events channel.
func (r *Redis) Set(ctx context.Context, key string, value json.RawMessage) error {
	value = normalize(value)
	if err := r.rdb.HSet(ctx, KVHashKey(r.instanceName), key, string(value)).Err(); err != nil {
		return fmt.Errorf("failed to write key %q to Redis: %w", key, err)
	}

	changeJSON, err := json.Marshal(Change{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("failed to marshal kv change: %w", err)
	}
	if err := r.rdb.Publish(ctx, KVEventsChannel(r.instanceName), changeJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish kv change: %w", err)
	}
	return nil
}

func (r *Redis) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	raw, err := r.rdb.HGetAll(ctx, KVHashKey(r.instanceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read kv hash from Redis: %w", err)
	}
	out := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		out[k] = json.RawMessage(v)
	}
	return out, nil
}

// Subscription is an active subscription to KV change events.
// Caller must call Close() when done.
type Subscription struct {
	events <-chan Change
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of changes. Closed when the subscription ends.
func (s *Subscription) Events() <-chan Change {
	return s.events
}

// Errors returns non-fatal decode errors. The subscription continues after them.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeChanges subscribes to writes made by any store of this instance.
// Delivery is at-most-once: slow subscribers may miss events.
func (r *Redis) SubscribeChanges(ctx context.Context) (*Subscription, error) {
	pubsub := r.rdb.Subscribe(ctx, KVEventsChannel(r.instanceName))

	// Wait for the subscription to be confirmed so no write is missed after return
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to kv events: %w", err)
	}

	eventsChan := make(chan Change, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var change Change
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal kv change: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- change:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
