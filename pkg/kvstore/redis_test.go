package kvstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a store connected to a miniredis instance
func setupTestRedis(t *testing.T, instanceName string) (*Redis, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	store, err := NewRedis(&redis.Options{Addr: mr.Addr()}, instanceName)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store, mr
}

func TestRedisStore(t *testing.T) {
	store, mr := setupTestRedis(t, "test-instance")
	runStoreContract(t, store)

	t.Run("keys are namespaced by instance", func(t *testing.T) {
		assert.True(t, mr.Exists("springboard:test-instance:kv"))
		assert.Equal(t, "7", mr.HGet("springboard:test-instance:kv", "volume"))
	})

	t.Run("rejects empty instance name", func(t *testing.T) {
		_, err := NewRedis(&redis.Options{Addr: mr.Addr()}, "")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "instance name cannot be empty")
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(context.Background()))
	})
}

func TestRedisSubscribeChanges(t *testing.T) {
	store, mr := setupTestRedis(t, "sub-instance")
	ctx := context.Background()

	sub, err := store.SubscribeChanges(ctx)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, store.Set(ctx, "tempo", json.RawMessage(`120`)))

	select {
	case change := <-sub.Events():
		assert.Equal(t, "tempo", change.Key)
		assert.JSONEq(t, `120`, string(change.Value))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for kv change")
	}

	t.Run("malformed payload is reported on errors channel", func(t *testing.T) {
		mr.Publish(KVEventsChannel("sub-instance"), "not json")
		select {
		case err := <-sub.Errors():
			assert.Contains(t, err.Error(), "failed to unmarshal kv change")
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for subscription error")
		}
	})

	t.Run("close is idempotent", func(t *testing.T) {
		assert.NoError(t, sub.Close())
		assert.NoError(t, sub.Close())
	})
}

func TestRedisKeyHelpers(t *testing.T) {
	assert.Equal(t, "springboard:default-1:kv", KVHashKey("default-1"))
	assert.Equal(t, "springboard:default-1:kv_events", KVEventsChannel("default-1"))
}
