package action

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jamtools/springboard/pkg/rpc"
	"github.com/jamtools/springboard/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func setupDispatchers(t *testing.T) (authority, follower *Dispatcher, hub *rpc.Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub = rpc.NewHub(ctx, nil, nil)
	a, b := rpc.NewBridge()
	hub.Attach("peer", a)
	client := rpc.NewClient(ctx, b, rpc.WithClientID("peer"), rpc.WithCallTimeout(2*time.Second))

	authority = NewDispatcher(state.Authority, hub, nil)
	follower = NewDispatcher(state.Follower, client, nil)
	t.Cleanup(func() {
		authority.Close()
		follower.Close()
		client.Close()
		hub.Close()
		cancel()
	})
	return authority, follower, hub
}

func TestMethod(t *testing.T) {
	assert.Equal(t, "action.counter.increment", Method("counter.increment"))
}

func TestAuthorityRunsLocallyAndServesFollowers(t *testing.T) {
	ctx := context.Background()
	authority, follower, hub := setupDispatchers(t)

	var callers []string
	handler := func(ctx context.Context, args addArgs) (int, error) {
		callers = append(callers, rpc.ClientIDFromContext(ctx))
		return args.A + args.B, nil
	}

	local := CreateAction(authority, "math.add", Options{}, handler)
	remote := CreateAction(follower, "math.add", Options{}, handler)
	assert.Equal(t, []string{"action.math.add"}, hub.Server().Methods())
	assert.Equal(t, []string{"action.math.add"}, authority.Methods())
	assert.Empty(t, follower.Methods())

	sum, err := local(ctx, addArgs{A: 1, B: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, sum)

	sum, err = remote(ctx, addArgs{A: 20, B: 22})
	require.NoError(t, err)
	assert.Equal(t, 42, sum)

	assert.Equal(t, []string{"", "peer"}, callers)
}

func TestFollowerSeesAuthorityErrors(t *testing.T) {
	ctx := context.Background()
	authority, follower, _ := setupDispatchers(t)

	handler := func(ctx context.Context, _ struct{}) (string, error) {
		return "", errors.New("song not found")
	}
	CreateAction(authority, "songs.load", Options{}, handler)
	remote := CreateAction(follower, "songs.load", Options{}, handler)

	_, err := remote(ctx, struct{}{})
	var re *rpc.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "song not found", re.Message)

	missing := CreateAction(follower, "songs.unknown", Options{}, handler)
	_, err = missing(ctx, struct{}{})
	assert.True(t, rpc.IsMethodNotFound(err))
}

func TestLocalOptionNeverDispatches(t *testing.T) {
	ctx := context.Background()
	authority, follower, hub := setupDispatchers(t)

	var calls atomic.Int32
	handler := func(ctx context.Context, n int) (int, error) {
		calls.Add(1)
		return n * 2, nil
	}
	CreateAction(authority, "local.double", Options{Local: true}, handler)
	double := CreateAction(follower, "local.double", Options{Local: true}, handler)

	assert.Empty(t, hub.Server().Methods())
	out, err := double(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 8, out)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStandaloneDispatcher(t *testing.T) {
	d := NewDispatcher(state.Follower, nil, nil)
	echo := CreateAction(d, "echo", Options{}, func(ctx context.Context, s string) (string, error) { return s, nil })
	out, err := echo(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
	assert.NoError(t, d.Close())
}

func TestCloseUnregisters(t *testing.T) {
	authority, _, hub := setupDispatchers(t)
	CreateAction(authority, "a", Options{}, func(ctx context.Context, _ int) (int, error) { return 0, nil })
	CreateAction(authority, "b", Options{}, func(ctx context.Context, _ int) (int, error) { return 0, nil })
	require.Len(t, hub.Server().Methods(), 2)

	require.NoError(t, authority.Close())
	assert.Empty(t, hub.Server().Methods())
	assert.Empty(t, authority.Methods())
}
