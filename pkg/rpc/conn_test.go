package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupBridge connects a client to a hub over an in-process bridge.
func setupBridge(t *testing.T, clientID string, opts ...ClientOption) (*Hub, *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(ctx, nil, nil)
	a, b := NewBridge()
	hub.Attach(clientID, a)
	client := NewClient(ctx, b, append([]ClientOption{WithClientID(clientID)}, opts...)...)

	t.Cleanup(func() {
		client.Close()
		hub.Close()
	})
	return hub, client
}

func TestClientCallsHub(t *testing.T) {
	hub, client := setupBridge(t, "webview")
	hub.RegisterRPC("greet", func(ctx context.Context, params json.RawMessage) (any, error) {
		var name string
		if err := json.Unmarshal(params, &name); err != nil {
			return nil, err
		}
		return "hello " + name + " from " + ClientIDFromContext(ctx), nil
	})

	var reply string
	require.NoError(t, client.CallRPC(context.Background(), "greet", "ada", &reply))
	assert.Equal(t, "hello ada from webview", reply)

	err := client.CallRPC(context.Background(), "missing", nil, nil)
	require.Error(t, err)
	assert.True(t, IsMethodNotFound(err))
}

func TestHubCallsBackIntoCaller(t *testing.T) {
	hub, client := setupBridge(t, "webview")
	client.RegisterRPC("client.version", func(ctx context.Context, params json.RawMessage) (any, error) {
		return "1.2.3", nil
	})
	// The handler calls the requesting client while its own request is in flight.
	hub.RegisterRPC("server.describe", func(ctx context.Context, params json.RawMessage) (any, error) {
		var v string
		if err := hub.CallRPC(ctx, "client.version", nil, &v); err != nil {
			return nil, err
		}
		return "client runs " + v, nil
	})

	var reply string
	require.NoError(t, client.CallRPC(context.Background(), "server.describe", nil, &reply))
	assert.Equal(t, "client runs 1.2.3", reply)

	var direct string
	require.NoError(t, hub.CallSession(context.Background(), "webview", "client.version", nil, &direct))
	assert.Equal(t, "1.2.3", direct)

	err := hub.CallSession(context.Background(), "nobody", "client.version", nil, nil)
	assert.ErrorIs(t, err, ErrNoSession)
	err = hub.CallRPC(context.Background(), "client.version", nil, nil)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestNotificationsArriveInOrder(t *testing.T) {
	hub, client := setupBridge(t, "webview")

	var mu sync.Mutex
	var got []int
	hub.RegisterRPC("seq", func(ctx context.Context, params json.RawMessage) (any, error) {
		var n int
		if err := json.Unmarshal(params, &n); err != nil {
			return nil, err
		}
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		return nil, nil
	})

	want := make([]int, 100)
	for i := range want {
		want[i] = i
		require.NoError(t, client.BroadcastRPC(context.Background(), "seq", i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, want, got)
	mu.Unlock()
}

func TestHubRelaysClientBroadcasts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(ctx, nil, nil)
	defer hub.Close()

	connect := func(id string) *Client {
		a, b := NewBridge()
		hub.Attach(id, a)
		c := NewClient(ctx, b, WithClientID(id))
		t.Cleanup(func() { c.Close() })
		return c
	}
	sender := connect("tab-1")
	receiver := connect("tab-2")
	assert.Equal(t, []string{"tab-1", "tab-2"}, hub.Sessions())

	received := make(chan string, 1)
	receiver.RegisterRPC("chat", func(ctx context.Context, params json.RawMessage) (any, error) {
		var text string
		require.NoError(t, json.Unmarshal(params, &text))
		received <- text + " via " + ClientIDFromContext(ctx)
		return nil, nil
	})
	echoed := make(chan struct{}, 1)
	sender.RegisterRPC("chat", func(ctx context.Context, params json.RawMessage) (any, error) {
		echoed <- struct{}{}
		return nil, nil
	})

	require.NoError(t, sender.BroadcastRPC(ctx, "chat", "hi"))

	select {
	case text := <-received:
		assert.Equal(t, "hi via tab-1", text)
	case <-time.After(2 * time.Second):
		t.Fatal("relayed notification not received")
	}
	select {
	case <-echoed:
		t.Fatal("sender received its own broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubBroadcastReachesAllSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(ctx, nil, nil)
	defer hub.Close()

	received := make(chan string, 2)
	for _, id := range []string{"a", "b"} {
		left, right := NewBridge()
		hub.Attach(id, left)
		c := NewClient(ctx, right, WithClientID(id))
		t.Cleanup(func() { c.Close() })
		id := id
		c.RegisterRPC("ping", func(ctx context.Context, params json.RawMessage) (any, error) {
			received <- id
			return nil, nil
		})
	}

	require.NoError(t, hub.BroadcastRPC(ctx, "ping", nil))

	var got []string
	for range 2 {
		select {
		case id := <-received:
			got = append(got, id)
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast not received")
		}
	}
	assert.ElementsMatch(t, []string{"a", "b"}, got)
}

func TestBroadcastSkipsStalledSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(ctx, nil, nil)
	defer hub.Close()

	// The far end of this bridge is never read, so its outbox fills up.
	stalled, _ := NewBridge()
	hub.Attach("stalled", stalled)

	left, right := NewBridge()
	hub.Attach("live", left)
	live := NewClient(ctx, right, WithClientID("live"))
	defer live.Close()
	var mu sync.Mutex
	count := 0
	live.RegisterRPC("tick", func(ctx context.Context, params json.RawMessage) (any, error) {
		mu.Lock()
		count++
		mu.Unlock()
		return nil, nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 400 {
			assert.NoError(t, hub.BroadcastRPC(ctx, "tick", nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a stalled session")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"live", "stalled"}, hub.Sessions())
}

func TestPendingCallsFailOnClose(t *testing.T) {
	hub, client := setupBridge(t, "webview")
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	hub.RegisterRPC("slow", func(ctx context.Context, params json.RawMessage) (any, error) {
		<-release
		return nil, nil
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.CallRPC(context.Background(), "slow", nil, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, hub.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTransportClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call did not fail after close")
	}

	<-client.Done()
	assert.ErrorIs(t, client.CallRPC(context.Background(), "slow", nil, nil), ErrTransportClosed)
	assert.NoError(t, client.BroadcastRPC(context.Background(), "anything", nil))
}

func TestCallTimeout(t *testing.T) {
	hub, client := setupBridge(t, "webview", WithCallTimeout(50*time.Millisecond))
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	hub.RegisterRPC("slow", func(ctx context.Context, params json.RawMessage) (any, error) {
		<-release
		return nil, nil
	})

	start := time.Now()
	err := client.CallRPC(context.Background(), "slow", nil, nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAttachReplacesDuplicateSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(ctx, nil, nil)
	defer hub.Close()

	a1, b1 := NewBridge()
	first := hub.Attach("same", a1)
	old := NewClient(ctx, b1, WithClientID("same"))
	defer old.Close()

	a2, b2 := NewBridge()
	hub.Attach("same", a2)
	fresh := NewClient(ctx, b2, WithClientID("same"))
	defer fresh.Close()

	<-first.Done()
	assert.Equal(t, []string{"same"}, hub.Sessions())

	fresh.RegisterRPC("who", func(ctx context.Context, params json.RawMessage) (any, error) { return "fresh", nil })
	var who string
	require.NoError(t, hub.CallSession(ctx, "same", "who", nil, &who))
	assert.Equal(t, "fresh", who)
}
