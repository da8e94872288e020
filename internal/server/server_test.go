package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jamtools/springboard/internal/config"
	"github.com/jamtools/springboard/internal/logging"
	"github.com/jamtools/springboard/pkg/engine"
	"github.com/jamtools/springboard/pkg/kvstore"
	"github.com/jamtools/springboard/pkg/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, redisAddr string) *config.SpringboardConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.SpringboardConfig{
		Version:      "1.0",
		InstanceName: "test",
		Storage: &config.StorageConfig{
			UserAgent: &config.BackendConfig{Backend: config.BackendBolt, Path: filepath.Join(dir, "nested", "device.db")},
			Remote:    &config.BackendConfig{Backend: config.BackendSQLite, Path: filepath.Join(dir, "remote.db")},
		},
	}
	if redisAddr != "" {
		cfg.Storage.Shared = &config.BackendConfig{Backend: config.BackendRedis}
		cfg.Redis = &config.RedisConfig{URL: "redis://" + redisAddr}
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func helloEngine(t *testing.T) *engine.Engine {
	t.Helper()
	r := engine.NewRegistry()
	require.NoError(t, r.Register("hello", engine.ModuleOptions{}, func(ctx context.Context, api *engine.ModuleAPI) (any, error) {
		return nil, api.Routing.RegisterRoute("GET /hello", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "hi")
		}))
	}))
	e := engine.New(engine.Deps{Maestro: true, Registry: r, Logger: logging.Discard()})
	t.Cleanup(func() { e.Reset(context.Background()) })
	return e
}

func TestOpenStores(t *testing.T) {
	mr := miniredis.RunT(t)
	stores, err := OpenStores(testConfig(t, mr.Addr()))
	require.NoError(t, err)
	defer stores.Close()

	ctx := context.Background()
	for _, scope := range []kvstore.Scope{kvstore.ScopeUserAgent, kvstore.ScopeRemote, kvstore.ScopeShared} {
		store, err := stores.Get(scope)
		require.NoError(t, err, scope)
		require.NoError(t, kvstore.SetJSON(ctx, store, "k", string(scope)))

		var got string
		found, err := kvstore.GetJSON(ctx, store, "k", &got)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, string(scope), got)
	}
	require.NotNil(t, stores.Shared)
	assert.NoError(t, stores.Ping(ctx))
	assert.NoError(t, stores.Close())
}

func TestOpenStores_ReadOnlyAndMemory(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Storage.Remote = &config.BackendConfig{Backend: config.BackendMemory, ReadOnly: true}
	stores, err := OpenStores(cfg)
	require.NoError(t, err)
	defer stores.Close()

	remote, err := stores.Get(kvstore.ScopeRemote)
	require.NoError(t, err)
	assert.ErrorIs(t, remote.Set(context.Background(), "k", json.RawMessage(`1`)), kvstore.ErrReadOnly)

	_, err = stores.Get(kvstore.ScopeShared)
	assert.Error(t, err)
}

func TestOpenStores_BadRedisURL(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Storage.Shared = &config.BackendConfig{Backend: config.BackendRedis}
	cfg.Redis = &config.RedisConfig{URL: "not a url"}
	stores, err := OpenStores(cfg)
	assert.Nil(t, stores)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open shared store")
}

func TestHealthCheckEndpoint_MethodNotAllowed(t *testing.T) {
	s := New(Options{Logger: logging.Discard()})
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthCheckResponse(t *testing.T) {
	get := func(t *testing.T, s *Server) (int, HealthResponse) {
		t.Helper()
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		var resp HealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		return w.Code, resp
	}

	t.Run("unhealthy before initialization", func(t *testing.T) {
		s := New(Options{Engine: helloEngine(t), Logger: logging.Discard()})
		code, resp := get(t, s)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "unhealthy", resp.Status)
		assert.Equal(t, "uninitialized", resp.Engine)
	})

	t.Run("healthy when ready", func(t *testing.T) {
		e := helloEngine(t)
		require.NoError(t, e.Initialize(context.Background()))
		hub := rpc.NewHub(context.Background(), nil, logging.Discard())
		defer hub.Close()

		s := New(Options{Engine: e, Hub: hub, Logger: logging.Discard()})
		code, resp := get(t, s)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "ready", resp.Engine)
		assert.Equal(t, "authority", resp.Role)
		assert.Equal(t, "connected", resp.Stores)
		assert.Equal(t, 0, resp.Sessions)
	})

	t.Run("unhealthy when redis is down", func(t *testing.T) {
		mr := miniredis.RunT(t)
		stores, err := OpenStores(testConfig(t, mr.Addr()))
		require.NoError(t, err)
		defer stores.Close()
		mr.Close()

		s := New(Options{Stores: stores, Logger: logging.Discard()})
		code, resp := get(t, s)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "disconnected", resp.Stores)
		assert.Contains(t, resp.Error, "shared store")
	})
}

func TestServerRoutes(t *testing.T) {
	ctx := context.Background()
	e := helloEngine(t)
	require.NoError(t, e.Initialize(ctx))

	hub := rpc.NewHub(ctx, nil, logging.Discard())
	defer hub.Close()
	hub.RegisterRPC("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		return params, nil
	})

	stores := &Stores{Stores: kvstore.Stores{kvstore.ScopeRemote: kvstore.NewMemory()}}
	srv := httptest.NewServer(New(Options{Engine: e, Hub: hub, Stores: stores, Logger: logging.Discard()}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/hello")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "hi", string(body))

	resp, err = http.Post(srv.URL+"/kv/set", "application/json", strings.NewReader(`{"key":"a","value":{"n":1}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/kv/get?key=a")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"n":1}`, string(body))

	var out map[string]int
	client := rpc.NewHTTPClient(srv.URL, nil, logging.Discard())
	require.NoError(t, client.CallRPC(ctx, "echo", map[string]int{"x": 2}, &out))
	assert.Equal(t, map[string]int{"x": 2}, out)

	resp, err = http.Get(srv.URL + "/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeRelaysSharedChanges(t *testing.T) {
	mr := miniredis.RunT(t)
	stores, err := OpenStores(testConfig(t, mr.Addr()))
	require.NoError(t, err)
	defer stores.Close()

	ctx, cancel := context.WithCancel(context.Background())
	hub := rpc.NewHub(ctx, nil, logging.Discard())
	s := New(Options{Hub: hub, Stores: stores, Logger: logging.Discard()})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	changes := make(chan kvstore.Change, 16)
	clientServer := rpc.NewServer(logging.Discard())
	clientServer.Register(KVChangedMethod, func(ctx context.Context, params json.RawMessage) (any, error) {
		var c kvstore.Change
		if err := json.Unmarshal(params, &c); err == nil {
			changes <- c
		}
		return nil, nil
	})
	client, err := rpc.DialWebSocket(context.Background(), "ws://"+ln.Addr().String()+"/ws",
		rpc.WithServer(clientServer), rpc.WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer client.Close()

	shared, err := stores.Get(kvstore.ScopeShared)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		if err := shared.Set(context.Background(), "greeting", json.RawMessage(`"hello"`)); err != nil {
			return false
		}
		select {
		case c := <-changes:
			return c.Key == "greeting" && bytes.Equal(c.Value, []byte(`"hello"`))
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
