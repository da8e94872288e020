package counter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jamtools/springboard/internal/logging"
	"github.com/jamtools/springboard/pkg/engine"
	"github.com/jamtools/springboard/pkg/kvstore"
	"github.com/jamtools/springboard/pkg/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, deps engine.Deps) *engine.Engine {
	t.Helper()
	r := engine.NewRegistry()
	require.NoError(t, r.Register(ID, engine.ModuleOptions{}, Init))
	deps.Registry = r
	deps.Logger = logging.Discard()
	e := engine.New(deps)
	t.Cleanup(func() { e.Reset(context.Background()) })
	return e
}

func getStatus(t *testing.T, h http.Handler) Status {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/counter", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var s Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&s))
	return s
}

func TestCounterStandalone(t *testing.T) {
	ctx := context.Background()
	remote := kvstore.NewMemory()
	e := newEngine(t, engine.Deps{Stores: kvstore.Stores{kvstore.ScopeRemote: remote}})
	require.NoError(t, e.Initialize(ctx))

	c, err := engine.GetModule[*Counter](e, ID)
	require.NoError(t, err)

	n, err := c.Increment(ctx, IncrementArgs{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = c.Increment(ctx, IncrementArgs{By: 5})
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	status := getStatus(t, e.Handler())
	assert.Equal(t, 6, status.Count)
	assert.Equal(t, uint64(2), status.Version)
	assert.Nil(t, status.LastReset)

	// Persisted in the remote tier under the qualified state name.
	raw, err := remote.Get(ctx, "counter.count")
	require.NoError(t, err)
	assert.JSONEq(t, `6`, string(raw))

	_, err = c.Reset(ctx, struct{}{})
	require.NoError(t, err)
	status = getStatus(t, e.Handler())
	assert.Equal(t, 0, status.Count)
	require.NotNil(t, status.LastReset)
	assert.WithinDuration(t, time.Now(), *status.LastReset, time.Minute)
}

func TestCounterRestoresPersistedValue(t *testing.T) {
	ctx := context.Background()
	remote := kvstore.NewMemory()
	require.NoError(t, kvstore.SetJSON(ctx, remote, "counter.count", 41))

	e := newEngine(t, engine.Deps{Stores: kvstore.Stores{kvstore.ScopeRemote: remote}})
	require.NoError(t, e.Initialize(ctx))

	w := httptest.NewRecorder()
	e.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/counter/increment", strings.NewReader(`{"by":1}`)))
	require.Equal(t, http.StatusOK, w.Code)
	var s Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&s))
	assert.Equal(t, 42, s.Count)

	w = httptest.NewRecorder()
	e.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/counter/increment", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCounterFollowerIncrementsOnAuthority(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := rpc.NewHub(ctx, nil, logging.Discard())
	defer hub.Close()
	a, b := rpc.NewBridge()
	hub.Attach("device", a)
	client := rpc.NewClient(ctx, b, rpc.WithClientID("device"), rpc.WithCallTimeout(2*time.Second), rpc.WithLogger(logging.Discard()))
	defer client.Close()

	authority := newEngine(t, engine.Deps{Maestro: true, RPC: hub})
	follower := newEngine(t, engine.Deps{RPC: client})
	require.NoError(t, authority.Initialize(ctx))
	require.NoError(t, follower.Initialize(ctx))

	w := httptest.NewRecorder()
	follower.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/counter/increment", nil))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, 1, getStatus(t, authority.Handler()).Count)
	assert.Equal(t, 1, getStatus(t, follower.Handler()).Count)
}
