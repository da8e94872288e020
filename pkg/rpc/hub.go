package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
)

// ErrNoSession is returned when a call addresses a session that is not connected.
var ErrNoSession = errors.New("rpc: no such session")

// WithSessionID returns a context that makes Hub.CallRPC address sessionID.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

func sessionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey).(string); ok && id != "" {
		return id
	}
	return ClientIDFromContext(ctx)
}

// Hub is the server-role transport. It accepts WebSocket upgrades (it is an
// http.Handler) and in-process streams, and keeps one session per peer.
//
// Notifications received from one session are relayed to every other session
// before being dispatched locally, so a client broadcast reaches all peers.
type Hub struct {
	ctx      context.Context
	server   *Server
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Conn
}

// NewHub creates a hub. Sessions live until ctx is cancelled or Close is called.
func NewHub(ctx context.Context, server *Server, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if server == nil {
		server = NewServer(logger)
	}
	return &Hub{
		ctx:    ctx,
		server: server,
		logger: logger.With("component", "rpc_hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*Conn),
	}
}

func (h *Hub) Role() Role { return RoleServer }

// Server returns the hub's method table.
func (h *Hub) Server() *Server { return h.server }

// ServeHTTP upgrades the request to a WebSocket session.
// The session id is the clientId query parameter, or a fresh UUID.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	sessionID := r.URL.Query().Get("clientId")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	h.Attach(sessionID, newWebSocketStream(wsConn))
}

// Attach registers stream as the session sessionID and starts serving it.
// An existing session with the same id is closed and replaced.
func (h *Hub) Attach(sessionID string, stream jsonrpc2.ObjectStream) *Conn {
	var conn *Conn
	conn = newConn(h.ctx, stream, h.server, connConfig{
		peerID: sessionID,
		logger: h.logger.With("session_id", sessionID),
		onNotify: func(msg *Message) {
			h.relay(sessionID, msg)
		},
		onClose: func(c *Conn) {
			h.mu.Lock()
			if h.sessions[sessionID] == c {
				delete(h.sessions, sessionID)
			}
			h.mu.Unlock()
			h.logger.Info("Session disconnected", "session_id", sessionID)
		},
	})

	h.mu.Lock()
	previous := h.sessions[sessionID]
	h.sessions[sessionID] = conn
	h.mu.Unlock()
	if previous != nil {
		previous.Close()
	}

	h.logger.Info("Session connected", "session_id", sessionID)
	return conn
}

// Sessions returns the sorted ids of connected sessions.
func (h *Hub) Sessions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) session(id string) (*Conn, error) {
	h.mu.RLock()
	conn, ok := h.sessions[id]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSession, id)
	}
	return conn, nil
}

func (h *Hub) snapshot(except string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Conn, 0, len(h.sessions))
	for id, c := range h.sessions {
		if id != except {
			conns = append(conns, c)
		}
	}
	return conns
}

func (h *Hub) relay(from string, msg *Message) {
	for _, c := range h.snapshot(from) {
		if !c.trySend(msg) {
			h.logger.Debug("Skipping unreachable session", "session_id", c.PeerID(), "method", msg.Method)
		}
	}
}

// BroadcastRPC notifies every session without waiting on any of them.
// Closed sessions and sessions whose outbox is full are logged and skipped.
func (h *Hub) BroadcastRPC(ctx context.Context, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	for _, c := range h.snapshot("") {
		if !c.trySend(msg) {
			h.logger.Debug("Skipping unreachable session", "session_id", c.PeerID(), "method", method)
		}
	}
	return nil
}

// NotifySession sends a notification to one session.
func (h *Hub) NotifySession(ctx context.Context, sessionID, method string, params any) error {
	conn, err := h.session(sessionID)
	if err != nil {
		return err
	}
	return conn.Notify(ctx, method, params)
}

// CallSession calls method on one session and waits for its response.
func (h *Hub) CallSession(ctx context.Context, sessionID, method string, params, result any) error {
	conn, err := h.session(sessionID)
	if err != nil {
		return err
	}
	return conn.Call(ctx, method, params, result)
}

// CallRPC addresses the session named by WithSessionID, or else the client
// that sent the request being handled.
func (h *Hub) CallRPC(ctx context.Context, method string, params, result any) error {
	id := sessionIDFromContext(ctx)
	if id == "" {
		return fmt.Errorf("%w: no session in context for %s", ErrNoSession, method)
	}
	return h.CallSession(ctx, id, method, params, result)
}

func (h *Hub) RegisterRPC(method string, handler HandlerFunc) { h.server.Register(method, handler) }

func (h *Hub) UnregisterRPC(method string) { h.server.Unregister(method) }

// Use appends a middleware to the hub's method table.
func (h *Hub) Use(mw Middleware) { h.server.Use(mw) }

// Close disconnects every session.
func (h *Hub) Close() error {
	for _, c := range h.snapshot("") {
		c.Close()
	}
	return nil
}

// HTTPHandler serves POST /rpc/* for the hub. Notifications posted over HTTP
// are relayed to every session before local dispatch.
func (h *Hub) HTTPHandler() http.Handler {
	return httpHandler(h.server, func(msg *Message) { h.relay("", msg) })
}
