package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
)

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	clientID    string
	logger      *slog.Logger
	server      *Server
	callTimeout time.Duration
}

// WithClientID sets the id injected into every outgoing envelope.
// Defaults to a random UUID.
func WithClientID(id string) ClientOption {
	return func(o *clientOptions) { o.clientID = id }
}

// WithLogger sets the logger used by the transport.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = logger }
}

// WithServer makes the client serve inbound calls from an existing method table.
func WithServer(s *Server) ClientOption {
	return func(o *clientOptions) { o.server = s }
}

// WithCallTimeout bounds calls whose context has no deadline.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.callTimeout = d }
}

func buildClientOptions(opts []ClientOption) clientOptions {
	o := clientOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clientID == "" {
		o.clientID = uuid.New().String()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.server == nil {
		o.server = NewServer(o.logger)
	}
	return o
}

// Client is the client-role transport: it owns one connection to its
// counterpart and serves the counterpart's calls with its embedded Server.
type Client struct {
	conn        *Conn
	server      *Server
	clientID    string
	callTimeout time.Duration
}

// NewClient starts a client over an already established stream.
func NewClient(ctx context.Context, stream jsonrpc2.ObjectStream, opts ...ClientOption) *Client {
	o := buildClientOptions(opts)
	conn := newConn(ctx, stream, o.server, connConfig{
		clientID: o.clientID,
		logger:   o.logger.With("component", "rpc_client", "client_id", o.clientID),
	})
	return &Client{
		conn:        conn,
		server:      o.server,
		clientID:    o.clientID,
		callTimeout: o.callTimeout,
	}
}

// DialWebSocket connects to a Hub at rawURL (ws:// or wss://).
// The client id is sent as the clientId query parameter so the hub registers
// the session under the same id the envelopes carry.
func DialWebSocket(ctx context.Context, rawURL string, opts ...ClientOption) (*Client, error) {
	o := buildClientOptions(opts)

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url: %w", err)
	}
	q := u.Query()
	q.Set("clientId", o.clientID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	wsConn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	return NewClient(context.WithoutCancel(ctx), newWebSocketStream(wsConn),
		WithClientID(o.clientID), WithLogger(o.logger), WithServer(o.server), WithCallTimeout(o.callTimeout)), nil
}

func (c *Client) Role() Role { return RoleClient }

// ClientID returns the id injected into outgoing envelopes.
func (c *Client) ClientID() string { return c.clientID }

// Server returns the embedded method table.
func (c *Client) Server() *Server { return c.server }

func (c *Client) CallRPC(ctx context.Context, method string, params, result any) error {
	if _, ok := ctx.Deadline(); !ok && c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	return c.conn.Call(ctx, method, params, result)
}

// BroadcastRPC notifies the counterpart, which relays to its other peers.
// A closed connection is not an error: there is nobody to notify.
func (c *Client) BroadcastRPC(ctx context.Context, method string, params any) error {
	if err := c.conn.Notify(ctx, method, params); err != nil && err != ErrTransportClosed {
		return err
	}
	return nil
}

func (c *Client) RegisterRPC(method string, h HandlerFunc) { c.server.Register(method, h) }

func (c *Client) UnregisterRPC(method string) { c.server.Unregister(method) }

// Use appends a middleware to the embedded server.
func (c *Client) Use(mw Middleware) { c.server.Use(mw) }

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }

// Close closes the connection. Pending calls fail with ErrTransportClosed.
func (c *Client) Close() error { return c.conn.Close() }
