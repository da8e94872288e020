package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/jsonrpc2"
)

// Transport errors surfaced to in-flight calls.
var (
	ErrTransportClosed = errors.New("rpc: transport closed")
	ErrTimeout         = errors.New("rpc: call timed out")
)

// outboxSize bounds the queue of envelopes waiting to be written.
const outboxSize = 256

// Conn is one peer connection over a jsonrpc2.ObjectStream.
//
// A single read loop routes responses to pending calls and hands requests and
// notifications to the local Server. Notifications are dispatched inline so
// they are applied in arrival order; requests run on their own goroutine so a
// handler may issue calls on the same connection. All writes go through one
// writer goroutine, which keeps outbound order and never blocks the reader.
type Conn struct {
	stream   jsonrpc2.ObjectStream
	server   *Server
	logger   *slog.Logger
	clientID string // injected into every outgoing envelope when set
	peerID   string // fallback client id for inbound messages

	onNotify func(msg *Message)
	onClose  func(c *Conn)

	seq     atomic.Uint64
	mu      sync.Mutex
	pending map[string]chan *Message

	outbox    chan *Message
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type connConfig struct {
	clientID string
	peerID   string
	logger   *slog.Logger
	onNotify func(msg *Message)
	onClose  func(c *Conn)
}

// newConn wraps stream and starts the read and write loops.
func newConn(ctx context.Context, stream jsonrpc2.ObjectStream, server *Server, cfg connConfig) *Conn {
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		stream:   stream,
		server:   server,
		logger:   logger,
		clientID: cfg.clientID,
		peerID:   cfg.peerID,
		onNotify: cfg.onNotify,
		onClose:  cfg.onClose,
		pending:  make(map[string]chan *Message),
		outbox:   make(chan *Message, outboxSize),
		closed:   make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop(ctx)
	return c
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Err returns why the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// PeerID returns the id this connection was registered under.
func (c *Conn) PeerID() string {
	return c.peerID
}

// Close shuts the connection down. Pending calls fail with ErrTransportClosed.
// Safe to call multiple times.
func (c *Conn) Close() error {
	c.shutdown(ErrTransportClosed)
	return nil
}

func (c *Conn) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.closeErr = reason
		close(c.closed)
		c.stream.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// Call sends a request and waits for the matched response.
// A non-nil result receives the decoded result value.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	id := c.seq.Add(1)
	msg, err := NewRequest(id, method, params)
	if err != nil {
		return err
	}
	key := msg.ID.String()

	respCh := make(chan *Message, 1)
	c.mu.Lock()
	c.pending[key] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, msg); err != nil {
		return err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return remoteError(resp.Error)
		}
		if result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("failed to decode result of %s: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s: %w", ErrTimeout, method, ctx.Err())
		}
		return ctx.Err()
	case <-c.closed:
		return fmt.Errorf("%w: %s", ErrTransportClosed, method)
	}
}

// Notify sends a notification. No response is expected.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.send(ctx, msg)
}

func (c *Conn) send(ctx context.Context, msg *Message) error {
	if c.clientID != "" && msg.Kind() != KindResponse {
		msg.ClientID = c.clientID
	}
	select {
	case <-c.closed:
		return ErrTransportClosed
	default:
	}
	select {
	case c.outbox <- msg:
		return nil
	case <-c.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues msg without waiting. It reports false when the connection
// is closed or its outbox is full, so one stalled peer cannot hold up a
// broadcast to the others.
func (c *Conn) trySend(msg *Message) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.outbox <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.outbox:
			if err := c.stream.WriteObject(msg); err != nil {
				c.logger.Debug("Rpc write failed, closing connection", "peer", c.peerID, "error", err)
				c.shutdown(fmt.Errorf("%w: %v", ErrTransportClosed, err))
				return
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		var raw json.RawMessage
		if err := c.stream.ReadObject(&raw); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				// The frame was consumed; only this message is lost
				c.logger.Warn("Dropping invalid rpc message", "peer", c.peerID, "error", err)
				continue
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrTransportClosed, err))
			return
		}

		msg, err := Decode(raw)
		if err != nil {
			c.logger.Warn("Dropping invalid rpc message", "peer", c.peerID, "error", err)
			continue
		}

		if msg.Kind() != KindResponse && msg.ClientID == "" {
			msg.ClientID = c.peerID
		}

		switch msg.Kind() {
		case KindResponse:
			c.deliver(msg)
		case KindNotification:
			if c.onNotify != nil {
				c.onNotify(msg)
			}
			c.server.Handle(ctx, msg)
		case KindRequest:
			go c.serve(ctx, msg)
		}
	}
}

func (c *Conn) serve(ctx context.Context, msg *Message) {
	resp := c.server.Handle(ctx, msg)
	if resp == nil {
		return
	}
	if err := c.send(context.Background(), resp); err != nil {
		c.logger.Debug("Failed to send rpc response", "method", msg.Method, "error", err)
	}
}

func (c *Conn) deliver(msg *Message) {
	key := msg.ID.String()
	c.mu.Lock()
	ch, ok := c.pending[key]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("Dropping response for unknown call", "id", key)
		return
	}
	select {
	case ch <- msg:
	default:
		c.logger.Debug("Dropping duplicate response", "id", key)
	}
}
