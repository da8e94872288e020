package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// maxBodyBytes caps the size of one HTTP envelope.
const maxBodyBytes = 4 << 20

// noResponseBody is returned with 500 when an envelope yields no response.
var noResponseBody = []byte(`{"error":"No response"}`)

// HTTPHandler serves POST /rpc/* with server. The body is one envelope; the
// reply is one envelope, or {"error":"No response"} with 500 when the message
// was a notification or was dropped.
func HTTPHandler(server *Server) http.Handler {
	return httpHandler(server, nil)
}

func httpHandler(server *Server, onNotify func(*Message)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		var resp *Message
		if msg, err := Decode(body); err != nil {
			server.logger.Warn("Dropping invalid rpc message", "transport", "http", "error", err)
		} else if msg.Kind() != KindResponse {
			if msg.Kind() == KindNotification && onNotify != nil {
				onNotify(msg)
			}
			resp = server.Handle(r.Context(), msg)
		}
		if resp == nil {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write(noResponseBody)
			return
		}
		out, err := json.Marshal(resp)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write(noResponseBody)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(out)
	})
}

// HTTPClient is a client-role transport that sends each call as one POST to
// {baseURL}/rpc/{method}. It cannot receive inbound calls: handlers registered
// on it are kept for symmetry but are only reachable in-process.
type HTTPClient struct {
	baseURL  string
	client   *http.Client
	clientID string
	server   *Server
	logger   *slog.Logger
	seq      atomic.Uint64
}

// NewHTTPClient creates a client for the server at baseURL.
func NewHTTPClient(baseURL string, client *http.Client, logger *slog.Logger) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		client:   client,
		clientID: uuid.New().String(),
		server:   NewServer(logger),
		logger:   logger.With("component", "rpc_http"),
	}
}

func (c *HTTPClient) Role() Role { return RoleClient }

// ClientID returns the id injected into outgoing envelopes.
func (c *HTTPClient) ClientID() string { return c.clientID }

func (c *HTTPClient) CallRPC(ctx context.Context, method string, params, result any) error {
	msg, err := NewRequest(c.seq.Add(1), method, params)
	if err != nil {
		return err
	}
	msg.ClientID = c.clientID

	status, body, err := c.post(ctx, method, msg)
	if err != nil {
		return err
	}
	resp, err := Decode(body)
	if err != nil || resp.Kind() != KindResponse {
		return fmt.Errorf("%w: %s: server returned %d without a response envelope", ErrTransportClosed, method, status)
	}
	if resp.Error != nil {
		return remoteError(resp.Error)
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("failed to decode result of %s: %w", method, err)
		}
	}
	return nil
}

// BroadcastRPC posts a notification. The server answers notifications with
// "No response", which is expected and ignored.
func (c *HTTPClient) BroadcastRPC(ctx context.Context, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	msg.ClientID = c.clientID
	if _, _, err := c.post(ctx, method, msg); err != nil {
		c.logger.Debug("Broadcast failed", "method", method, "error", err)
	}
	return nil
}

func (c *HTTPClient) RegisterRPC(method string, h HandlerFunc) { c.server.Register(method, h) }

func (c *HTTPClient) UnregisterRPC(method string) { c.server.Unregister(method) }

func (c *HTTPClient) post(ctx context.Context, method string, msg *Message) (int, []byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc/"+method, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return resp.StatusCode, body, nil
}
