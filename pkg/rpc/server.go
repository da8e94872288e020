package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"

	"github.com/sourcegraph/jsonrpc2"
)

// CodeHandlerError is the error code used when a registered handler fails.
const CodeHandlerError = -32000

// HandlerFunc serves one method. The returned value is JSON-encoded as the result.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Middleware runs before every request handler, in registration order.
// The returned values are merged into the request context (see RequestValues).
// Returning an error aborts the request with an opaque error response.
type Middleware func(ctx context.Context, msg *Message) (map[string]any, error)

type ctxKey int

const (
	clientIDKey ctxKey = iota
	requestValuesKey
	sessionIDKey
)

// withClientID returns a context carrying the id of the peer that sent the request.
func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// ClientIDFromContext returns the id of the peer that sent the current request.
func ClientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey).(string)
	return id
}

// RequestValues returns the values merged from every middleware for this request.
// Never nil inside a handler.
func RequestValues(ctx context.Context) map[string]any {
	v, _ := ctx.Value(requestValuesKey).(map[string]any)
	return v
}

// Server is the method table of one process. Both roles embed one: clients use
// it to serve calls initiated by their counterpart.
type Server struct {
	mu         sync.RWMutex
	handlers   map[string]HandlerFunc
	middleware []Middleware
	logger     *slog.Logger
}

// NewServer creates an empty method table. A nil logger uses slog.Default().
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handlers: make(map[string]HandlerFunc),
		logger:   logger.With("component", "rpc"),
	}
}

// Register installs h for method, replacing any previous handler.
func (s *Server) Register(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[method]; exists {
		s.logger.Debug("Replacing rpc handler", "method", method)
	}
	s.handlers[method] = h
}

// Unregister removes the handler for method. No-op if none is registered.
func (s *Server) Unregister(method string) {
	s.mu.Lock()
	delete(s.handlers, method)
	s.mu.Unlock()
}

// Use appends a middleware to the chain.
func (s *Server) Use(mw Middleware) {
	s.mu.Lock()
	s.middleware = append(s.middleware, mw)
	s.mu.Unlock()
}

// Methods returns the sorted names of registered methods.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// HandleRaw decodes one inbound envelope and dispatches it.
// Returns the response to send, or nil when nothing must be sent: malformed
// messages, notifications and responses all produce nil.
func (s *Server) HandleRaw(ctx context.Context, data []byte) *Message {
	msg, err := Decode(data)
	if err != nil {
		s.logger.Warn("Dropping invalid rpc message", "error", err)
		return nil
	}
	if msg.Kind() == KindResponse {
		s.logger.Debug("Dropping unsolicited rpc response", "id", msg.ID.String())
		return nil
	}
	return s.Handle(ctx, msg)
}

// Handle dispatches a validated request or notification.
// Returns nil for notifications.
func (s *Server) Handle(ctx context.Context, msg *Message) *Message {
	if msg.ClientID != "" {
		ctx = withClientID(ctx, msg.ClientID)
	}

	s.mu.RLock()
	h, ok := s.handlers[msg.Method]
	chain := append([]Middleware(nil), s.middleware...)
	s.mu.RUnlock()

	isRequest := msg.Kind() == KindRequest

	values := make(map[string]any)
	for _, mw := range chain {
		extra, err := runMiddleware(ctx, mw, msg)
		if err != nil {
			s.logger.Error("Rpc middleware failed", "method", msg.Method, "error", err)
			if !isRequest {
				return nil
			}
			return newOpaqueError(msg.ID)
		}
		maps.Copy(values, extra)
	}
	ctx = context.WithValue(ctx, requestValuesKey, values)

	if !ok {
		if !isRequest {
			s.logger.Debug("No handler for rpc notification", "method", msg.Method)
			return nil
		}
		return newError(msg.ID, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found"})
	}

	result, err := runHandler(ctx, h, msg.Params)
	if !isRequest {
		if err != nil {
			s.logger.Warn("Rpc notification handler failed", "method", msg.Method, "error", err)
		}
		return nil
	}
	if err != nil {
		return newError(msg.ID, &jsonrpc2.Error{Code: CodeHandlerError, Message: err.Error()})
	}
	return newResult(msg.ID, result)
}

func runMiddleware(ctx context.Context, mw Middleware, msg *Message) (values map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("middleware panic: %v", r)
		}
	}()
	return mw(ctx, msg)
}

func runHandler(ctx context.Context, h HandlerFunc, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, params)
}
