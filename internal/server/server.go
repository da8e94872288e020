// Package server exposes an engine over HTTP: module routes, the kv
// endpoints, JSON-RPC over WebSocket and HTTP, and a health check.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jamtools/springboard/internal/logging"
	"github.com/jamtools/springboard/pkg/engine"
	"github.com/jamtools/springboard/pkg/kvstore"
	"github.com/jamtools/springboard/pkg/rpc"
)

// KVChangedMethod is broadcast to every session when the shared kv scope
// changes on any server of the instance.
const KVChangedMethod = "kv.changed"

// Options configures a Server.
type Options struct {
	Addr   string
	Engine *engine.Engine

	// Hub serves /ws and /rpc/. Nil on followers, which do not accept peers.
	Hub *rpc.Hub

	Stores          *Stores
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Server is the HTTP front of one engine.
type Server struct {
	opts   Options
	logger *slog.Logger
	mux    *http.ServeMux
}

// New builds the server and its routes.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Stores == nil {
		opts.Stores = &Stores{Stores: make(kvstore.Stores)}
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		opts:   opts,
		logger: opts.Logger.With("component", "server"),
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("/healthz", s.healthCheckHandler)
	if store, err := opts.Stores.Get(kvstore.ScopeRemote); err == nil {
		s.mux.Handle("/kv/", kvstore.Handler(store))
	}
	if opts.Hub != nil {
		s.mux.Handle("/ws", opts.Hub)
		s.mux.Handle("/rpc/", opts.Hub.HTTPHandler())
	}
	if opts.Engine != nil {
		s.mux.Handle("/", opts.Engine.Handler())
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if s.opts.Stores.Shared != nil && s.opts.Hub != nil {
		sub, err := s.opts.Stores.Shared.SubscribeChanges(ctx)
		if err != nil {
			return err
		}
		defer sub.Close()
		go s.relayChanges(ctx, sub)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	logging.Event(s.logger, "server_started", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if s.opts.Hub != nil {
		s.opts.Hub.Close()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	logging.Event(s.logger, "server_stopped")
	return nil
}

// relayChanges forwards shared kv writes to every connected session.
func (s *Server) relayChanges(ctx context.Context, sub *kvstore.Subscription) {
	events, errs := sub.Events(), sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-events:
			if !ok {
				return
			}
			if err := s.opts.Hub.BroadcastRPC(ctx, KVChangedMethod, change); err != nil {
				s.logger.Warn("Failed to relay kv change", "key", change.Key, "error", err)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Warn("Dropping kv change", "error", err)
		}
	}
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status   string `json:"status"`
	Engine   string `json:"engine"`
	Role     string `json:"role,omitempty"`
	Stores   string `json:"stores"`
	Sessions int    `json:"sessions"`
	Error    string `json:"error,omitempty"`
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK when the engine is ready and every store answers, 503 otherwise.
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{Status: "healthy", Stores: "connected", Engine: "none"}
	status := http.StatusOK

	if e := s.opts.Engine; e != nil {
		response.Engine = e.State().String()
		response.Role = e.Role().String()
		if e.State() != engine.StateReady {
			response.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}
	if s.opts.Hub != nil {
		response.Sessions = len(s.opts.Hub.Sessions())
	}
	if err := s.opts.Stores.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Stores = "disconnected"
		response.Error = err.Error()
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}
