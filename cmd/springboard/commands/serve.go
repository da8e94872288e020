package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jamtools/springboard/internal/config"
	"github.com/jamtools/springboard/internal/logging"
	"github.com/jamtools/springboard/internal/printer"
	"github.com/jamtools/springboard/internal/server"
	"github.com/jamtools/springboard/pkg/engine"
	"github.com/jamtools/springboard/pkg/rpc"
	"github.com/spf13/cobra"
)

var (
	serveAddr    string
	serveMaestro bool
	servePeer    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the registered modules and serve them over HTTP",
	Long: `Run every registered module in an engine and serve module routes,
the kv endpoints, JSON-RPC (/ws and /rpc/) and /healthz.

Without a peer the process is the authority for shared state. With --peer
(or peer.url in springboard.yml) it follows the authority at that address.

Examples:
  # Authority on the default address
  springboard serve

  # Device following an authority
  springboard serve --addr :1338 --peer ws://studio.local:1337/ws`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveMaestro, "maestro", false, "Force this process to be the authority")
	serveCmd.Flags().StringVar(&servePeer, "peer", "", "WebSocket URL of the authority (overrides peer.url)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if serveMaestro {
		cfg.Maestro = true
	}
	if servePeer != "" {
		cfg.Peer = &config.PeerConfig{URL: servePeer}
		if err := cfg.Validate(); err != nil {
			return printer.Error("invalid --peer", err.Error(), []string{"Use a ws:// or wss:// URL ending in /ws"})
		}
	}

	logger, err := logging.New(os.Stderr, logging.Options{
		Format:   logging.Format(cfg.Logging.Format),
		Level:    cfg.Logging.Level,
		Instance: cfg.InstanceName,
	})
	if err != nil {
		return printer.Error("invalid logging configuration", err.Error(), nil)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := startRuntime(ctx, cfg, logger)
	if err != nil {
		return printer.ErrorWithContext(
			"failed to start springboard",
			err.Error(),
			map[string]string{"instance": cfg.InstanceName},
			nil,
		)
	}
	defer rt.Close()

	printer.Success("Engine ready (%s, %d modules)\n", rt.engine.Role(), rt.engine.Registry().Len())
	printer.Info("Listening on %s\n", cfg.Server.Addr)

	if err := rt.server.Run(ctx); err != nil {
		return printer.Error("server stopped", err.Error(), nil)
	}
	printer.Info("Shut down\n")
	return nil
}

// runtime is one running engine with its transport, stores and server.
type runtime struct {
	engine *engine.Engine
	server *server.Server
	stores *server.Stores
	peer   *rpc.Client
	hub    *rpc.Hub
}

// startRuntime opens the stores, connects the transport and initializes the
// engine. The registry is the queue filled by module init functions.
func startRuntime(ctx context.Context, cfg *config.SpringboardConfig, logger *slog.Logger) (*runtime, error) {
	stores, err := server.OpenStores(cfg)
	if err != nil {
		return nil, err
	}
	rt := &runtime{stores: stores}

	var transport rpc.RPC
	if cfg.Peer != nil && !cfg.Maestro {
		rt.peer, err = rpc.DialWebSocket(ctx, cfg.Peer.URL,
			rpc.WithLogger(logger), rpc.WithCallTimeout(cfg.Peer.CallTimeout))
		if err != nil {
			stores.Close()
			return nil, fmt.Errorf("failed to connect to authority: %w", err)
		}
		transport = rt.peer
	} else {
		if cfg.Peer != nil {
			logger.Warn("Ignoring peer, this process is the maestro", "peer", cfg.Peer.URL)
		}
		rt.hub = rpc.NewHub(ctx, nil, logger)
		transport = rt.hub
	}

	rt.engine = engine.New(engine.Deps{
		Maestro: cfg.Maestro || cfg.Peer == nil,
		RPC:     transport,
		Stores:  stores.Stores,
		Logger:  logger,
	})
	if err := rt.engine.Initialize(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	rt.server = server.New(server.Options{
		Addr:            cfg.Server.Addr,
		Engine:          rt.engine,
		Hub:             rt.hub,
		Stores:          stores,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logger,
	})
	return rt, nil
}

// Close resets the engine and releases the transport and stores.
func (rt *runtime) Close() error {
	var errs []error
	if rt.engine != nil {
		errs = append(errs, rt.engine.Reset(context.Background()))
	}
	if rt.peer != nil {
		errs = append(errs, rt.peer.Close())
	}
	if rt.hub != nil {
		errs = append(errs, rt.hub.Close())
	}
	errs = append(errs, rt.stores.Close())
	return errors.Join(errs...)
}
