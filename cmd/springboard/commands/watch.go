package commands

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jamtools/springboard/internal/filter"
	"github.com/jamtools/springboard/internal/logging"
	"github.com/jamtools/springboard/internal/printer"
	"github.com/jamtools/springboard/internal/watch"
	"github.com/jamtools/springboard/pkg/rpc"
	"github.com/spf13/cobra"
)

var (
	watchServer       string
	watchOutputFormat string
	watchName         string
	watchKind         string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream shared state and kv changes from a running server",
	Long: `Connect to a running server and print every shared state change and
shared kv write as it is broadcast.

Output Formats:
  default - Human-readable lines with timestamps
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Watch everything on the local server
  springboard watch

  # Only the counter module's states
  springboard watch --name 'counter.*' --kind state

  # Export events as JSON
  springboard watch --output=json > events.jsonl`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchServer, "server", "", "WebSocket URL of the server (default from server.addr)")
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().StringVar(&watchName, "name", "", "Only show names matching this glob")
	watchCmd.Flags().StringVar(&watchKind, "kind", "", "Only show this kind of change (state or kv)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	var format watch.OutputFormat
	switch watchOutputFormat {
	case "default":
		format = watch.OutputFormatDefault
	case "json":
		format = watch.OutputFormatJSON
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	criteria := filter.Criteria{NameGlob: watchName, Kind: watchKind}
	if watchKind != "" && watchKind != watch.KindState && watchKind != watch.KindKV {
		return printer.Error("invalid kind", fmt.Sprintf("Unknown kind: %s", watchKind), []string{"Valid kinds: state, kv"})
	}
	if err := criteria.Validate(); err != nil {
		return printer.Error("invalid --name pattern", err.Error(), nil)
	}

	url := watchServer
	if url == "" {
		url = "ws://localhost:1337/ws"
		if cfg, err := loadConfig(cmd); err == nil {
			url = "ws" + strings.TrimPrefix(baseURL(cfg.Server.Addr), "http") + "/ws"
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := rpc.NewServer(logging.Discard())
	w := watch.New(srv, criteria, format, cmd.OutOrStdout())
	client, err := rpc.DialWebSocket(ctx, url, rpc.WithServer(srv), rpc.WithLogger(logging.Discard()))
	if err != nil {
		return printer.ErrorWithContext(
			"connection failed",
			err.Error(),
			map[string]string{"server": url},
			[]string{"Check that `springboard serve` is running and --server points at its /ws endpoint"},
		)
	}
	defer client.Close()

	if format == watch.OutputFormatDefault {
		printer.Info("Watching %s (Ctrl-C to stop)\n", url)
	}
	if err := w.Run(ctx, client.Done()); err != nil {
		if errors.Is(err, watch.ErrDisconnected) {
			return printer.Error("disconnected", "The server closed the connection.", nil)
		}
		return err
	}
	return nil
}
