package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jamtools/springboard/internal/printer"
	"github.com/jamtools/springboard/pkg/kvstore"
	"github.com/spf13/cobra"
)

var kvServer string

var kvCmd = &cobra.Command{
	Use:   "kv",
	Short: "Read and write the remote kv store of a running server",
	Long: `Read and write the remote kv store of a running server through its
/kv endpoints.

Examples:
  springboard kv list
  springboard kv get counter:last_reset
  springboard kv set greeting '"hello"'
  springboard kv set --server http://studio.local:1337 volume 0.8`,
}

var kvGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print the value stored under KEY",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := kvClient(cmd).Get(cmd.Context(), args[0])
		if err != nil {
			return kvError(err)
		}
		if value == nil {
			return printer.Error("key not found", fmt.Sprintf("No value is stored under %q.", args[0]), nil)
		}
		printer.Println(string(value))
		return nil
	},
}

var kvSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Store VALUE under KEY",
	Long: `Store VALUE under KEY. VALUE is parsed as JSON; anything that is not
valid JSON is stored as a string.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := parseValue(args[1])
		if err := kvClient(cmd).Set(cmd.Context(), args[0], value); err != nil {
			return kvError(err)
		}
		printer.Success("Set %s\n", args[0])
		return nil
	},
}

var kvListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print every key and value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, err := kvClient(cmd).GetAll(cmd.Context())
		if err != nil {
			return kvError(err)
		}
		if len(all) == 0 {
			printer.Info("No keys\n")
			return nil
		}
		entries := make(map[string]string, len(all))
		for k, v := range all {
			entries[k] = string(v)
		}
		printer.KeyValues(entries)
		return nil
	},
}

func init() {
	kvCmd.PersistentFlags().StringVar(&kvServer, "server", "", "Base URL of the server (default from server.addr)")
	kvCmd.AddCommand(kvGetCmd, kvSetCmd, kvListCmd)
	rootCmd.AddCommand(kvCmd)
}

func kvClient(cmd *cobra.Command) *kvstore.HTTP {
	base := kvServer
	if base == "" {
		base = "http://localhost:1337"
		if cfg, err := loadConfig(cmd); err == nil {
			base = baseURL(cfg.Server.Addr)
		}
	}
	return kvstore.NewHTTP(base, &http.Client{Timeout: 10 * time.Second})
}

// baseURL turns a listen address such as ":1337" into a client URL.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func parseValue(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	raw, _ := json.Marshal(s)
	return raw
}

func kvError(err error) error {
	return printer.Error("kv request failed", err.Error(), []string{"Check that `springboard serve` is running and --server points at it"})
}
