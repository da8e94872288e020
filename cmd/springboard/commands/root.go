package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/jamtools/springboard/internal/config"
	"github.com/jamtools/springboard/internal/printer"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "springboard",
	Short: "Springboard - modular apps sharing state across devices",
	Long: `Springboard runs application modules that share state and actions
between an authoritative server and any number of connected devices.

A process started with maestro: true (or without a peer) is the authority;
every other process follows it over a WebSocket JSON-RPC connection.`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		printer.SetOutput(cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Silence Cobra's default error and usage printing
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to springboard.yml")
}

// loadConfig reads the config file. A missing file is only an error when
// --config was given explicitly; otherwise defaults plus environment apply.
func loadConfig(cmd *cobra.Command) (*config.SpringboardConfig, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg = &config.SpringboardConfig{Version: "1.0"}
		if err := cfg.ApplyEnv(os.Getenv); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return nil, printer.ErrorWithContext(
		"failed to load configuration",
		err.Error(),
		map[string]string{"config": configPath},
		[]string{"Check the file against the springboard.yml reference"},
	)
}
