// ethsim drives a local Ethereum test network with a randomized transfer
// workload. It can supervise the execution client, initialize its ledger,
// run one simulation from the command line or serve an HTTP API.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/ethsimulator/internal/config"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// app carries what every subcommand needs once the root command has run.
type app struct {
	configPath string
	logLevel   string

	client  string
	host    string
	port    int
	dataDir string

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "ethsim",
		Short:         "Randomized transfer workload for local Ethereum test networks",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
	flags.StringVar(&a.client, "client", "", "Execution client (geth, reth)")
	flags.StringVar(&a.host, "rpc-host", "", "JSON-RPC host of the execution client")
	flags.IntVar(&a.port, "rpc-port", 0, "JSON-RPC port of the execution client")
	flags.StringVar(&a.dataDir, "data-dir", "", "Chain data directory of a supervised client")

	rootCmd.AddCommand(
		newAccountsCmd(a),
		newInitCmd(a),
		newRunCmd(a),
		newServeCmd(a),
	)
	return rootCmd
}

// setup loads the configuration, applies the global flags and installs the
// JSON logger as the default.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	if flags.Changed("client") {
		cfg.Client.Kind = a.client
	}
	if flags.Changed("rpc-host") {
		cfg.Client.Host = a.host
	}
	if flags.Changed("rpc-port") {
		cfg.Client.Port = a.port
	}
	if flags.Changed("data-dir") {
		cfg.Client.DataDir = a.dataDir
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.logger)
	a.cfg = cfg
	return nil
}
