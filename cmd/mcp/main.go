// Command ethsim-mcp serves the ethsim HTTP API as MCP tools over stdio.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	mcptools "github.com/gateway-fm/ethsimulator/internal/mcp"
)

// Version is set at build time.
var Version = "dev"

// EnvAPIURL overrides the default API address.
const EnvAPIURL = "ETHSIM_API_URL"

func newRootCmd() *cobra.Command {
	apiURL := os.Getenv(EnvAPIURL)
	if apiURL == "" {
		apiURL = mcptools.DefaultURL
	}

	cmd := &cobra.Command{
		Use:           "ethsim-mcp",
		Short:         "Expose a running ethsim serve as MCP tools on stdio",
		Args:          cobra.NoArgs,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// stdout carries the protocol, so logs go to stderr
			logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

			s := server.NewMCPServer("ethsimulator", Version,
				server.WithToolCapabilities(true),
				server.WithRecovery(),
			)
			mcptools.RegisterTools(s, mcptools.NewClient(apiURL))

			logger.Info("serving MCP on stdio", slog.String("api", apiURL))
			return server.ServeStdio(s, server.WithErrorLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError)))
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", apiURL, "ethsim serve address (env "+EnvAPIURL+")")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
