// Testgend is the testgen daemon. It serves the HTTP/SSE gateway, the MCP
// stdio server and the Temporal pipeline worker from one binary.
//
// Configuration is loaded from an optional YAML file, a .env file and
// TESTGEN_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the gateway with defaults
//	testgend
//
//	# Serve MCP over stdio
//	testgend mcp --config testgen.yaml
//
//	# Run the durable pipeline worker
//	TESTGEN_TEMPORAL_HOST_PORT=localhost:7233 testgend worker
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/testgen/internal/config"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the optional YAML configuration file
var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "testgend",
	Short: "Test artifact generation daemon",
	Long: `testgend turns requirement documents into function points, test cases,
test scripts and a mind map. Without a subcommand it serves the HTTP gateway.`,
	Version:      version,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("TESTGEN_CONFIG"), "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, mcpCmd, workerCmd, workflowCmd, versionCmd)
}

// versionCmd prints build information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		printVersion(cmd)
	},
}

// printVersion prints version information
func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "testgend by Fyrsmith Labs\n")
	fmt.Fprintf(out, "Version:    %s\n", version)
	fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(out, "Build Date: %s\n", buildDate)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
