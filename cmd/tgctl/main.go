// Package main implements tgctl, the command-line client of the testgen
// gateway.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	tghttp "github.com/fyrsmithlabs/testgen/internal/http"
)

var (
	// serverURL is the base URL of the testgen gateway
	serverURL string
	// timeout bounds each request
	timeout time.Duration
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tgctl",
	Short: "CLI for the testgen gateway",
	Long: `tgctl is a command-line interface for the testgen gateway.
It uploads requirement documents, starts generation runs, reviews the
generated function points and follows runs as they progress.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("TESTGEN_SERVER", "http://localhost:8090"), "testgen gateway URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.AddCommand(healthCmd, redactCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient() *client {
	return newGatewayClient(serverURL, timeout)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check gateway health",
	Long: `Check the health status of the testgen gateway.

Examples:
  tgctl health
  tgctl health --server http://localhost:8080`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var resp tghttp.HealthResponse
		if err := newClient().getJSON(cmd.Context(), "/health", &resp); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Server Status:"), statusStyle(resp.Status).Render(resp.Status))
		fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Server URL:"), serverURL)
		return nil
	},
}

// redactCmd redacts secrets from a file or stdin
var redactCmd = &cobra.Command{
	Use:   "redact [file]",
	Short: "Redact secrets from a file or stdin",
	Long: `Redact secrets from a file or stdin using the gateway's detector.

Examples:
  tgctl redact requirements.md
  cat notes.txt | tgctl redact -`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := "stdin"
		var (
			content []byte
			err     error
		)
		if len(args) == 0 || args[0] == "-" {
			content, err = io.ReadAll(cmd.InOrStdin())
		} else {
			name = args[0]
			content, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		if len(content) == 0 {
			return fmt.Errorf("no content to redact")
		}

		var resp tghttp.RedactResponse
		req := tghttp.RedactRequest{Name: name, Content: string(content)}
		if err := newClient().postJSON(cmd.Context(), "/api/v1/redact", req, &resp); err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), resp.Content)
		if resp.FindingsCount > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "\n[tgctl] Redacted %d secret(s)\n", resp.FindingsCount)
		}
		return nil
	},
}
