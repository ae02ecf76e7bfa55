package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/testgen/internal/mcp"
)

// mcpCmd serves the MCP tools over stdio
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio",
	Long: `Serve the testgen MCP tools over stdin/stdout. Runs execute in this
process; logs go to stderr because stdout carries the protocol.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx, cfg, true)
		if err != nil {
			return fmt.Errorf("failed to initialize dependencies: %w", err)
		}
		defer func() { _ = a.Close() }()

		svc, err := a.runService()
		if err != nil {
			return fmt.Errorf("failed to create run service: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
			defer cancel()
			_ = svc.Close(closeCtx)
		}()

		srv, err := mcp.NewServer(&mcp.Config{
			Name:    "testgen",
			Version: version,
			Logger:  a.logger,
		}, mcp.Deps{
			Runs:      svc,
			Documents: a.docs,
			Artifacts: a.repo,
			Redactor:  a.redactor,
		})
		if err != nil {
			return fmt.Errorf("failed to create mcp server: %w", err)
		}

		// stdout carries the protocol
		fmt.Fprintf(os.Stderr, "testgend mcp stdio mode started\n")
		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("stdio server error: %w", err)
		}
		a.logger.Info("stdio MCP server shutdown complete")
		return nil
	},
}
