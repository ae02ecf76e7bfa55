package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/config"
	"github.com/fyrsmithlabs/testgen/internal/http"
	"github.com/fyrsmithlabs/testgen/internal/inbox"
)

// serveCmd runs the HTTP gateway
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP/SSE gateway",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return serve(ctx, cfg)
}

// serve starts the gateway and blocks until ctx is canceled.
//
// This function:
//  1. Initializes every dependency through newApp
//  2. Starts the run service and the HTTP server
//  3. Starts the inbox watcher when enabled
//  4. Shuts everything down within server.shutdown_timeout
func serve(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer func() { _ = a.Close() }()
	logger := a.logger

	logger.Info("starting testgend",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	svc, err := a.runService()
	if err != nil {
		return fmt.Errorf("failed to create run service: %w", err)
	}

	srv, err := http.NewServer(http.Deps{
		Runs:      svc,
		Documents: a.docs,
		Artifacts: a.repo,
		Redactor:  a.redactor,
		Logger:    logger,
	}, &http.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		Heartbeat: cfg.Events.Heartbeat.Duration(),
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	if cfg.Inbox.Enabled {
		w, err := startInbox(ctx, cfg.Inbox, a, logger)
		if err != nil {
			return err
		}
		defer w.Stop()
	}

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start()
	}()

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := svc.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("run service shutdown: %w", err))
	}
	logger.Info("server shutdown complete")
	return errors.Join(errs...)
}

// startInbox watches the drop directory. Dropped files are uploaded and
// indexed; the watcher logs each outcome.
func startInbox(ctx context.Context, cfg config.InboxConfig, a *app, logger *zap.Logger) (*inbox.Watcher, error) {
	w, err := inbox.New(cfg.Dir, a.docs, inbox.Options{Index: true}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create inbox watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start inbox watcher: %w", err)
	}
	logger.Debug("inbox enabled", zap.String("dir", cfg.Dir))
	return w, nil
}
