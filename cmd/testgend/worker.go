package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/config"
	"github.com/fyrsmithlabs/testgen/internal/workflows"
)

// workerCmd runs the durable pipeline worker
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal pipeline worker",
	Long: `Run a Temporal worker executing pipeline workflows. Each stage runs as an
activity on the task queue configured by temporal.task_queue.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx, cfg, false)
		if err != nil {
			return fmt.Errorf("failed to initialize dependencies: %w", err)
		}
		defer func() { _ = a.Close() }()

		c, err := dialTemporal(cfg.Temporal)
		if err != nil {
			return err
		}
		defer c.Close()

		a.logger.Info("temporal client connected",
			zap.String("host", cfg.Temporal.HostPort),
			zap.String("namespace", cfg.Temporal.Namespace))

		acts, err := workflows.NewActivities(a.stages, a.checkpoints, relayOf(a), a.logger)
		if err != nil {
			return err
		}

		w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})
		workflows.Register(w, acts)

		a.logger.Info("worker configured", zap.String("task_queue", cfg.Temporal.TaskQueue))

		if err := w.Start(); err != nil {
			return fmt.Errorf("worker error: %w", err)
		}
		<-ctx.Done()
		a.logger.Info("shutdown signal received")
		w.Stop()
		a.logger.Info("worker stopped gracefully")
		return nil
	},
}

func dialTemporal(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return c, nil
}
