package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

var reconcileCommand = &cli.Command{
	Name:  "reconcile",
	Usage: "Consume flagged mirror writes and repair the mirrors",
	Action: func(c *cli.Context) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig(c)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.KafkaBrokers == "" {
			return fmt.Errorf("set KAFKA_BROKERS")
		}

		logger := newLogger()

		deps, err := buildCore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer deps.close()

		reconciler := deps.newReconciler(cfg, logger)

		logger.WithField("topic", cfg.ReconcileTopic).Info("reconciler starting")
		if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("reconciler stopped")
		return nil
	},
}
