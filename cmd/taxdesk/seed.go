package main

import (
	"context"
	"fmt"

	"taxdesk/internal/documents"
	"taxdesk/internal/seed"

	"github.com/urfave/cli/v2"
)

var seedCommand = &cli.Command{
	Name:  "seed",
	Usage: "Seed the record store with sample customers",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "documents",
			Usage: "Also upload a sample W-2 for each customer",
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx := context.Background()
		logger := newLogger()

		deps, err := buildCore(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to open record store: %w", err)
		}
		defer deps.close()

		logger.Info("seeding owners")
		if err := seed.SeedOwners(ctx, deps.store); err != nil {
			return fmt.Errorf("failed to seed owners: %w", err)
		}

		logger.Info("seeding appointments and referrals")
		if err := seed.SeedChildren(ctx, deps.store, deps.coordinator); err != nil {
			return fmt.Errorf("failed to seed child records: %w", err)
		}

		if c.Bool("documents") {
			blobs, err := openBlobs(ctx, cfg)
			if err != nil {
				return err
			}

			docs := documents.New(deps.store, deps.coordinator, blobs, logger).
				WithPathPrefix(cfg.BlobPathPrefix).
				WithMaxBytes(cfg.MaxUploadBytes)

			logger.Info("seeding documents")
			if err := seed.SeedDocuments(ctx, deps.store, docs); err != nil {
				return fmt.Errorf("failed to seed documents: %w", err)
			}
		}

		logger.Info("seed complete")
		return nil
	},
}
