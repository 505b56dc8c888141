package main

import (
	"context"
	"fmt"

	"taxdesk/pkg/types"

	"github.com/k0kubun/pp/v3"
	"github.com/urfave/cli/v2"
)

var viewCommand = &cli.Command{
	Name:  "view",
	Usage: "Print the aggregate view of one child type",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "type",
			Aliases:  []string{"t"},
			Usage:    "Child type: appointments, referrals or taxDocuments",
			Required: true,
		},
		&cli.StringFlag{
			Name:    "source",
			Aliases: []string{"s"},
			Usage:   "fanout or mirror",
			Value:   string(types.ViewSourceFanOut),
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
			return err
		}
		defer deps.close()

		childType, err := types.ParseChildType(c.String("type"))
		if err != nil {
			return err
		}

		var view *types.AggregateView
		switch types.ViewSource(c.String("source")) {
		case types.ViewSourceFanOut:
			view, err = deps.fetcher.FetchAggregateView(ctx, childType)
		case types.ViewSourceMirror:
			view, err = deps.fetcher.FetchMirrorView(ctx, childType)
		default:
			return fmt.Errorf("unknown view source %q", c.String("source"))
		}
		if err != nil {
			return err
		}

		pp.Println(view)
		return nil
	},
}
