package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/LuanFBA/estoque-system/internal/app"
	"github.com/LuanFBA/estoque-system/internal/config"
	"github.com/LuanFBA/estoque-system/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cliApp := &cli.App{
		Name:  "estoque-api",
		Usage: "order and product intake over HTTP",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP server until SIGINT/SIGTERM",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "migrate",
						Usage:   "apply pending schema migrations before serving",
						EnvVars: []string{"MIGRATE_ON_START"},
					},
				},
				Action: serve,
			},
		},
		DefaultCommand: "serve",
	}

	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if c.Bool("migrate") {
		if _, err := storage.Migrate(c.Context, cfg.Postgres.DSN()); err != nil {
			return err
		}
	}

	api, err := app.NewAPI(c.Context, cfg, app.Options{})
	if err != nil {
		return err
	}
	api.Logger().Info("starting api", zap.String("addr", cfg.App.Addr()))
	return api.Run(c.Context)
}
