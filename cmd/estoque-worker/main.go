package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/LuanFBA/estoque-system/internal/app"
	"github.com/LuanFBA/estoque-system/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cliApp := &cli.App{
		Name:  "estoque-worker",
		Usage: "run order saga stages as bus consumers",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "consume stage queues until SIGINT/SIGTERM",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:    "stage",
						Aliases: []string{"s"},
						Usage:   fmt.Sprintf("stage to run: %s or %s (repeatable)", strings.Join(app.Stages, ", "), app.StageAll),
						Value:   cli.NewStringSlice(app.StageAll),
						EnvVars: []string{"WORKER_STAGES"},
					},
				},
				Action: run,
			},
			{
				Name:  "stages",
				Usage: "list available stages",
				Action: func(c *cli.Context) error {
					for _, s := range app.Stages {
						fmt.Println(s)
					}
					return nil
				},
			},
		},
		DefaultCommand: "run",
	}

	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	stages, err := app.ParseStages(c.StringSlice("stage"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	worker, err := app.NewWorkers(c.Context, cfg, stages, app.Options{})
	if err != nil {
		return err
	}
	return worker.Run(c.Context)
}
