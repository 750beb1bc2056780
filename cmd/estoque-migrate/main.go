package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/LuanFBA/estoque-system/framework/migrations"
	"github.com/LuanFBA/estoque-system/internal/config"
	"github.com/LuanFBA/estoque-system/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "estoque-migrate",
		Usage: "apply and inspect the estoque-system database schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "PostgreSQL connection string (defaults to the POSTGRES_* settings)",
				EnvVars: []string{"DATABASE_URL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "apply pending migrations",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "steps", Usage: "apply at most N migrations (0 = all)"},
				},
				Action: withMigrator(func(c *cli.Context, m *migrations.Migrator) error {
					applied, err := m.UpSteps(c.Context, c.Int("steps"))
					if err != nil {
						return err
					}
					fmt.Printf("Applied %d migration(s)\n", applied)
					return nil
				}),
			},
			{
				Name:  "down",
				Usage: "roll back applied migrations",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "steps", Value: 1, Usage: "number of migrations to roll back"},
				},
				Action: withMigrator(func(c *cli.Context, m *migrations.Migrator) error {
					rolled, err := m.Down(c.Context, c.Int("steps"))
					if err != nil {
						return err
					}
					fmt.Printf("Rolled back %d migration(s)\n", rolled)
					return nil
				}),
			},
			{
				Name:   "status",
				Usage:  "show the state of every migration",
				Action: withMigrator(runStatus),
			},
			{
				Name:  "version",
				Usage: "show the current schema version",
				Action: withMigrator(func(c *cli.Context, m *migrations.Migrator) error {
					version, err := m.Version(c.Context)
					if err != nil {
						return err
					}
					if version == 0 {
						fmt.Println("No migrations applied")
						return nil
					}
					fmt.Println(version)
					return nil
				}),
			},
			{
				Name:      "create",
				Usage:     "create a new SQL migration file",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dir", Value: "internal/storage/migrations", Usage: "migrations directory"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return cli.Exit("migration name is required", 1)
					}
					path, err := migrations.CreateMigration(c.String("dir"), c.Args().First(), time.Now())
					if err != nil {
						return err
					}
					fmt.Printf("Created migration: %s\n", path)
					return nil
				},
			},
		},
	}
}

// withMigrator открывает Migrator на время команды
func withMigrator(fn func(c *cli.Context, m *migrations.Migrator) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		dsn, err := databaseURL(c)
		if err != nil {
			return err
		}
		m, db, err := storage.OpenMigrator(dsn)
		if err != nil {
			return err
		}
		defer db.Close()
		defer m.Close()
		return fn(c, m)
	}
}

func databaseURL(c *cli.Context) (string, error) {
	if url := c.String("database-url"); url != "" {
		return url, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	return cfg.Postgres.DSN(), nil
}

func runStatus(c *cli.Context, m *migrations.Migrator) error {
	statuses, err := m.Status(c.Context)
	if err != nil {
		return err
	}

	fmt.Println("Migration Status:")
	fmt.Println("================")
	for _, s := range statuses {
		fmt.Printf("[%s] %d - %s", s.Status, s.Version, s.Name)
		if s.AppliedAt != nil {
			fmt.Printf(" (applied at %s)", s.AppliedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Println()
	}
	return nil
}
