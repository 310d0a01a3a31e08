package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/mtlprog/caseflow/internal/config"
	"github.com/mtlprog/caseflow/internal/logger"
)

func main() {
	config.LoadDotEnv()

	app := &cli.App{
		Name:  "caseflow",
		Usage: "Case management with status change propagation to audit and notification services",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:     "database-url",
				Aliases:  []string{"d"},
				Value:    config.DefaultDatabaseURL,
				Usage:    "PostgreSQL database URL",
				EnvVars:  []string{"DATABASE_URL"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Aliases: []string{"r"},
				Value:   config.DefaultRedisURL,
				Usage:   "Redis URL used as the message broker",
				EnvVars: []string{"REDIS_URL"},
			},
		},
		Before: func(c *cli.Context) error {
			logger.Setup(logger.ParseLevel(c.String("log-level")))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start the case service API",
				Flags: []cli.Flag{
					portFlag(config.DefaultPort),
					&cli.BoolFlag{
						Name:    "relay",
						Value:   true,
						Usage:   "Run the outbox relay in this process",
						EnvVars: []string{"RUN_RELAY"},
					},
				},
				Action: runServe,
			},
			{
				Name:   "audit",
				Usage:  "Start the audit service: consume events and serve the audit API",
				Flags:  []cli.Flag{portFlag(config.DefaultAuditPort), consumerNameFlag()},
				Action: runAudit,
			},
			{
				Name:   "notify",
				Usage:  "Start the notification service",
				Flags:  []cli.Flag{consumerNameFlag()},
				Action: runNotify,
			},
			{
				Name:   "relay",
				Usage:  "Run the outbox relay standalone",
				Action: runRelay,
			},
			{
				Name:  "migrate",
				Usage: "Manage database migrations",
				Subcommands: []*cli.Command{
					{Name: "up", Usage: "Apply all pending migrations", Action: runMigrateUp},
					{Name: "down", Usage: "Roll back the latest migration", Action: runMigrateDown},
					{Name: "status", Usage: "Show migration status", Action: runMigrateStatus},
				},
				Action: runMigrateUp,
			},
		},
		Action: runServe,
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func portFlag(value string) cli.Flag {
	return &cli.StringFlag{
		Name:    "port",
		Aliases: []string{"p"},
		Value:   value,
		Usage:   "HTTP server port",
		EnvVars: []string{"PORT"},
	}
}

func consumerNameFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "consumer-name",
		Usage:   "Name of this process within the broker consumer group (defaults to the hostname)",
		EnvVars: []string{"CONSUMER_NAME"},
	}
}
