package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/promptforge/chainforge/pkg/log"
	"github.com/promptforge/chainforge/pkg/otelhelper"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	cmd := &cli.Command{
		Name:                  "chainforge-api",
		Usage:                 "Serve the chain execution HTTP API",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Run store URL (postgres://, redis:// or a directory for file storage)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "chains-dir",
				Usage:    "Directory of chain definition JSON files to serve",
				Required: true,
				Sources:  cli.EnvVars("CHAINS_DIR"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS"),
			},
			&cli.StringFlag{
				Name:    "encryption-key",
				Usage:   "32-byte AES key that provider credentials are sealed with",
				Sources: cli.EnvVars("ENCRYPTION_KEY"),
			},
			&cli.StringFlag{
				Name:    "memberships-file",
				Usage:   "JSON file mapping workspace IDs to member actor IDs; omit to allow all actors",
				Sources: cli.EnvVars("MEMBERSHIPS_FILE"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export spans via OTLP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing ChainForge API")

			if command.Bool("tracing") {
				shutdown, err := otelhelper.Setup(ctx, "chainforge-api")
				if err != nil {
					return err
				}

				defer func() {
					if err := shutdown(context.Background()); err != nil {
						logger.ErrorContext(ctx, "Failed to shut down tracing", "error", err)
					}
				}()
			}

			api, cleanup, err := NewAPI(ctx, logger, command)
			if err != nil {
				return err
			}

			defer cleanup(ctx)

			return api.Start(command.Int("port"))
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
