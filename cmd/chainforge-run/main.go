// Package main provides the local chain runner: validate a chain definition
// file, execute it against the mock (or live, when keys are present in the
// environment) providers, and print the trace.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/promptforge/chainforge/pkg/log"
)

func main() {
	logger := log.WithModule("run")

	cmd := &cli.Command{
		Name:                  "chainforge-run",
		Usage:                 "Execute a chain definition file locally",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "chain",
				Aliases:  []string{"c"},
				Usage:    "Path to the chain definition JSON file",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "variables",
				Aliases: []string{"v"},
				Usage:   "Initial variables as a JSON object",
				Value:   "{}",
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Run store URL; defaults to a file store under ./data/runs",
				Value:   "./data/runs",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:  "actor",
				Usage: "Actor ID recorded on the run",
				Value: "local",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the full run record as JSON instead of a trace summary",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			return runChain(ctx, logger, command)
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}
