package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/savaki/archive-relay/cmd/archive-relay/commands"
	"github.com/savaki/archive-relay/internal/di"
	"github.com/urfave/cli/v2"
)

func main() {
	_ = godotenv.Load()

	logger := di.ProvideLogger()
	ctx := logger.WithContext(context.Background())

	app := &cli.App{
		Name:  "archive-relay",
		Usage: "Operator tooling for the Bitbucket archive relay",
		Description: `Helpers for operating the webhook relay outside of Lambda.

This tool provides commands for:
  - Signing payloads the way Bitbucket Server does
  - Downloading a branch archive with the relay's credentials
  - Writing relay configuration to SSM Parameter Store`,
		Commands: []*cli.Command{
			commands.SignCommand(&logger),
			commands.FetchCommand(&logger),
			commands.SetupCommand(&logger),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
