package main

import (
	"context"
	"os"

	"github.com/savaki/itemstack/cmd/itemstack/commands"
	"github.com/savaki/itemstack/internal/di"
	"github.com/savaki/itemstack/internal/models"
	"github.com/urfave/cli/v2"
)

func main() {
	logger := di.ProvideLogger(models.DefaultEnv)
	ctx := logger.WithContext(context.Background())

	app := &cli.App{
		Name:  "itemstack",
		Usage: "Deploy and operate the items service stack",
		Description: `itemstack renders the application template, checks it against the
guardrail policies, and drives CloudFormation to a terminal state. It also
carries the day-2 commands: schema bootstrap, configuration audit, deployment
history, and a local API server.`,
		Commands: []*cli.Command{
			commands.RenderCommand(),
			commands.ValidateCommand(),
			commands.DeployCommand(),
			commands.DestroyCommand(),
			commands.StatusCommand(),
			commands.OutputsCommand(),
			commands.DeploymentsCommand(),
			commands.AuditCommand(),
			commands.SetupCommand(),
			commands.BootstrapCommand(),
			commands.ServeCommand(),
			commands.WatchCommand(),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
