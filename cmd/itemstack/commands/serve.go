package commands

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/savaki/itemstack/internal/api"
	"github.com/savaki/itemstack/internal/bootstrap"
	"github.com/savaki/itemstack/internal/dao/itemdao"
	"github.com/urfave/cli/v2"
)

// ServeCommand returns the serve command for running the API locally
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the items API locally",
		Description: `Run the same HTTP API the Lambda function serves, against any Postgres.
Reads .env when present, so bootstrap --write-env is enough to get started.

Set DISABLE_SSM=true to keep configuration loading away from AWS entirely.

Examples:
  # Serve on the default port against the local database
  itemstack serve

  # Serve against the dev database through Secrets Manager
  DB_SECRET_NAME=/dev/database/credentials itemstack serve --env dev --addr :9090`,
		Flags: []cli.Flag{
			envFlag(),
			&cli.StringFlag{
				Name:    "addr",
				Aliases: []string{"a"},
				Usage:   "Listen address",
				Value:   ":8080",
				EnvVars: []string{"ADDR"},
			},
		},
		Action: serveAction,
	}
}

// serveAction runs the items API over plain HTTP
func serveAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)

	if err := bootstrap.LoadEnv(); err != nil {
		return err
	}

	env, container, err := newContainer(c)
	if err != nil {
		return err
	}

	dao, err := fromContainer[*itemdao.DAO](container)
	if err != nil {
		return fmt.Errorf("failed to connect to the items database: %w", err)
	}
	defer dao.Close()

	handler := api.LoggingMiddleware(*logger)(api.CORSMiddleware(api.New(dao).Routes()))

	addr := c.String("addr")
	logger.Info().
		Str("addr", addr).
		Str("env", env.String()).
		Msg("Starting HTTP server")

	server := &http.Server{Addr: addr, Handler: handler}
	return server.ListenAndServe()
}
