package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/rs/zerolog"
	"github.com/savaki/itemstack/internal/api"
	"github.com/savaki/itemstack/internal/dao/itemdao"
	"github.com/savaki/itemstack/internal/di"
	"github.com/savaki/itemstack/internal/models"
	"github.com/urfave/cli/v2"
)

// router assembles the full middleware stack around the items handler.
func router(logger zerolog.Logger, dao *itemdao.DAO) http.Handler {
	handler := api.New(dao)
	return api.LoggingMiddleware(logger)(api.CORSMiddleware(handler.Routes()))
}

// itemsDAO resolves the database-backed DAO from the container, turning
// credential problems into errors instead of panics.
func itemsDAO(container di.Container) (*itemdao.DAO, error) {
	var dao *itemdao.DAO
	if err := container.Invoke(func(d *itemdao.DAO) { dao = d }); err != nil {
		return nil, fmt.Errorf("failed to connect to the items database: %w", err)
	}
	return dao, nil
}

// serveAction starts a local HTTP server for testing
func serveAction(c *cli.Context) error {
	env, err := models.ParseEnv(c.String("env"))
	if err != nil {
		return err
	}

	container, err := di.New(env)
	if err != nil {
		return fmt.Errorf("failed to setup DI container: %w", err)
	}

	logger := di.MustGet[zerolog.Logger](container)
	dao, err := itemsDAO(container)
	if err != nil {
		return err
	}

	addr := c.String("addr")
	logger.Info().
		Str("addr", addr).
		Str("env", env.String()).
		Msg("Starting HTTP server")

	server := &http.Server{
		Addr:    addr,
		Handler: router(logger, dao),
	}

	return server.ListenAndServe()
}

func main() {
	// Check if running in Lambda environment
	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		// The stack template sets ENVIRONMENT on the function
		raw := os.Getenv("ENVIRONMENT")
		if raw == "" {
			raw = os.Getenv("ENV")
		}

		env, err := models.ParseEnv(raw)
		if err != nil {
			zerolog.New(os.Stdout).Error().Err(err).Msg("Invalid ENVIRONMENT value")
			os.Exit(1)
		}

		logger := di.ProvideLogger(env).With().Str("lambda", "api").Logger()

		container, err := di.New(env)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to setup DI container")
			os.Exit(1)
		}

		dao, err := itemsDAO(container)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to initialize items database")
			os.Exit(1)
		}

		logger.Info().Str("env", env.String()).Msg("Initializing Lambda handler")

		// Use AWS Lambda HTTP adapter for API Gateway V2
		lambda.Start(httpadapter.NewV2(router(logger, dao)).ProxyWithContext)
		return
	}

	// CLI mode for local testing
	app := &cli.App{
		Name:  "api",
		Usage: "Items REST API",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start local HTTP server for testing",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Address to listen on",
						Value: ":8080",
					},
					&cli.StringFlag{
						Name:    "env",
						Usage:   "Environment name",
						EnvVars: []string{"ENVIRONMENT", "ENV"},
					},
				},
				Action: serveAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
