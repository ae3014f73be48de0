package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/savaki/itemstack/internal/di"
	"github.com/savaki/itemstack/internal/models"
	"github.com/savaki/itemstack/internal/secrets"
	"github.com/segmentio/ksuid"
	"github.com/urfave/cli/v2"
)

// pollInterval is how often setSecret re-checks the instance while the
// password change is being applied.
const pollInterval = 10 * time.Second

// applyTimeout caps how long setSecret waits for RDS to finish applying the
// new master password.
const applyTimeout = 10 * time.Minute

type RotationEvent struct {
	Step               string `json:"Step"`
	SecretId           string `json:"SecretId"`
	ClientRequestToken string `json:"ClientRequestToken"`
}

// RDSAPI is the slice of the RDS client the rotator uses.
type RDSAPI interface {
	ModifyDBInstance(ctx context.Context, params *rds.ModifyDBInstanceInput, optFns ...func(*rds.Options)) (*rds.ModifyDBInstanceOutput, error)
	DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
}

// Handler rotates the database credential secret through the four Secrets
// Manager rotation steps.
type Handler struct {
	store    *secrets.Store
	rds      RDSAPI
	instance string
	poll     time.Duration
	timeout  time.Duration

	// connect verifies a DSN against the database. Swappable for tests.
	connect func(ctx context.Context, dsn string) error
}

func NewHandler(ctx context.Context, env models.Env) (*Handler, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Handler{
		store:    secrets.NewStore(secretsmanager.NewFromConfig(cfg)),
		rds:      rds.NewFromConfig(cfg),
		instance: env.DBInstanceIdentifier(),
		poll:     pollInterval,
		timeout:  applyTimeout,
		connect:  pingDatabase,
	}, nil
}

func pingDatabase(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	return conn.Ping(ctx)
}

func (h *Handler) HandleRotation(ctx context.Context, event RotationEvent) error {
	switch event.Step {
	case "createSecret":
		return h.createSecret(ctx, event)
	case "setSecret":
		return h.setSecret(ctx, event)
	case "testSecret":
		return h.testSecret(ctx, event)
	case "finishSecret":
		return h.finishSecret(ctx, event)
	default:
		return fmt.Errorf("unknown rotation step: %s", event.Step)
	}
}

// createSecret stages the current bundle with a freshly generated password
// under AWSPENDING. A retried step that finds a pending version already
// staged leaves it alone.
func (h *Handler) createSecret(ctx context.Context, event RotationEvent) error {
	logger := zerolog.Ctx(ctx)

	if _, err := h.store.GetStage(ctx, event.SecretId, "AWSPENDING"); err == nil {
		logger.Info().Msg("Pending credentials already staged, nothing to create")
		return nil
	}

	current, err := h.store.Get(ctx, event.SecretId)
	if err != nil {
		return fmt.Errorf("failed to read current credentials: %w", err)
	}

	password, err := secrets.GeneratePassword()
	if err != nil {
		return err
	}

	staged := current
	staged.Password = password
	if err := h.store.PutStaged(ctx, event.SecretId, event.ClientRequestToken, staged); err != nil {
		return err
	}

	logger.Info().Msg("Staged new database password")
	return nil
}

// setSecret applies the pending password to the database instance and waits
// for RDS to finish processing the change.
func (h *Handler) setSecret(ctx context.Context, event RotationEvent) error {
	logger := zerolog.Ctx(ctx)

	staged, err := h.store.GetStage(ctx, event.SecretId, "AWSPENDING")
	if err != nil {
		return fmt.Errorf("failed to read pending credentials: %w", err)
	}

	_, err = h.rds.ModifyDBInstance(ctx, &rds.ModifyDBInstanceInput{
		DBInstanceIdentifier: aws.String(h.instance),
		MasterUserPassword:   aws.String(staged.Password),
		ApplyImmediately:     aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to apply password to %s: %w", h.instance, err)
	}

	logger.Info().Str("instance", h.instance).Msg("Applying new master password")
	return h.waitForInstance(ctx)
}

// waitForInstance polls until the instance is available with no master
// password change still pending. Returning before the change lands would make
// testSecret authenticate against the old password.
func (h *Handler) waitForInstance(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	deadline := time.After(h.timeout)
	for {
		out, err := h.rds.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
			DBInstanceIdentifier: aws.String(h.instance),
		})
		if err != nil {
			return fmt.Errorf("failed to describe instance %s: %w", h.instance, err)
		}
		if len(out.DBInstances) == 0 {
			return fmt.Errorf("instance %s not found", h.instance)
		}

		db := out.DBInstances[0]
		status := aws.ToString(db.DBInstanceStatus)
		passwordPending := db.PendingModifiedValues != nil && db.PendingModifiedValues.MasterUserPassword != nil

		logger.Info().
			Str("instance", h.instance).
			Str("status", status).
			Bool("password_pending", passwordPending).
			Msg("Instance status")

		if status == "available" && !passwordPending {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("timed out waiting for %s to apply the new password", h.instance)
		case <-ticker.C:
		}
	}
}

// testSecret verifies the pending credentials actually authenticate against
// the database before they are promoted.
func (h *Handler) testSecret(ctx context.Context, event RotationEvent) error {
	staged, err := h.store.GetStage(ctx, event.SecretId, "AWSPENDING")
	if err != nil {
		return fmt.Errorf("failed to read pending credentials: %w", err)
	}
	if err := staged.Validate(); err != nil {
		return fmt.Errorf("pending credentials are incomplete: %w", err)
	}

	if err := h.connect(ctx, staged.DSN()); err != nil {
		return fmt.Errorf("pending credentials failed verification: %w", err)
	}

	zerolog.Ctx(ctx).Info().Msg("Pending credentials verified against the database")
	return nil
}

// finishSecret moves AWSCURRENT onto the pending version. Promote is a no-op
// when the token already holds AWSCURRENT, so retried finishes are safe.
func (h *Handler) finishSecret(ctx context.Context, event RotationEvent) error {
	if err := h.store.Promote(ctx, event.SecretId, event.ClientRequestToken); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().Msg("Promoted pending credentials to current")
	return nil
}

func resolveEnv(c *cli.Context) (models.Env, error) {
	return models.ParseEnv(c.String("env"))
}

func handleRotateCommand(c *cli.Context) error {
	env, err := resolveEnv(c)
	if err != nil {
		return err
	}

	logger := di.ProvideLogger(env).With().Str("lambda", "rotator").Logger()

	// Check if running in Lambda environment
	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		ctx := context.Background()
		handler, err := NewHandler(ctx, env)
		if err != nil {
			return fmt.Errorf("failed to create handler: %w", err)
		}

		// Wrap handler to inject logger into context
		wrappedHandler := func(ctx context.Context, event RotationEvent) error {
			ctx = logger.WithContext(ctx)
			return handler.HandleRotation(ctx, event)
		}
		lambda.Start(wrappedHandler)
		return nil
	}

	// CLI mode for local testing
	ctx := logger.WithContext(context.Background())
	handler, err := NewHandler(ctx, env)
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}

	secretID := c.String("secret-id")
	if secretID == "" {
		secretID = env.SecretName()
	}

	// Client request tokens must be at least 32 characters
	clientRequestToken := fmt.Sprintf("manual-%s", ksuid.New())

	// Run each rotation step
	steps := []string{"createSecret", "setSecret", "testSecret", "finishSecret"}
	for _, step := range steps {
		event := RotationEvent{
			Step:               step,
			SecretId:           secretID,
			ClientRequestToken: clientRequestToken,
		}

		if err := handler.HandleRotation(ctx, event); err != nil {
			return fmt.Errorf("%s step failed: %w", step, err)
		}
	}

	fmt.Println("Rotation completed successfully")
	return nil
}

func handleCancelRotationCommand(c *cli.Context) error {
	env, err := resolveEnv(c)
	if err != nil {
		return err
	}

	ctx := context.Background()
	handler, err := NewHandler(ctx, env)
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}

	secretID := c.String("secret-id")
	if secretID == "" {
		secretID = env.SecretName()
	}
	versionID := c.String("version-id")

	fmt.Printf("Cancelling pending rotation for secret: %s\n", secretID)

	if err := handler.store.CancelRotation(ctx, secretID, versionID); err != nil {
		return err
	}

	fmt.Println("Successfully cancelled pending rotation")
	return nil
}

func main() {
	app := &cli.App{
		Name:           "rotator",
		Usage:          "Secrets Manager rotation function for database credentials",
		DefaultCommand: "rotate",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env",
				Aliases: []string{"e"},
				Usage:   "Environment name",
				EnvVars: []string{"ENVIRONMENT", "ENV"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "rotate",
				Usage: "Manually trigger a rotation",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "secret-id",
						Usage:   "Secret ID to rotate (defaults to the environment's credential secret)",
						EnvVars: []string{"SECRET_ID"},
					},
				},
				Action: handleRotateCommand,
			},
			{
				Name:  "cancel-rotation",
				Usage: "Cancel a pending rotation",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "secret-id",
						Usage:   "Secret ID with pending rotation",
						EnvVars: []string{"SECRET_ID"},
					},
					&cli.StringFlag{
						Name:     "version-id",
						Usage:    "Version ID of the pending rotation to cancel",
						Required: true,
					},
				},
				Action: handleCancelRotationCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
