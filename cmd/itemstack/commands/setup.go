package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
	"github.com/savaki/ddb/v2"
	"github.com/savaki/itemstack/internal/dao/deploydao"
	"github.com/savaki/itemstack/internal/dao/lockdao"
	"github.com/savaki/itemstack/internal/models"
	"github.com/urfave/cli/v2"
)

// SetupCommand returns the setup command for provisioning supporting infrastructure
func SetupCommand() *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Create the supporting infrastructure for an environment",
		Description: `Create the resources the deployer itself depends on: the artifact
bucket, the deployments and locks tables, and the Parameter Store entries
that point at them. Safe to run repeatedly.

This must run once per environment before the first deploy.

Examples:
  # Set up dev
  itemstack setup

  # See what setup would do to prod
  itemstack setup --env prod --dry-run

  # Use an explicit bucket name
  itemstack setup --env dev --bucket my-artifacts`,
		Flags: []cli.Flag{
			envFlag(),
			&cli.StringFlag{
				Name:    "bucket",
				Aliases: []string{"b"},
				Usage:   "Artifact bucket name (defaults to {env}-itemstack-artifacts-{account})",
				EnvVars: []string{"ARTIFACT_BUCKET"},
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Show what would be created without executing",
			},
		},
		Action: setupAction,
	}
}

// setupHandler wraps the AWS operations used by setup
type setupHandler struct {
	s3Client  *s3.Client
	stsClient *sts.Client
	ssmClient *ssm.Client
	ddbClient *dynamodb.Client
	region    string
}

// newSetupHandler creates AWS service clients for setup
func newSetupHandler(ctx context.Context) (*setupHandler, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &setupHandler{
		s3Client:  s3.NewFromConfig(cfg),
		stsClient: sts.NewFromConfig(cfg),
		ssmClient: ssm.NewFromConfig(cfg),
		ddbClient: dynamodb.NewFromConfig(cfg),
		region:    cfg.Region,
	}, nil
}

// setupAction provisions the supporting infrastructure for an environment
func setupAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)

	env, err := resolveEnv(c)
	if err != nil {
		return err
	}

	dryRun := c.Bool("dry-run")

	h, err := newSetupHandler(c.Context)
	if err != nil {
		return err
	}

	bucket := c.String("bucket")
	if bucket == "" {
		identity, err := h.stsClient.GetCallerIdentity(c.Context, &sts.GetCallerIdentityInput{})
		if err != nil {
			return fmt.Errorf("failed to get caller identity: %w", err)
		}
		bucket = fmt.Sprintf("%s-itemstack-artifacts-%s", env, aws.ToString(identity.Account))
	}

	fmt.Printf("Setting up %s\n\n", env.StackName())

	if err := h.ensureBucket(c.Context, bucket, dryRun); err != nil {
		return err
	}

	if err := h.ensureTables(c.Context, env, dryRun); err != nil {
		return err
	}

	if err := h.seedParameters(c.Context, env, bucket, dryRun); err != nil {
		return err
	}

	if dryRun {
		fmt.Println("\nDry run only, nothing was created")
		return nil
	}

	logger.Info().
		Str("env", env.String()).
		Str("bucket", bucket).
		Msg("Setup completed")

	fmt.Println("\n✓ Setup complete")
	return nil
}

// ensureBucket creates the artifact bucket if it does not exist
func (h *setupHandler) ensureBucket(ctx context.Context, bucket string, dryRun bool) error {
	_, err := h.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err == nil {
		fmt.Printf("✓ Bucket %s already exists\n", bucket)
		return nil
	}

	if dryRun {
		fmt.Printf("DRY RUN: Would create bucket %s\n", bucket)
		return nil
	}

	input := &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	}
	// us-east-1 rejects an explicit location constraint
	if h.region != "" && h.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(h.region),
		}
	}

	if _, err := h.s3Client.CreateBucket(ctx, input); err != nil {
		if strings.Contains(err.Error(), "BucketAlreadyOwnedByYou") {
			fmt.Printf("✓ Bucket %s already exists\n", bucket)
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}

	fmt.Printf("✓ Created bucket %s\n", bucket)
	return nil
}

// ensureTables creates the deployments and locks tables if they do not exist
func (h *setupHandler) ensureTables(ctx context.Context, env models.Env, dryRun bool) error {
	db := ddb.New(h.ddbClient)

	tables := []struct {
		name  string
		model any
	}{
		{deploydao.TableName(env.String()), &deploydao.Record{}},
		{lockdao.TableName(env.String()), &lockdao.Record{}},
	}

	for _, t := range tables {
		if dryRun {
			fmt.Printf("DRY RUN: Would create table %s\n", t.name)
			continue
		}

		if err := db.MustTable(t.name, t.model).CreateTableIfNotExists(ctx); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.name, err)
		}
		fmt.Printf("✓ Table %s is ready\n", t.name)
	}

	return nil
}

// seedParameters writes the Parameter Store entries the deployer reads
func (h *setupHandler) seedParameters(ctx context.Context, env models.Env, bucket string, dryRun bool) error {
	params := []struct {
		name        string
		value       string
		description string
	}{
		{
			name:        fmt.Sprintf("/%s/itemstack/artifact-bucket", env),
			value:       bucket,
			description: "S3 bucket holding rendered templates and code bundles",
		},
		{
			name:        fmt.Sprintf("/%s/itemstack/database-secret-name", env),
			value:       env.SecretName(),
			description: "Secrets Manager secret holding the database credentials",
		},
	}

	for _, p := range params {
		if dryRun {
			fmt.Printf("DRY RUN: Would set parameter %s = %s\n", p.name, p.value)
			continue
		}

		_, err := h.ssmClient.PutParameter(ctx, &ssm.PutParameterInput{
			Name:        aws.String(p.name),
			Value:       aws.String(p.value),
			Type:        ssmtypes.ParameterTypeString,
			Overwrite:   aws.Bool(true),
			Description: aws.String(p.description),
		})
		if err != nil {
			return fmt.Errorf("failed to set parameter %s: %w", p.name, err)
		}
		fmt.Printf("✓ Parameter %s = %s\n", p.name, p.value)
	}

	// log-level is operator owned, keep any tuned value
	logLevel := fmt.Sprintf("/%s/itemstack/log-level", env)
	_, err := h.ssmClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name: aws.String(logLevel),
	})
	if err == nil {
		fmt.Printf("✓ Parameter %s already set\n", logLevel)
		return nil
	}

	if dryRun {
		fmt.Printf("DRY RUN: Would set parameter %s = info\n", logLevel)
		return nil
	}

	_, err = h.ssmClient.PutParameter(ctx, &ssm.PutParameterInput{
		Name:        aws.String(logLevel),
		Value:       aws.String("info"),
		Type:        ssmtypes.ParameterTypeString,
		Description: aws.String("Log level for the itemstack Lambda functions"),
	})
	if err != nil {
		return fmt.Errorf("failed to set parameter %s: %w", logLevel, err)
	}
	fmt.Printf("✓ Parameter %s = info\n", logLevel)
	return nil
}
