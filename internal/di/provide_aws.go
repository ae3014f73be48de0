package di

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/savaki/itemstack/internal/audit"
	"github.com/savaki/itemstack/internal/dao/deploydao"
	"github.com/savaki/itemstack/internal/dao/lockdao"
	"github.com/savaki/itemstack/internal/deployer"
	"github.com/savaki/itemstack/internal/policy"
	"github.com/savaki/itemstack/internal/provision"
	"github.com/savaki/itemstack/internal/secrets"
	"github.com/savaki/itemstack/internal/services"
)

func ProvideAWSConfig(ctx context.Context) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx)
}

func ProvideDynamoDB(config aws.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(config)
}

func ProvideS3Client(config aws.Config) *s3.Client {
	return s3.NewFromConfig(config)
}

func ProvideSecretsManagerClient(config aws.Config) *secretsmanager.Client {
	return secretsmanager.NewFromConfig(config)
}

func ProvideSecretsStore(client *secretsmanager.Client) *secrets.Store {
	return secrets.NewStore(client)
}

func ProvideProvisioner(config aws.Config) *provision.Provisioner {
	return provision.NewFromConfig(config)
}

func ProvideAuditor(config aws.Config) *audit.Auditor {
	return audit.NewFromConfig(config)
}

func ProvideDeployer(deployDAO *deploydao.DAO, lockDAO *lockdao.DAO, provisioner *provision.Provisioner, validator *policy.Validator, config *services.Config) (*deployer.Deployer, error) {
	if config.ArtifactBucket == "" {
		return nil, fmt.Errorf("artifact bucket not configured, set the artifact-bucket parameter or ARTIFACT_BUCKET")
	}

	return deployer.New(deployDAO, lockDAO, provisioner, validator, config.ArtifactBucket), nil
}
