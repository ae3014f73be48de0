package services

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/itemstack/internal/dao/deploydao"
	"github.com/savaki/itemstack/internal/models"
)

type DynamoDBService struct {
	client    *dynamodb.Client
	tableName string
	dao       *deploydao.DAO
}

// NewDynamoDBService creates the deployment record service for an
// environment. The table name is derived from the environment.
func NewDynamoDBService(env models.Env, client *dynamodb.Client) *DynamoDBService {
	tableName := deploydao.TableName(env.String())
	return &DynamoDBService{
		client:    client,
		tableName: tableName,
		dao:       deploydao.New(client, tableName),
	}
}

// NewDynamoDBServiceWithClient creates a DynamoDBService with a custom client and table name.
// This is useful for testing with local DynamoDB.
func NewDynamoDBServiceWithClient(client *dynamodb.Client, tableName string) *DynamoDBService {
	dao := deploydao.New(client, tableName)
	return &DynamoDBService{
		client:    client,
		tableName: tableName,
		dao:       dao,
	}
}

// GetClient returns the underlying DynamoDB client. This is useful for testing.
func (d *DynamoDBService) GetClient() *dynamodb.Client {
	return d.client
}

// GetTableName returns the table name. This is useful for testing.
func (d *DynamoDBService) GetTableName() string {
	return d.tableName
}

// GetDeployment retrieves a deployment record by app, env, and KSUID
// Returns an error if not found
func (d *DynamoDBService) GetDeployment(ctx context.Context, app, env, ksuid string) (deploydao.Record, error) {
	pk := deploydao.NewPK(app, env)
	id := deploydao.NewID(pk, ksuid)
	return d.dao.Find(ctx, id)
}

// PutDeployment creates a new deployment record (wraps DAO.Create)
func (d *DynamoDBService) PutDeployment(ctx context.Context, input deploydao.CreateInput) (deploydao.Record, error) {
	return d.dao.Create(ctx, input)
}

// UpdateDeploymentStatus updates the status of a deployment (wraps DAO.UpdateStatus)
func (d *DynamoDBService) UpdateDeploymentStatus(ctx context.Context, input deploydao.UpdateInput) (deploydao.Record, error) {
	if err := d.dao.UpdateStatus(ctx, input); err != nil {
		return deploydao.Record{}, err
	}
	id := deploydao.NewID(input.PK, input.SK)
	return d.dao.Find(ctx, id)
}

// QueryDeploymentsByEnv returns all deployments of the app in the given environment
func (d *DynamoDBService) QueryDeploymentsByEnv(ctx context.Context, app, env string) ([]deploydao.Record, error) {
	return d.dao.QueryByEnv(ctx, app, env)
}

// QueryLatestDeploymentsByEnv returns the latest deployment for each app in the given environment
// using the "latest" magic records for efficient querying
func (d *DynamoDBService) QueryLatestDeploymentsByEnv(ctx context.Context, env string) ([]deploydao.Record, error) {
	return d.dao.QueryLatestDeployments(ctx, env)
}
