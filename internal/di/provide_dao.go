package di

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/itemstack/internal/dao/deploydao"
	"github.com/savaki/itemstack/internal/dao/itemdao"
	"github.com/savaki/itemstack/internal/dao/lockdao"
	"github.com/savaki/itemstack/internal/models"
	"github.com/savaki/itemstack/internal/secrets"
)

func ProvideDeployDAO(env models.Env, client *dynamodb.Client) *deploydao.DAO {
	return deploydao.New(client, deploydao.TableName(env.String()))
}

func ProvideLockDAO(env models.Env, client *dynamodb.Client) *lockdao.DAO {
	return lockdao.New(client, lockdao.TableName(env.String()))
}

// ProvideItemDAO resolves database credentials and opens the items pool.
// Construction is lazy, so commands that never touch the database never
// connect to one.
func ProvideItemDAO(ctx context.Context, store *secrets.Store, env models.Env) (*itemdao.DAO, error) {
	bundle, err := secrets.ResolveBundle(ctx, store, env)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database credentials: %w", err)
	}
	return itemdao.NewFromDSN(ctx, bundle.DSN())
}
