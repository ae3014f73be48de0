package secrets

import (
	"context"
	"fmt"
	"os"

	"github.com/savaki/itemstack/internal/models"
)

// ResolveBundle determines database credentials for the current process.
// Inside Lambda, or whenever DB_SECRET_NAME is set, the bundle comes from
// Secrets Manager. Local runs fall back to DB_* environment variables so the
// API can be pointed at any Postgres without touching AWS.
func ResolveBundle(ctx context.Context, store *Store, env models.Env) (Bundle, error) {
	name := os.Getenv("DB_SECRET_NAME")
	if name == "" && os.Getenv("AWS_EXECUTION_ENV") != "" {
		name = env.SecretName()
	}

	if name != "" {
		if store == nil {
			return Bundle{}, fmt.Errorf("secret %s requested but no secrets store configured", name)
		}
		return store.Get(ctx, name)
	}

	return Bundle{
		Username: envOr("DB_USER", "postgres"),
		Password: envOr("DB_PASSWORD", "postgres"),
		Host:     envOr("DB_HOST", "localhost"),
		Port:     Port(envOr("DB_PORT", "5432")),
		DBName:   envOr("DB_NAME", "postgres"),
	}, nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
