package models

import (
	"fmt"

	"github.com/savaki/itemstack/internal/errors"
)

// Env identifies a deployment environment. Environment names feed directly
// into stack names, database identifiers, secret paths, and table names, so
// they are validated once at the edge and passed around as this type.
type Env string

const (
	EnvDev  Env = "dev"
	EnvTest Env = "test"
	EnvProd Env = "prod"
)

// DefaultEnv is used when no environment is specified.
const DefaultEnv = EnvDev

// Environments returns all allowed environments in display order.
func Environments() []Env {
	return []Env{EnvDev, EnvTest, EnvProd}
}

// ParseEnv validates a raw environment string.
func ParseEnv(s string) (Env, error) {
	switch Env(s) {
	case EnvDev, EnvTest, EnvProd:
		return Env(s), nil
	case "":
		return DefaultEnv, nil
	default:
		return "", fmt.Errorf("%w: %q", errors.ErrInvalidEnvironment, s)
	}
}

func (e Env) String() string {
	return string(e)
}

// StackName returns the CloudFormation stack name for this environment.
// Format: {env}-itemstack
func (e Env) StackName() string {
	return fmt.Sprintf("%s-itemstack", e)
}

// SecretName returns the Secrets Manager path holding the database
// credential bundle for this environment.
// Format: /{env}/database/credentials
func (e Env) SecretName() string {
	return fmt.Sprintf("/%s/database/credentials", e)
}

// DBInstanceIdentifier returns the RDS instance identifier for this
// environment. Format: items-{env}
func (e Env) DBInstanceIdentifier() string {
	return fmt.Sprintf("items-%s", e)
}
