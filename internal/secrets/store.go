package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"

	apperrors "github.com/savaki/itemstack/internal/errors"
)

// SecretsManagerAPI is the slice of the Secrets Manager client the store
// uses.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	UpdateSecretVersionStage(ctx context.Context, params *secretsmanager.UpdateSecretVersionStageInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretVersionStageOutput, error)
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
}

// Store reads and writes credential bundles in Secrets Manager.
type Store struct {
	client SecretsManagerAPI
}

func NewStore(client SecretsManagerAPI) *Store {
	return &Store{client: client}
}

// Get returns the current credential bundle.
func (s *Store) Get(ctx context.Context, name string) (Bundle, error) {
	return s.get(ctx, name, "")
}

// GetStage returns the bundle at a specific version stage, e.g. AWSPENDING
// during a rotation.
func (s *Store) GetStage(ctx context.Context, name, stage string) (Bundle, error) {
	return s.get(ctx, name, stage)
}

func (s *Store) get(ctx context.Context, name, stage string) (Bundle, error) {
	input := &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	}
	if stage != "" {
		input.VersionStage = aws.String(stage)
	}

	result, err := s.client.GetSecretValue(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return Bundle{}, fmt.Errorf("%w: %s", apperrors.ErrSecretNotFound, name)
		}
		return Bundle{}, fmt.Errorf("failed to get secret %s: %w", name, err)
	}
	if result.SecretString == nil {
		return Bundle{}, fmt.Errorf("secret %s has no string value", name)
	}

	bundle, err := ParseBundle([]byte(*result.SecretString))
	if err != nil {
		return Bundle{}, fmt.Errorf("secret %s: %w", name, err)
	}
	return bundle, nil
}

// PutStaged writes a bundle as the AWSPENDING version of a secret. The token
// ties the version to the rotation in progress.
func (s *Store) PutStaged(ctx context.Context, name, token string, bundle Bundle) error {
	encoded, err := bundle.Encode()
	if err != nil {
		return err
	}

	_, err = s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:           aws.String(name),
		SecretString:       aws.String(encoded),
		ClientRequestToken: aws.String(token),
		VersionStages:      []string{"AWSPENDING"},
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", apperrors.ErrSecretNotFound, name)
		}
		return fmt.Errorf("failed to put secret value: %w", err)
	}
	return nil
}

// CurrentVersionID returns the version id currently holding the AWSCURRENT
// stage, or "" when no version holds it yet.
func (s *Store) CurrentVersionID(ctx context.Context, name string) (string, error) {
	desc, err := s.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: %s", apperrors.ErrSecretNotFound, name)
		}
		return "", fmt.Errorf("failed to describe secret %s: %w", name, err)
	}

	for versionID, stages := range desc.VersionIdsToStages {
		for _, stage := range stages {
			if stage == "AWSCURRENT" {
				return versionID, nil
			}
		}
	}
	return "", nil
}

// Promote moves the AWSCURRENT stage onto the version written for the given
// rotation token, completing a rotation. Promoting a token that already holds
// AWSCURRENT is a no-op, so retried rotations are safe.
func (s *Store) Promote(ctx context.Context, name, token string) error {
	currentID, err := s.CurrentVersionID(ctx, name)
	if err != nil {
		return err
	}
	if currentID == token {
		return nil
	}

	input := &secretsmanager.UpdateSecretVersionStageInput{
		SecretId:        aws.String(name),
		VersionStage:    aws.String("AWSCURRENT"),
		MoveToVersionId: aws.String(token),
	}
	if currentID != "" {
		input.RemoveFromVersionId = aws.String(currentID)
	}

	if _, err := s.client.UpdateSecretVersionStage(ctx, input); err != nil {
		return fmt.Errorf("failed to update version stage: %w", err)
	}
	return nil
}

// CancelRotation removes the AWSPENDING stage from a version, abandoning an
// in-flight rotation.
func (s *Store) CancelRotation(ctx context.Context, name, versionID string) error {
	_, err := s.client.UpdateSecretVersionStage(ctx, &secretsmanager.UpdateSecretVersionStageInput{
		SecretId:            aws.String(name),
		VersionStage:        aws.String("AWSPENDING"),
		RemoveFromVersionId: aws.String(versionID),
	})
	if err != nil {
		return fmt.Errorf("failed to remove AWSPENDING stage: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ResourceNotFoundException"
	}
	return false
}
