package provision

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Artifacts records where a deployment's inputs live in S3.
type Artifacts struct {
	Bucket      string `json:"bucket"`
	TemplateKey string `json:"template_key"`
	TemplateURL string `json:"template_url"`
	CodeKey     string `json:"code_key,omitempty"`
}

// UploadInput describes the artifacts to upload for one deployment.
type UploadInput struct {
	Bucket       string
	Env          string
	DeployID     string // sort key of the deployment record
	TemplateBody []byte
	CodePath     string // local path to the API function bundle, optional
}

// ArtifactLocations reports where UploadArtifacts will place a deployment's
// files, without uploading anything. Keys are deterministic so deployment
// records can reference them before the upload happens.
func (p *Provisioner) ArtifactLocations(input UploadInput) *Artifacts {
	prefix := fmt.Sprintf("itemstack/%s/%s", input.Env, input.DeployID)

	artifacts := &Artifacts{
		Bucket:      input.Bucket,
		TemplateKey: prefix + "/template.yml",
	}
	artifacts.TemplateURL = p.objectURL(input.Bucket, artifacts.TemplateKey)

	if input.CodePath != "" {
		artifacts.CodeKey = prefix + "/api.zip"
	}

	return artifacts
}

// UploadArtifacts writes the rendered template, and the code bundle when one
// is provided, under itemstack/{env}/{deploy-id}/ in the artifact bucket.
func (p *Provisioner) UploadArtifacts(ctx context.Context, input UploadInput) (*Artifacts, error) {
	artifacts := p.ArtifactLocations(input)

	if err := p.putObject(ctx, input.Bucket, artifacts.TemplateKey, input.TemplateBody); err != nil {
		return nil, fmt.Errorf("failed to upload template: %w", err)
	}

	if artifacts.CodeKey != "" {
		code, err := os.ReadFile(input.CodePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read code bundle %s: %w", input.CodePath, err)
		}

		if err := p.putObject(ctx, input.Bucket, artifacts.CodeKey, code); err != nil {
			return nil, fmt.Errorf("failed to upload code bundle: %w", err)
		}
	}

	return artifacts, nil
}

func (p *Provisioner) putObject(ctx context.Context, bucket, key string, body []byte) (err error) {
	logger := zerolog.Ctx(ctx)

	defer func(begin time.Time) {
		logger.Info().
			Int("length", len(body)).
			Interface("error", err).
			Str("bucket", bucket).
			Str("key", key).
			Dur("duration", time.Since(begin)).
			Msg("Uploaded S3 object")
	}(time.Now())

	_, err = p.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("failed to put object, %v/%v: %w", bucket, key, err)
	}

	return nil
}

// objectURL builds the https form CloudFormation accepts as a TemplateURL.
func (p *Provisioner) objectURL(bucket, key string) string {
	if p.region == "" {
		return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, p.region, key)
}
