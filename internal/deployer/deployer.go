package deployer

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/rs/zerolog"
	"github.com/savaki/itemstack/internal/dao/deploydao"
	"github.com/savaki/itemstack/internal/dao/lockdao"
	"github.com/savaki/itemstack/internal/descriptor"
	apperrors "github.com/savaki/itemstack/internal/errors"
	"github.com/savaki/itemstack/internal/models"
	"github.com/savaki/itemstack/internal/policy"
	"github.com/savaki/itemstack/internal/provision"
	"github.com/savaki/itemstack/internal/secrets"
	"github.com/segmentio/ksuid"
)

// Deployer drives a deployment from rendered template to terminal stack state
type Deployer struct {
	deployDAO   *deploydao.DAO
	lockDAO     *lockdao.DAO
	provisioner *provision.Provisioner
	validator   *policy.Validator
	bucket      string
}

// New creates a new Deployer instance
func New(deployDAO *deploydao.DAO, lockDAO *lockdao.DAO, provisioner *provision.Provisioner, validator *policy.Validator, bucket string) *Deployer {
	return &Deployer{
		deployDAO:   deployDAO,
		lockDAO:     lockDAO,
		provisioner: provisioner,
		validator:   validator,
		bucket:      bucket,
	}
}

// Input describes one deployment request
type Input struct {
	Env          models.Env
	TemplatePath string            // Path to a template override, empty for the embedded default
	CodePath     string            // Local path to the API function bundle, optional on updates
	Parameters   map[string]string // Extra template parameter values
	Force        bool              // Proceed past guardrail violations
}

// Result reports a finished deployment
type Result struct {
	DeployID  string            `json:"deploy_id"`
	StackName string            `json:"stack_name"`
	StackID   string            `json:"stack_id"`
	Operation string            `json:"operation"`
	NoChanges bool              `json:"no_changes,omitempty"`
	Outputs   map[string]string `json:"outputs,omitempty"`
	Warnings  []string          `json:"warnings,omitempty"`
}

// Preview reports what a deployment would change without calling AWS
type Preview struct {
	StackName  string            `json:"stack_name"`
	Parameters map[string]string `json:"parameters"`
	Order      []string          `json:"order"`
	Pending    []string          `json:"pending,omitempty"`
	Allowed    bool              `json:"allowed"`
	Violations []string          `json:"violations,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
}

// Preview renders and validates a deployment without touching AWS. This is the
// dry-run path; the CLI runs it unless --execute is set.
func (d *Deployer) Preview(ctx context.Context, input Input) (*Preview, error) {
	t, err := loadTemplate(input.TemplatePath)
	if err != nil {
		return nil, err
	}

	resolution, err := descriptor.Resolve(t, templateValues(input), descriptor.Pseudo{
		StackName: input.Env.StackName(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve template: %w", err)
	}

	resolved, err := resolution.Template.AsMap()
	if err != nil {
		return nil, fmt.Errorf("failed to convert template: %w", err)
	}

	validation, err := d.validator.ValidateTemplate(resolved, input.Env.String())
	if err != nil {
		return nil, fmt.Errorf("failed to validate template: %w", err)
	}

	return &Preview{
		StackName:  input.Env.StackName(),
		Parameters: resolution.Parameters,
		Order:      resolution.Order,
		Pending:    resolution.Pending,
		Allowed:    validation.Allowed,
		Violations: validation.Violations,
		Warnings:   validation.Warnings,
	}, nil
}

// Deploy runs the full pipeline: render, validate, record, lock, upload,
// submit, then follow the stack to a terminal state. Every transition lands
// in the deployment record so history survives an interrupted run.
func (d *Deployer) Deploy(ctx context.Context, input Input) (result *Result, err error) {
	logger := zerolog.Ctx(ctx)

	defer func(begin time.Time) {
		logger.Info().
			Str("app", deploydao.App).
			Str("env", input.Env.String()).
			Interface("error", err).
			Dur("duration", time.Since(begin)).
			Msg("Deploy finished")
	}(time.Now())

	stackName := input.Env.StackName()

	logger.Info().Msg("Step 1: Rendering deployment template")
	t, err := loadTemplate(input.TemplatePath)
	if err != nil {
		return nil, err
	}
	body, err := t.Render()
	if err != nil {
		return nil, fmt.Errorf("failed to render template: %w", err)
	}

	logger.Info().Msg("Step 2: Validating template against guardrails")
	preview, err := d.Preview(ctx, input)
	if err != nil {
		return nil, err
	}
	if !preview.Allowed {
		if !input.Force {
			return nil, fmt.Errorf("template failed validation: %s", strings.Join(preview.Violations, "; "))
		}
		for _, violation := range preview.Violations {
			logger.Warn().Str("violation", violation).Msg("Guardrail violation overridden by --force")
		}
	}
	for _, warning := range preview.Warnings {
		logger.Warn().Str("warning", warning).Msg("Guardrail warning")
	}

	exists, err := d.provisioner.StackExists(ctx, stackName)
	if err != nil {
		return nil, fmt.Errorf("failed to check if stack exists: %w", err)
	}
	if !exists && input.CodePath == "" {
		return nil, fmt.Errorf("initial deployment of %s requires a code bundle", stackName)
	}

	logger.Info().Msg("Step 3: Recording deployment")
	sk := ksuid.New().String()
	pk := deploydao.NewPK(deploydao.App, input.Env.String())
	locations := d.provisioner.ArtifactLocations(provision.UploadInput{
		Bucket:   d.bucket,
		Env:      input.Env.String(),
		DeployID: sk,
		CodePath: input.CodePath,
	})
	if _, err := d.deployDAO.Create(ctx, deploydao.CreateInput{
		App:         deploydao.App,
		Env:         input.Env.String(),
		SK:          sk,
		StackName:   stackName,
		TemplateURL: locations.TemplateURL,
		CodeKey:     locations.CodeKey,
		Warnings:    preview.Warnings,
	}); err != nil {
		return nil, fmt.Errorf("failed to create deployment record: %w", err)
	}

	logger.Info().Msg("Step 4: Acquiring deployment lock")
	lock, acquired, err := d.lockDAO.Acquire(ctx, lockdao.AcquireInput{
		Env:       input.Env.String(),
		App:       deploydao.App,
		DeployID:  sk,
		StackName: stackName,
	})
	if err != nil {
		d.markFailed(ctx, pk, sk, err.Error())
		return nil, fmt.Errorf("failed to acquire deployment lock: %w", err)
	}
	if !acquired {
		d.markFailed(ctx, pk, sk, fmt.Sprintf("deployment lock held by %s", lock.DeployID))
		return nil, fmt.Errorf("%w: %s held by deployment %s", apperrors.ErrLockHeld, stackName, lock.DeployID)
	}
	defer func() {
		if releaseErr := d.lockDAO.Release(ctx, lockdao.ReleaseInput{
			ID:       lockdao.NewID(input.Env.String(), deploydao.App),
			DeployID: sk,
		}); releaseErr != nil {
			logger.Error().Err(releaseErr).Msg("Failed to release deployment lock")
		}
	}()

	logger.Info().Msg("Step 5: Uploading deployment artifacts")
	artifacts, err := d.provisioner.UploadArtifacts(ctx, provision.UploadInput{
		Bucket:       d.bucket,
		Env:          input.Env.String(),
		DeployID:     sk,
		TemplateBody: body,
		CodePath:     input.CodePath,
	})
	if err != nil {
		d.markFailed(ctx, pk, sk, err.Error())
		return nil, fmt.Errorf("failed to upload artifacts: %w", err)
	}

	logger.Info().Msg("Step 6: Submitting CloudFormation stack")
	params, err := buildParameters(t, input, artifacts, exists)
	if err != nil {
		d.markFailed(ctx, pk, sk, err.Error())
		return nil, err
	}

	applied, err := d.provisioner.Apply(ctx, provision.ApplyInput{
		StackName:   stackName,
		Env:         input.Env.String(),
		TemplateURL: artifacts.TemplateURL,
		Parameters:  params,
	})
	if err != nil {
		d.markFailed(ctx, pk, sk, err.Error())
		return nil, err
	}

	if applied.NoChanges {
		logger.Info().Msg("No changes detected, marking deployment successful")
		return d.finish(ctx, pk, sk, stackName, applied, preview.Warnings)
	}

	if err := d.deployDAO.StartProvision(ctx, pk, sk, applied.StackID); err != nil {
		return nil, fmt.Errorf("failed to update deployment status: %w", err)
	}

	logger.Info().Msg("Step 7: Waiting for stack to stabilize")
	if _, err := d.provisioner.Wait(ctx, stackName); err != nil {
		d.markFailed(ctx, pk, sk, err.Error())
		return nil, err
	}

	return d.finish(ctx, pk, sk, stackName, applied, preview.Warnings)
}

// Destroy tears down the environment's stack. The deployment lock is held for
// the duration so a deploy cannot race the teardown.
func (d *Deployer) Destroy(ctx context.Context, env models.Env) error {
	logger := zerolog.Ctx(ctx)

	deployID := ksuid.New().String()
	lock, acquired, err := d.lockDAO.Acquire(ctx, lockdao.AcquireInput{
		Env:       env.String(),
		App:       deploydao.App,
		DeployID:  deployID,
		StackName: env.StackName(),
	})
	if err != nil {
		return fmt.Errorf("failed to acquire deployment lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("%w: %s held by deployment %s", apperrors.ErrLockHeld, env.StackName(), lock.DeployID)
	}
	defer func() {
		if releaseErr := d.lockDAO.Release(ctx, lockdao.ReleaseInput{
			ID:       lockdao.NewID(env.String(), deploydao.App),
			DeployID: deployID,
		}); releaseErr != nil {
			logger.Error().Err(releaseErr).Msg("Failed to release deployment lock")
		}
	}()

	return d.provisioner.Destroy(ctx, env.StackName())
}

// finish fetches the stack outputs and marks the deployment successful.
func (d *Deployer) finish(ctx context.Context, pk deploydao.PK, sk, stackName string, applied *provision.ApplyResult, warnings []string) (*Result, error) {
	outputs, err := d.provisioner.Outputs(ctx, stackName)
	if err != nil {
		d.markFailed(ctx, pk, sk, err.Error())
		return nil, fmt.Errorf("failed to read stack outputs: %w", err)
	}

	status := deploydao.DeployStatusSuccess
	if err := d.deployDAO.UpdateStatus(ctx, deploydao.UpdateInput{
		PK:      pk,
		SK:      sk,
		Status:  &status,
		Outputs: outputs,
	}); err != nil {
		return nil, fmt.Errorf("failed to update deployment status: %w", err)
	}

	return &Result{
		DeployID:  sk,
		StackName: stackName,
		StackID:   applied.StackID,
		Operation: applied.Operation,
		NoChanges: applied.NoChanges,
		Outputs:   outputs,
		Warnings:  warnings,
	}, nil
}

// markFailed records a failed deployment. Errors here are logged, not
// returned; the caller's original error is the one worth surfacing.
func (d *Deployer) markFailed(ctx context.Context, pk deploydao.PK, sk, msg string) {
	logger := zerolog.Ctx(ctx)

	status := deploydao.DeployStatusFailed
	if err := d.deployDAO.UpdateStatus(ctx, deploydao.UpdateInput{
		PK:       pk,
		SK:       sk,
		Status:   &status,
		ErrorMsg: &msg,
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to update deployment status")
	}
}

// buildParameters assembles the CloudFormation parameter list. On create a
// fresh master password is generated. On update every declared parameter not
// supplied this run is carried forward with UsePreviousValue, so the NoEcho
// password and the code coordinates never round-trip, and values set on an
// earlier deploy never silently revert to template defaults.
func buildParameters(t *descriptor.Template, input Input, artifacts *provision.Artifacts, update bool) ([]types.Parameter, error) {
	values := templateValues(input)
	if artifacts.CodeKey != "" {
		values["CodeBucket"] = artifacts.Bucket
		values["CodeKey"] = artifacts.CodeKey
	}

	params := provision.MergeParameters(values)

	if !update {
		if _, ok := values["DBPassword"]; !ok {
			password, err := secrets.GeneratePassword()
			if err != nil {
				return nil, fmt.Errorf("failed to generate database password: %w", err)
			}
			params = append(params, types.Parameter{
				ParameterKey:   aws.String("DBPassword"),
				ParameterValue: aws.String(password),
			})
		}
		return params, nil
	}

	carried := make([]string, 0, len(t.Parameters))
	for name := range t.Parameters {
		if _, ok := values[name]; !ok {
			carried = append(carried, name)
		}
	}
	sort.Strings(carried)
	for _, name := range carried {
		params = append(params, provision.PreviousValue(name))
	}

	return params, nil
}

// templateValues merges caller-supplied parameter values with the pinned
// Environment value. The env flag always wins.
func templateValues(input Input) map[string]string {
	values := map[string]string{}
	maps.Copy(values, input.Parameters)
	values["Environment"] = input.Env.String()
	return values
}

func loadTemplate(path string) (*descriptor.Template, error) {
	if path != "" {
		return descriptor.Load(path)
	}
	return descriptor.Default()
}
