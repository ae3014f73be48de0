package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	apperrors "github.com/savaki/itemstack/internal/errors"
)

// ManagedByTag marks stacks created by this tool.
const ManagedByTag = "itemstack"

// pollInterval is how often Wait and Destroy re-check the stack status.
const pollInterval = 10 * time.Second

// Provisioner drives CloudFormation for the itemstack stack.
type Provisioner struct {
	cfClient *cloudformation.Client
	s3Client *s3.Client
	region   string
}

// New creates a Provisioner from pre-built clients.
func New(cfClient *cloudformation.Client, s3Client *s3.Client, region string) *Provisioner {
	return &Provisioner{
		cfClient: cfClient,
		s3Client: s3Client,
		region:   region,
	}
}

// NewFromConfig creates a Provisioner from an AWS config.
func NewFromConfig(cfg aws.Config) *Provisioner {
	return New(cloudformation.NewFromConfig(cfg), s3.NewFromConfig(cfg), cfg.Region)
}

// ApplyInput describes a stack create-or-update request.
// Exactly one of TemplateBody or TemplateURL should be set; TemplateURL wins.
type ApplyInput struct {
	StackName    string
	Env          string // tagged onto the stack on creation
	TemplateBody string
	TemplateURL  string
	Parameters   []types.Parameter
}

// ApplyResult reports the submitted stack operation.
type ApplyResult struct {
	StackName string `json:"stack_name"`
	StackID   string `json:"stack_id"`
	Operation string `json:"operation"`
	NoChanges bool   `json:"no_changes,omitempty"`
}

// StackStatus is a point-in-time view of a stack.
type StackStatus struct {
	StackName    string  `json:"stack_name"`
	StackID      string  `json:"stack_id"`
	Status       string  `json:"status"`
	StatusReason *string `json:"status_reason,omitempty"`
}

// Apply creates the stack if it does not exist, otherwise updates it.
// The call returns as soon as CloudFormation accepts the request; use Wait
// to follow the operation to a terminal state.
func (p *Provisioner) Apply(ctx context.Context, input ApplyInput) (*ApplyResult, error) {
	logger := zerolog.Ctx(ctx)

	exists, err := p.StackExists(ctx, input.StackName)
	if err != nil {
		return nil, fmt.Errorf("failed to check if stack exists: %w", err)
	}

	var result *ApplyResult
	if exists {
		result, err = p.updateStack(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to update stack: %w", err)
		}
		result.Operation = "UPDATE"
	} else {
		result, err = p.createStack(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to create stack: %w", err)
		}
		result.Operation = "CREATE"
	}

	logger.Info().
		Str("operation", result.Operation).
		Str("stack_name", input.StackName).
		Msg("Stack operation submitted")
	return result, nil
}

// StackExists reports whether the stack is known to CloudFormation.
func (p *Provisioner) StackExists(ctx context.Context, stackName string) (bool, error) {
	_, err := p.describeStack(ctx, stackName)
	if err != nil {
		if errors.Is(err, apperrors.ErrStackNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *Provisioner) createStack(ctx context.Context, in ApplyInput) (*ApplyResult, error) {
	tags := []types.Tag{
		{
			Key:   aws.String("ManagedBy"),
			Value: aws.String(ManagedByTag),
		},
	}
	if in.Env != "" {
		tags = append(tags, types.Tag{
			Key:   aws.String("Environment"),
			Value: aws.String(in.Env),
		})
	}

	input := &cloudformation.CreateStackInput{
		StackName:  aws.String(in.StackName),
		Parameters: in.Parameters,
		Capabilities: []types.Capability{
			types.CapabilityCapabilityIam,
			types.CapabilityCapabilityNamedIam,
		},
		Tags: tags,
	}
	if in.TemplateURL != "" {
		input.TemplateURL = aws.String(in.TemplateURL)
	} else {
		input.TemplateBody = aws.String(in.TemplateBody)
	}

	result, err := p.cfClient.CreateStack(ctx, input)
	if err != nil {
		return nil, err
	}

	return &ApplyResult{
		StackName: in.StackName,
		StackID:   aws.ToString(result.StackId),
	}, nil
}

func (p *Provisioner) updateStack(ctx context.Context, in ApplyInput) (*ApplyResult, error) {
	logger := zerolog.Ctx(ctx)

	input := &cloudformation.UpdateStackInput{
		StackName:  aws.String(in.StackName),
		Parameters: in.Parameters,
		Capabilities: []types.Capability{
			types.CapabilityCapabilityIam,
			types.CapabilityCapabilityNamedIam,
		},
	}
	if in.TemplateURL != "" {
		input.TemplateURL = aws.String(in.TemplateURL)
	} else {
		input.TemplateBody = aws.String(in.TemplateBody)
	}

	result, err := p.cfClient.UpdateStack(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			if apiErr.ErrorCode() == "ValidationError" &&
				(strings.Contains(apiErr.ErrorMessage(), "No updates are to be performed") ||
					strings.Contains(apiErr.ErrorMessage(), "No updates to be performed")) {
				logger.Info().Str("stack_name", in.StackName).Msg("No updates needed for stack")
				return &ApplyResult{
					StackName: in.StackName,
					StackID:   in.StackName,
					NoChanges: true,
				}, nil
			}
		}
		return nil, err
	}

	return &ApplyResult{
		StackName: in.StackName,
		StackID:   aws.ToString(result.StackId),
	}, nil
}

// Status returns the current stack status.
// Returns ErrStackNotFound if the stack does not exist.
func (p *Provisioner) Status(ctx context.Context, stackName string) (*StackStatus, error) {
	stack, err := p.describeStack(ctx, stackName)
	if err != nil {
		return nil, err
	}

	return &StackStatus{
		StackName:    stackName,
		StackID:      aws.ToString(stack.StackId),
		Status:       string(stack.StackStatus),
		StatusReason: stack.StackStatusReason,
	}, nil
}

// Wait polls the stack until the operation reaches a terminal state.
// On success the final status is returned; a failed or rolled-back stack
// logs its failing resource events and returns an error.
func (p *Provisioner) Wait(ctx context.Context, stackName string) (*StackStatus, error) {
	logger := zerolog.Ctx(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		status, err := p.Status(ctx, stackName)
		if err != nil {
			return nil, err
		}

		logger.Info().
			Str("stack_name", stackName).
			Str("status", status.Status).
			Msg("Stack status")

		st := types.StackStatus(status.Status)
		switch {
		case isCompleteStatus(st):
			return status, nil
		case isFailedStatus(st):
			p.logFailedEvents(ctx, stackName)
			if status.StatusReason != nil {
				return nil, fmt.Errorf("stack %s entered %s: %s", stackName, status.Status, *status.StatusReason)
			}
			return nil, fmt.Errorf("stack %s entered %s", stackName, status.Status)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Outputs returns the stack outputs keyed by output name.
func (p *Provisioner) Outputs(ctx context.Context, stackName string) (map[string]string, error) {
	stack, err := p.describeStack(ctx, stackName)
	if err != nil {
		return nil, err
	}

	outputs := make(map[string]string, len(stack.Outputs))
	for _, output := range stack.Outputs {
		outputs[aws.ToString(output.OutputKey)] = aws.ToString(output.OutputValue)
	}

	return outputs, nil
}

// Output returns a single stack output by name.
// Returns ErrOutputMissing if the stack does not declare it.
func (p *Provisioner) Output(ctx context.Context, stackName, key string) (string, error) {
	outputs, err := p.Outputs(ctx, stackName)
	if err != nil {
		return "", err
	}

	value, ok := outputs[key]
	if !ok {
		return "", fmt.Errorf("%w: %s on stack %s", apperrors.ErrOutputMissing, key, stackName)
	}

	return value, nil
}

// Resources maps the stack's logical resource ids to their physical ids.
func (p *Provisioner) Resources(ctx context.Context, stackName string) (map[string]string, error) {
	resources := make(map[string]string)

	paginator := cloudformation.NewListStackResourcesPaginator(p.cfClient, &cloudformation.ListStackResourcesInput{
		StackName: aws.String(stackName),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list resources for stack %s: %w", stackName, err)
		}
		for _, summary := range page.StackResourceSummaries {
			if summary.PhysicalResourceId == nil {
				continue
			}
			resources[aws.ToString(summary.LogicalResourceId)] = aws.ToString(summary.PhysicalResourceId)
		}
	}

	return resources, nil
}

// Destroy deletes the stack and waits for the deletion to finish.
// Destroying a stack that does not exist is a no-op.
func (p *Provisioner) Destroy(ctx context.Context, stackName string) error {
	logger := zerolog.Ctx(ctx)

	exists, err := p.StackExists(ctx, stackName)
	if err != nil {
		return fmt.Errorf("failed to check if stack exists: %w", err)
	}
	if !exists {
		logger.Info().Str("stack_name", stackName).Msg("Stack does not exist, nothing to destroy")
		return nil
	}

	_, err = p.cfClient.DeleteStack(ctx, &cloudformation.DeleteStackInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		return fmt.Errorf("failed to delete stack %s: %w", stackName, err)
	}

	logger.Info().Str("stack_name", stackName).Msg("Stack deletion started")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		status, err := p.Status(ctx, stackName)
		if err != nil {
			// The stack vanishing from DescribeStacks means the delete finished
			if errors.Is(err, apperrors.ErrStackNotFound) {
				return nil
			}
			return err
		}

		logger.Info().
			Str("stack_name", stackName).
			Str("status", status.Status).
			Msg("Stack status")

		switch types.StackStatus(status.Status) {
		case types.StackStatusDeleteComplete:
			return nil
		case types.StackStatusDeleteFailed:
			p.logFailedEvents(ctx, stackName)
			return fmt.Errorf("stack %s entered DELETE_FAILED", stackName)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// FailedEvents returns the most recent failed resource events for the stack,
// capped at 10.
func (p *Provisioner) FailedEvents(ctx context.Context, stackName string) ([]types.StackEvent, error) {
	result, err := p.cfClient.DescribeStackEvents(ctx, &cloudformation.DescribeStackEventsInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		return nil, err
	}

	var recentEvents []types.StackEvent
	count := 0
	for i := range result.StackEvents {
		if count >= 10 {
			break
		}
		event := &result.StackEvents[i]
		if event.ResourceStatus == types.ResourceStatusCreateFailed ||
			event.ResourceStatus == types.ResourceStatusUpdateFailed ||
			event.ResourceStatus == types.ResourceStatusDeleteFailed {
			recentEvents = append(recentEvents, *event)
			count++
		}
	}

	return recentEvents, nil
}

func (p *Provisioner) logFailedEvents(ctx context.Context, stackName string) {
	logger := zerolog.Ctx(ctx)

	events, err := p.FailedEvents(ctx, stackName)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to get stack events")
		return
	}

	for i := range events {
		event := &events[i]
		if event.ResourceStatusReason != nil {
			logger.Info().
				Str("resource_id", aws.ToString(event.LogicalResourceId)).
				Str("status", string(event.ResourceStatus)).
				Str("reason", *event.ResourceStatusReason).
				Msg("Stack event")
		}
	}
}

func (p *Provisioner) describeStack(ctx context.Context, stackName string) (*types.Stack, error) {
	result, err := p.cfClient.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			if apiErr.ErrorCode() == "ValidationError" || strings.Contains(apiErr.ErrorMessage(), "does not exist") {
				return nil, fmt.Errorf("%w: %s", apperrors.ErrStackNotFound, stackName)
			}
		}
		return nil, fmt.Errorf("failed to describe stack %s: %w", stackName, err)
	}

	if len(result.Stacks) == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrStackNotFound, stackName)
	}

	return &result.Stacks[0], nil
}

func isCompleteStatus(status types.StackStatus) bool {
	return status == types.StackStatusCreateComplete ||
		status == types.StackStatusUpdateComplete
}

func isFailedStatus(status types.StackStatus) bool {
	failedStatuses := []types.StackStatus{
		types.StackStatusCreateFailed,
		types.StackStatusUpdateFailed,
		types.StackStatusDeleteFailed,
		types.StackStatusRollbackFailed,
		types.StackStatusUpdateRollbackFailed,
		types.StackStatusRollbackComplete,
		types.StackStatusUpdateRollbackComplete,
	}

	for _, failedStatus := range failedStatuses {
		if status == failedStatus {
			return true
		}
	}
	return false
}
