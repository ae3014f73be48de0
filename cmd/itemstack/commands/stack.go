package commands

import (
	"errors"
	"fmt"

	"github.com/savaki/itemstack/internal/dao/deploydao"
	"github.com/savaki/itemstack/internal/di"
	apperrors "github.com/savaki/itemstack/internal/errors"
	"github.com/savaki/itemstack/internal/models"
	"github.com/savaki/itemstack/internal/provision"
	"github.com/savaki/itemstack/internal/services"
	"github.com/urfave/cli/v2"
)

// requiredOutputs are the outputs every healthy stack must export.
var requiredOutputs = []string{"ApiUrl", "DatabaseEndpoint"}

// StatusCommand returns the status command for inspecting the stack state
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show stack status and the latest deployment",
		Description: `Show the CloudFormation stack status for an environment together with
the most recent deployment record.

Examples:
  # Status of the dev stack
  itemstack status

  # Status of prod as JSON
  itemstack status --env prod --json`,
		Flags: []cli.Flag{
			envFlag(),
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: statusAction,
	}
}

// OutputsCommand returns the outputs command for reading stack outputs
func OutputsCommand() *cli.Command {
	return &cli.Command{
		Name:  "outputs",
		Usage: "Show the stack outputs",
		Description: `Read the outputs of the environment's stack. The command fails unless
both ApiUrl and DatabaseEndpoint are present, so a half-provisioned stack
shows up in automation instead of passing silently.

Examples:
  # Outputs of the dev stack
  itemstack outputs

  # Outputs as JSON for scripting
  itemstack outputs --env prod --json`,
		Flags: []cli.Flag{
			envFlag(),
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: outputsAction,
	}
}

// statusAction reports the stack status and the latest deployment record
func statusAction(c *cli.Context) error {
	env, container, err := newContainer(c)
	if err != nil {
		return err
	}

	provisioner, err := fromContainer[*provision.Provisioner](container)
	if err != nil {
		return fmt.Errorf("failed to initialize provisioner: %w", err)
	}

	stack, err := provisioner.Status(c.Context, env.StackName())
	if err != nil && !errors.Is(err, apperrors.ErrStackNotFound) {
		return err
	}

	record, err := latestDeployment(c, container, env)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return displayAsJSON(map[string]any{
			"stack":      stack,
			"deployment": record,
		})
	}

	fmt.Println()
	if stack == nil {
		fmt.Printf("Stack %s does not exist\n", env.StackName())
	} else {
		fmt.Printf("Stack:   %s\n", stack.StackName)
		fmt.Printf("Status:  %s\n", stack.Status)
		if stack.StatusReason != nil {
			fmt.Printf("Reason:  %s\n", *stack.StatusReason)
		}
	}

	if record == nil {
		fmt.Println("\nNo deployments recorded")
		return nil
	}

	fmt.Println("\nLatest deployment:")
	displayDeployment(record)
	return nil
}

// outputsAction reads and verifies the stack outputs
func outputsAction(c *cli.Context) error {
	env, container, err := newContainer(c)
	if err != nil {
		return err
	}

	provisioner, err := fromContainer[*provision.Provisioner](container)
	if err != nil {
		return fmt.Errorf("failed to initialize provisioner: %w", err)
	}

	outputs, err := provisioner.Outputs(c.Context, env.StackName())
	if err != nil {
		return err
	}

	for _, key := range requiredOutputs {
		if outputs[key] == "" {
			return fmt.Errorf("%w: stack %s has no %s output", apperrors.ErrOutputMissing, env.StackName(), key)
		}
	}

	if c.Bool("json") {
		return displayAsJSON(outputs)
	}

	for _, key := range sortedKeys(outputs) {
		fmt.Printf("%-18s %s\n", key, outputs[key])
	}
	return nil
}

// latestDeployment returns the most recent deployment record for the
// environment, nil when none have been recorded.
func latestDeployment(c *cli.Context, container di.Container, env models.Env) (*deploydao.Record, error) {
	svc, err := fromContainer[*services.DynamoDBService](container)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DynamoDB service: %w", err)
	}

	records, err := svc.QueryLatestDeploymentsByEnv(c.Context, env.String())
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].App == deploydao.App {
			return &records[i], nil
		}
	}
	return nil, nil
}
