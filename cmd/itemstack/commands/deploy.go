package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/savaki/itemstack/internal/deployer"
	"github.com/urfave/cli/v2"
)

// DeployCommand returns the deploy command for provisioning the stack
func DeployCommand() *cli.Command {
	return &cli.Command{
		Name:  "deploy",
		Usage: "Deploy the stack to an environment",
		Description: `Render the template, validate it against the guardrails, and drive
CloudFormation to a terminal state. Without --execute the command stops after
validation and shows what would be submitted. Guardrail violations block the
deployment unless --force is set.

The first deployment of an environment must include --code. Later
deployments may omit it to keep the code already running there.

Examples:
  # Dry run against dev
  itemstack deploy

  # Deploy the built-in template and a fresh API bundle to dev
  itemstack deploy --code ./dist/api.zip --execute

  # Deploy a custom descriptor to prod with a parameter override
  itemstack deploy --env prod --file stack.yml --param DBInstanceClass=db.r6g.large --execute`,
		Flags: []cli.Flag{
			envFlag(),
			&cli.StringFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "Template descriptor path (defaults to the built-in template)",
				EnvVars: []string{"TEMPLATE_FILE"},
			},
			&cli.StringFlag{
				Name:    "code",
				Aliases: []string{"c"},
				Usage:   "Path to the API function bundle (zip)",
				EnvVars: []string{"CODE_BUNDLE"},
			},
			&cli.StringSliceFlag{
				Name:    "param",
				Aliases: []string{"p"},
				Usage:   "Template parameter as KEY=VALUE (repeatable)",
			},
			&cli.BoolFlag{
				Name:    "execute",
				Aliases: []string{"x"},
				Usage:   "Execute the deployment (default is dry-run)",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Deploy even when the guardrails report violations",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: deployAction,
	}
}

// DestroyCommand returns the destroy command for tearing down the stack
func DestroyCommand() *cli.Command {
	return &cli.Command{
		Name:  "destroy",
		Usage: "Delete the stack and its resources",
		Description: `Delete the CloudFormation stack for an environment. The deployment
lock is taken first so a destroy cannot race an in-flight deployment.

The database carries a Snapshot deletion policy, so a final snapshot is
taken before the instance goes away.

Examples:
  # Destroy the dev stack
  itemstack destroy

  # Destroy without the confirmation prompt
  itemstack destroy --env test --force`,
		Flags: []cli.Flag{
			envFlag(),
			&cli.BoolFlag{
				Name:    "force",
				Aliases: []string{"f"},
				Usage:   "Skip confirmation prompt",
			},
		},
		Action: destroyAction,
	}
}

// deployAction runs the deployment pipeline, or a dry run without --execute
func deployAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)

	env, container, err := newContainer(c)
	if err != nil {
		return err
	}

	values, err := parseParams(c.StringSlice("param"))
	if err != nil {
		return err
	}

	input := deployer.Input{
		Env:          env,
		TemplatePath: c.String("file"),
		CodePath:     c.String("code"),
		Parameters:   values,
		Force:        c.Bool("force"),
	}

	d, err := fromContainer[*deployer.Deployer](container)
	if err != nil {
		return fmt.Errorf("failed to initialize deployer: %w", err)
	}

	if !c.Bool("execute") {
		preview, err := d.Preview(c.Context, input)
		if err != nil {
			return err
		}

		if c.Bool("json") {
			return displayAsJSON(preview)
		}

		displayPreview(preview)
		if !preview.Allowed && !input.Force {
			return cli.Exit("template failed validation", 1)
		}
		fmt.Println("\nDry run only. Re-run with --execute to deploy.")
		return nil
	}

	result, err := d.Deploy(c.Context, input)
	if err != nil {
		return err
	}

	logger.Info().
		Str("deploy_id", result.DeployID).
		Str("stack_name", result.StackName).
		Msg("Deployment finished")

	if c.Bool("json") {
		return displayAsJSON(result)
	}

	displayResult(result)
	return nil
}

// destroyAction deletes the environment's stack
func destroyAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)

	env, container, err := newContainer(c)
	if err != nil {
		return err
	}

	fmt.Printf("About to delete stack %s and all of its resources\n", env.StackName())

	if !c.Bool("force") {
		fmt.Print("\nAre you sure? (yes/no): ")
		var response string
		fmt.Scanln(&response)
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "yes" && response != "y" {
			fmt.Println("Destroy cancelled")
			return nil
		}
	}

	d, err := fromContainer[*deployer.Deployer](container)
	if err != nil {
		return fmt.Errorf("failed to initialize deployer: %w", err)
	}

	if err := d.Destroy(c.Context, env); err != nil {
		return err
	}

	logger.Info().
		Str("stack_name", env.StackName()).
		Msg("Stack deleted successfully")

	fmt.Println("\n✓ Stack deleted successfully")
	return nil
}

// displayResult prints the outcome of a deployment
func displayResult(r *deployer.Result) {
	fmt.Println()
	if r.NoChanges {
		fmt.Printf("✓ Stack %s is already up to date\n", r.StackName)
		return
	}

	fmt.Printf("✓ Deployed %s (%s)\n", r.StackName, strings.ToLower(r.Operation))
	fmt.Printf("  Deploy ID: %s\n", r.DeployID)
	fmt.Printf("  Stack ID:  %s\n", r.StackID)

	for _, warning := range r.Warnings {
		fmt.Printf("! %s\n", warning)
	}

	if len(r.Outputs) > 0 {
		fmt.Println("\nOutputs:")
		for _, key := range sortedKeys(r.Outputs) {
			fmt.Printf("  %-18s %s\n", key, r.Outputs[key])
		}
	}
}
