package commands

import (
	"fmt"
	"slices"
	"time"

	"github.com/savaki/itemstack/internal/dao/deploydao"
	"github.com/savaki/itemstack/internal/services"
	"github.com/urfave/cli/v2"
)

// DeploymentsCommand returns the deployments command for browsing history
func DeploymentsCommand() *cli.Command {
	return &cli.Command{
		Name:  "deployments",
		Usage: "Inspect deployment history",
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Aliases: []string{"l"},
				Usage:   "List deployments for an environment",
				Description: `List the recorded deployments for an environment, newest first.

Examples:
  # All dev deployments
  itemstack deployments list

  # Prod history as JSON
  itemstack deployments list --env prod --json`,
				Flags: []cli.Flag{
					envFlag(),
					&cli.BoolFlag{
						Name:    "json",
						Aliases: []string{"j"},
						Usage:   "Output as JSON",
					},
				},
				Action: deploymentsListAction,
			},
			{
				Name:  "latest",
				Usage: "Show the most recent deployment",
				Description: `Show the most recent deployment for an environment.

Examples:
  # Latest dev deployment
  itemstack deployments latest

  # Latest prod deployment as JSON
  itemstack deployments latest --env prod --json`,
				Flags: []cli.Flag{
					envFlag(),
					&cli.BoolFlag{
						Name:    "json",
						Aliases: []string{"j"},
						Usage:   "Output as JSON",
					},
				},
				Action: deploymentsLatestAction,
			},
		},
	}
}

// deploymentsListAction lists the deployment history for an environment
func deploymentsListAction(c *cli.Context) error {
	env, container, err := newContainer(c)
	if err != nil {
		return err
	}

	svc, err := fromContainer[*services.DynamoDBService](container)
	if err != nil {
		return fmt.Errorf("failed to initialize DynamoDB service: %w", err)
	}

	records, err := svc.QueryDeploymentsByEnv(c.Context, deploydao.App, env.String())
	if err != nil {
		return err
	}

	// Records come back in KSUID order, oldest first
	slices.Reverse(records)

	if c.Bool("json") {
		return displayAsJSON(records)
	}

	if len(records) == 0 {
		fmt.Printf("No deployments recorded for %s\n", env)
		return nil
	}

	fmt.Printf("%-42s %-12s %-21s %s\n", "ID", "STATUS", "CREATED", "FINISHED")
	for _, record := range records {
		fmt.Printf("%-42s %-12s %-21s %s\n",
			record.GetID(), record.Status, formatEpoch(record.CreatedAt), formatEpochPtr(record.FinishedAt))
	}
	return nil
}

// deploymentsLatestAction shows the most recent deployment for an environment
func deploymentsLatestAction(c *cli.Context) error {
	env, container, err := newContainer(c)
	if err != nil {
		return err
	}

	record, err := latestDeployment(c, container, env)
	if err != nil {
		return err
	}
	if record == nil {
		fmt.Printf("No deployments recorded for %s\n", env)
		return nil
	}

	if c.Bool("json") {
		return displayAsJSON(record)
	}

	fmt.Println("\nLatest deployment:")
	displayDeployment(record)
	return nil
}

// displayDeployment prints one deployment record in detail
func displayDeployment(r *deploydao.Record) {
	fmt.Printf("  ID:       %s\n", r.GetID())
	fmt.Printf("  Status:   %s\n", r.Status)
	fmt.Printf("  Stack:    %s\n", r.StackName)
	fmt.Printf("  Created:  %s\n", formatEpoch(r.CreatedAt))
	fmt.Printf("  Finished: %s\n", formatEpochPtr(r.FinishedAt))
	if r.ErrorMsg != nil {
		fmt.Printf("  Error:    %s\n", *r.ErrorMsg)
	}
	if len(r.Outputs) > 0 {
		fmt.Println("  Outputs:")
		for _, key := range sortedKeys(r.Outputs) {
			fmt.Printf("    %-18s %s\n", key, r.Outputs[key])
		}
	}
}

// formatEpoch renders a unix timestamp for display, "-" when unset
func formatEpoch(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func formatEpochPtr(ts *int64) string {
	if ts == nil {
		return "-"
	}
	return formatEpoch(*ts)
}
