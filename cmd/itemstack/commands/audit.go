package commands

import (
	"fmt"

	"github.com/savaki/itemstack/internal/audit"
	"github.com/urfave/cli/v2"
)

// AuditCommand returns the audit command for checking a live environment
func AuditCommand() *cli.Command {
	return &cli.Command{
		Name:  "audit",
		Usage: "Audit a live environment against its expected configuration",
		Description: `Check a provisioned environment for drift: stack outputs, the database
secret, security group ingress, and the API and function wiring. Failures
exit non-zero so the audit can gate promotion pipelines.

Examples:
  # Audit dev
  itemstack audit

  # Audit prod as JSON
  itemstack audit --env prod --json`,
		Flags: []cli.Flag{
			envFlag(),
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: auditAction,
	}
}

// auditAction runs the conformance checks against a live environment
func auditAction(c *cli.Context) error {
	env, container, err := newContainer(c)
	if err != nil {
		return err
	}

	auditor, err := fromContainer[*audit.Auditor](container)
	if err != nil {
		return fmt.Errorf("failed to initialize auditor: %w", err)
	}

	report, err := auditor.Run(c.Context, env)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		if err := displayAsJSON(report); err != nil {
			return err
		}
	} else {
		fmt.Println()
		fmt.Printf("Audit of %s (account %s, %s)\n\n", report.StackName, report.Account, report.Region)
		for _, line := range report.Lines() {
			fmt.Println(line)
		}
		pass, warn, fail := report.Counts()
		fmt.Printf("\n%d passed, %d warnings, %d failed\n", pass, warn, fail)
	}

	if report.Failed() {
		return cli.Exit("audit failed", 1)
	}
	return nil
}
