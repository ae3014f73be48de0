package commands

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/savaki/itemstack/internal/deployer"
	"github.com/savaki/itemstack/internal/descriptor"
	"github.com/savaki/itemstack/internal/policy"
	"github.com/urfave/cli/v2"
)

// RenderCommand returns the render command for emitting the CloudFormation template
func RenderCommand() *cli.Command {
	return &cli.Command{
		Name:  "render",
		Usage: "Render the CloudFormation template",
		Description: `Render the application template as CloudFormation YAML.

By default the output keeps parameter references intact so it can be
submitted to CloudFormation unchanged. With --resolved the parameters and
pseudo parameters are substituted for the selected environment and the
provisioning order is included as a leading comment; values that only exist
once resources are provisioned stay as ${...} placeholders.

Examples:
  # Print the built-in template
  itemstack render

  # Render a custom descriptor to a file
  itemstack render --file stack.yml --output template.yml

  # Show the resolved form for prod
  itemstack render --env prod --resolved`,
		Flags: []cli.Flag{
			envFlag(),
			&cli.StringFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "Template descriptor path (defaults to the built-in template)",
				EnvVars: []string{"TEMPLATE_FILE"},
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write the rendered template to a file instead of stdout",
			},
			&cli.BoolFlag{
				Name:    "resolved",
				Aliases: []string{"r"},
				Usage:   "Substitute parameters for the selected environment",
			},
			&cli.StringSliceFlag{
				Name:    "param",
				Aliases: []string{"p"},
				Usage:   "Template parameter as KEY=VALUE (repeatable)",
			},
		},
		Action: renderAction,
	}
}

// ValidateCommand returns the validate command for checking templates against the guardrails
func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Validate the template against the guardrail policies",
		Description: `Resolve the template for an environment and evaluate the guardrail
policies against it. Nothing is sent to AWS.

The command exits non-zero when the template violates a guardrail, which
makes it usable as a CI gate.

Examples:
  # Validate the built-in template for dev
  itemstack validate

  # Validate a custom descriptor against the prod rules
  itemstack validate --env prod --file stack.yml

  # Machine-readable result
  itemstack validate --env prod --json`,
		Flags: []cli.Flag{
			envFlag(),
			&cli.StringFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "Template descriptor path (defaults to the built-in template)",
				EnvVars: []string{"TEMPLATE_FILE"},
			},
			&cli.StringSliceFlag{
				Name:    "param",
				Aliases: []string{"p"},
				Usage:   "Template parameter as KEY=VALUE (repeatable)",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: validateAction,
	}
}

// renderAction renders the template to stdout or a file
func renderAction(c *cli.Context) error {
	t, err := loadTemplate(c.String("file"))
	if err != nil {
		return err
	}

	var body []byte
	if c.Bool("resolved") {
		body, err = renderResolved(c, t)
		if err != nil {
			return err
		}
	} else {
		body, err = t.Render()
		if err != nil {
			return fmt.Errorf("failed to render template: %w", err)
		}
	}

	if output := c.String("output"); output != "" {
		if err := os.WriteFile(output, body, 0o644); err != nil {
			return fmt.Errorf("failed to write template: %w", err)
		}
		fmt.Printf("✓ Template written to %s\n", output)
		return nil
	}

	fmt.Print(string(body))
	return nil
}

// renderResolved substitutes parameters for the selected environment and
// prefixes the provisioning order as YAML comments
func renderResolved(c *cli.Context, t *descriptor.Template) ([]byte, error) {
	env, err := resolveEnv(c)
	if err != nil {
		return nil, err
	}

	values, err := parseParams(c.StringSlice("param"))
	if err != nil {
		return nil, err
	}
	values["Environment"] = env.String()

	resolution, err := descriptor.Resolve(t, values, descriptor.Pseudo{StackName: env.StackName()})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve template: %w", err)
	}

	rendered, err := resolution.Template.Render()
	if err != nil {
		return nil, fmt.Errorf("failed to render template: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# Provisioning order: %s\n", strings.Join(resolution.Order, " -> "))
	if len(resolution.Pending) > 0 {
		fmt.Fprintf(&buf, "# Resolved during provisioning: %s\n", strings.Join(resolution.Pending, ", "))
	}
	buf.Write(rendered)
	return buf.Bytes(), nil
}

// validateAction resolves and validates a template without touching AWS
func validateAction(c *cli.Context) error {
	env, err := resolveEnv(c)
	if err != nil {
		return err
	}

	values, err := parseParams(c.StringSlice("param"))
	if err != nil {
		return err
	}

	validator, err := policy.NewValidator()
	if err != nil {
		return fmt.Errorf("failed to load guardrails: %w", err)
	}

	// Preview only needs the validator, the AWS-backed collaborators stay nil
	d := deployer.New(nil, nil, nil, validator, "")
	preview, err := d.Preview(c.Context, deployer.Input{
		Env:          env,
		TemplatePath: c.String("file"),
		Parameters:   values,
	})
	if err != nil {
		return err
	}

	if c.Bool("json") {
		if err := displayAsJSON(preview); err != nil {
			return err
		}
	} else {
		displayPreview(preview)
	}

	if !preview.Allowed {
		return cli.Exit("template failed validation", 1)
	}
	return nil
}

// loadTemplate reads a descriptor file, falling back to the built-in template
func loadTemplate(path string) (*descriptor.Template, error) {
	if path == "" {
		return descriptor.Default()
	}
	return descriptor.Load(path)
}
