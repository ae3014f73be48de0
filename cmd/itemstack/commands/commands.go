package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/savaki/itemstack/internal/deployer"
	"github.com/savaki/itemstack/internal/di"
	"github.com/savaki/itemstack/internal/models"
	"github.com/urfave/cli/v2"
)

// envFlag is the environment selector shared by every command.
func envFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "env",
		Aliases: []string{"e"},
		Usage:   "Environment (dev, test, or prod)",
		Value:   models.DefaultEnv.String(),
		EnvVars: []string{"ITEMSTACK_ENV", "ENV"},
	}
}

// resolveEnv parses the --env flag
func resolveEnv(c *cli.Context) (models.Env, error) {
	return models.ParseEnv(c.String("env"))
}

// newContainer builds the DI container for the selected environment
func newContainer(c *cli.Context) (models.Env, di.Container, error) {
	env, err := resolveEnv(c)
	if err != nil {
		return env, nil, err
	}

	container, err := di.New(env)
	if err != nil {
		return env, nil, fmt.Errorf("failed to setup DI container: %w", err)
	}

	return env, container, nil
}

// fromContainer resolves a dependency from the container, returning the
// constructor error instead of panicking like di.MustGet.
func fromContainer[T any](container di.Container) (out T, err error) {
	err = container.Invoke(func(got T) { out = got })
	return out, err
}

// parseParams parses repeated KEY=VALUE flags into a parameter map
func parseParams(pairs []string) (map[string]string, error) {
	values := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected KEY=VALUE", pair)
		}
		values[key] = value
	}
	return values, nil
}

// displayPreview prints a deployment preview in a readable format
func displayPreview(p *deployer.Preview) {
	fmt.Println()
	fmt.Printf("Stack:    %s\n", p.StackName)
	fmt.Printf("Order:    %s\n", strings.Join(p.Order, " → "))
	if len(p.Pending) > 0 {
		fmt.Printf("Deferred: %s\n", strings.Join(p.Pending, ", "))
	}

	if len(p.Parameters) > 0 {
		fmt.Println("\nParameters:")
		for _, key := range sortedKeys(p.Parameters) {
			fmt.Printf("  %-24s %s\n", key, p.Parameters[key])
		}
	}

	fmt.Println()
	for _, violation := range p.Violations {
		fmt.Printf("✗ %s\n", violation)
	}
	for _, warning := range p.Warnings {
		fmt.Printf("! %s\n", warning)
	}
	if p.Allowed {
		fmt.Println("✓ Template passed validation")
	}
}

// sortedKeys returns map keys in sorted order for stable output
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// displayAsJSON prints a value as indented JSON
func displayAsJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
