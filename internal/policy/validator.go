package policy

import (
	"context"
	_ "embed"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
)

//go:embed guardrails.rego
var policyContent string

type Validator struct {
	prepared rego.PreparedEvalQuery
}

type ValidationResult struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

func NewValidator() (*Validator, error) {
	query, err := rego.New(
		rego.Query("data.guardrails.allow"),
		rego.Module("guardrails.rego", policyContent),
	).PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy query: %w", err)
	}

	return &Validator{
		prepared: query,
	}, nil
}

// ValidateTemplate evaluates the guardrails against a resolved template.
// Violations block a deployment; warnings do not.
func (v *Validator) ValidateTemplate(template map[string]interface{}, env string) (*ValidationResult, error) {
	ctx := context.Background()

	// The guardrails only look at these three sections
	input := map[string]interface{}{
		"Parameters": template["Parameters"],
		"Resources":  template["Resources"],
		"Outputs":    template["Outputs"],
	}

	data := map[string]interface{}{
		"env": env,
	}

	store := inmem.NewFromObject(data)

	query, err := rego.New(
		rego.Query("data.guardrails.allow"),
		rego.Module("guardrails.rego", policyContent),
		rego.Store(store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy query with data: %w", err)
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 {
		return &ValidationResult{
			Allowed:    false,
			Violations: []string{"policy evaluation returned no results"},
		}, nil
	}

	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return &ValidationResult{
			Allowed:    false,
			Violations: []string{"policy evaluation returned non-boolean result"},
		}, nil
	}

	result := &ValidationResult{
		Allowed: allowed,
	}

	if !allowed {
		violations, err := v.evalSet(ctx, "data.guardrails.violations", input, data)
		if err != nil {
			return nil, fmt.Errorf("failed to get violations: %w", err)
		}
		if len(violations) == 0 {
			violations = []string{"policy validation failed but no specific violations found"}
		}
		result.Violations = violations
	}

	warnings, err := v.evalSet(ctx, "data.guardrails.warnings", input, data)
	if err != nil {
		return nil, fmt.Errorf("failed to get warnings: %w", err)
	}
	result.Warnings = warnings

	return result, nil
}

// evalSet evaluates a rule that produces a set of messages and returns them
// sorted for stable output.
func (v *Validator) evalSet(ctx context.Context, query string, input, data map[string]interface{}) ([]string, error) {
	store := inmem.NewFromObject(data)

	prepared, err := rego.New(
		rego.Query(query),
		rego.Module("guardrails.rego", policyContent),
		rego.Store(store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare %s: %w", query, err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %s: %w", query, err)
	}

	if len(results) == 0 {
		return nil, nil
	}

	var messages []string
	switch value := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, entry := range value {
			if s, ok := entry.(string); ok {
				messages = append(messages, s)
			}
		}
	case map[string]interface{}:
		// Handle set type from Rego
		for entry := range value {
			messages = append(messages, entry)
		}
	}

	sort.Strings(messages)
	return messages, nil
}
