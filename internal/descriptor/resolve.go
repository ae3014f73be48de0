package descriptor

import (
	"fmt"
	"sort"
	"strings"
)

// Pseudo carries the AWS pseudo parameter values used during resolution.
// Empty fields stay symbolic in the resolved output.
type Pseudo struct {
	Region    string
	AccountID string
	StackName string
}

func (p Pseudo) lookup(name string) (string, bool) {
	switch name {
	case "AWS::Region":
		return p.Region, p.Region != ""
	case "AWS::AccountId":
		return p.AccountID, p.AccountID != ""
	case "AWS::StackName":
		return p.StackName, p.StackName != ""
	case "AWS::Partition":
		return "aws", true
	case "AWS::URLSuffix":
		return "amazonaws.com", true
	default:
		return "", false
	}
}

// Resolution is a template with every parameter and pseudo parameter
// substituted. References that only exist once resources are provisioned
// (physical ids, endpoint attributes) remain as ${...} placeholders and are
// listed in Pending.
type Resolution struct {
	Template   *Template
	Parameters map[string]string
	Order      []string
	Pending    []string
}

// Resolve substitutes parameter values into a template and computes the
// provisioning order. Values override parameter defaults. A parameter with
// neither a value nor a default stays symbolic: its references render as
// ${Name} placeholders and the name is listed in Pending. NoEcho secrets and
// artifact coordinates are supplied at provisioning time, not render time.
func Resolve(t *Template, values map[string]string, pseudo Pseudo) (*Resolution, error) {
	graph, err := BuildGraph(t)
	if err != nil {
		return nil, err
	}
	order, err := graph.Order()
	if err != nil {
		return nil, err
	}

	for name := range values {
		if _, ok := t.Parameters[name]; !ok {
			return nil, fmt.Errorf("unknown parameter %q", name)
		}
	}

	params := make(map[string]string, len(t.Parameters))
	unresolved := make(map[string]struct{})
	for name, decl := range t.Parameters {
		value, ok := values[name]
		if !ok && decl.Default != nil {
			value, ok = decl.DefaultString(), true
		}
		if !ok {
			unresolved[name] = struct{}{}
			continue
		}
		if !decl.Allows(value) {
			return nil, fmt.Errorf("parameter %q: value %q must be one of %s",
				name, value, strings.Join(decl.AllowedValues, ", "))
		}
		params[name] = value
	}

	r := &resolver{
		tpl:     t,
		params:  params,
		pseudo:  pseudo,
		pending: make(map[string]struct{}),
	}
	for name := range unresolved {
		r.pending[name] = struct{}{}
	}

	resolved := &Template{
		AWSTemplateFormatVersion: t.AWSTemplateFormatVersion,
		Description:              t.Description,
		Parameters:               t.Parameters,
		Resources:                make(map[string]Resource, len(t.Resources)),
		Outputs:                  make(map[string]Output, len(t.Outputs)),
	}
	for name, resource := range t.Resources {
		props, _ := r.substitute(resource.Properties).(map[string]any)
		resolved.Resources[name] = Resource{
			Type:           resource.Type,
			DependsOn:      resource.DependsOn,
			DeletionPolicy: resource.DeletionPolicy,
			Properties:     props,
		}
	}
	for name, output := range t.Outputs {
		resolved.Outputs[name] = Output{
			Description: output.Description,
			Value:       r.substitute(output.Value),
		}
	}

	pending := make([]string, 0, len(r.pending))
	for token := range r.pending {
		pending = append(pending, token)
	}
	sort.Strings(pending)

	return &Resolution{
		Template:   resolved,
		Parameters: params,
		Order:      order,
		Pending:    pending,
	}, nil
}

type resolver struct {
	tpl     *Template
	params  map[string]string
	pseudo  Pseudo
	pending map[string]struct{}
}

// substitute rewrites a property tree, replacing intrinsics whose value is
// known at render time and leaving ${...} placeholders for the rest.
func (r *resolver) substitute(v any) any {
	if target, ok := asRef(v); ok {
		if value, resolved := r.lookup(target, nil); resolved {
			return value
		}
		r.pending[target] = struct{}{}
		return fmt.Sprintf("${%s}", target)
	}

	if logical, attr, ok := asGetAtt(v); ok {
		token := logical + "." + attr
		r.pending[token] = struct{}{}
		return fmt.Sprintf("${%s}", token)
	}

	if format, locals, ok := asSub(v); ok {
		resolvedLocals := make(map[string]string, len(locals))
		for name, local := range locals {
			resolvedLocals[name] = stringify(r.substitute(local))
		}
		out, pending := expandSub(format, func(token string) (string, bool) {
			return r.lookup(token, resolvedLocals)
		})
		for _, token := range pending {
			r.pending[token] = struct{}{}
		}
		return out
	}

	if delim, parts, ok := asJoin(v); ok {
		joined := make([]string, 0, len(parts))
		for _, part := range parts {
			joined = append(joined, stringify(r.substitute(part)))
		}
		return strings.Join(joined, delim)
	}

	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, child := range val {
			out[key] = r.substitute(child)
		}
		return out
	case []any:
		out := make([]any, 0, len(val))
		for _, child := range val {
			out = append(out, r.substitute(child))
		}
		return out
	default:
		return v
	}
}

// lookup resolves a substitution token against Sub locals, parameters, and
// pseudo parameters, in that order. Resource references are never resolvable
// at render time.
func (r *resolver) lookup(token string, locals map[string]string) (string, bool) {
	if value, ok := locals[token]; ok {
		return value, true
	}
	if value, ok := r.params[token]; ok {
		return value, true
	}
	if isPseudoParameter(token) {
		return r.pseudo.lookup(token)
	}
	return "", false
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
