package descriptor

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Template models a CloudFormation document: the declarative description of
// the serverless application that provisioning resolves into concrete
// resources. Short-form intrinsic tags (!Ref, !Sub, !GetAtt, !Join) are
// normalized to their long forms at decode time so the rest of the code only
// ever sees maps.
type Template struct {
	AWSTemplateFormatVersion string               `yaml:"AWSTemplateFormatVersion,omitempty"`
	Description              string               `yaml:"Description,omitempty"`
	Parameters               map[string]Parameter `yaml:"Parameters,omitempty"`
	Resources                map[string]Resource  `yaml:"Resources"`
	Outputs                  map[string]Output    `yaml:"Outputs,omitempty"`
}

// Parameter declares a template input.
type Parameter struct {
	Type          string   `yaml:"Type"`
	Default       any      `yaml:"Default,omitempty"`
	AllowedValues []string `yaml:"AllowedValues,omitempty"`
	NoEcho        bool     `yaml:"NoEcho,omitempty"`
	Description   string   `yaml:"Description,omitempty"`
}

// DefaultString returns the parameter default as a string, or "" when the
// parameter has no default.
func (p Parameter) DefaultString() string {
	if p.Default == nil {
		return ""
	}
	return fmt.Sprint(p.Default)
}

// Allows reports whether value satisfies the parameter's AllowedValues
// constraint. A parameter without AllowedValues accepts anything.
func (p Parameter) Allows(value string) bool {
	if len(p.AllowedValues) == 0 {
		return true
	}
	for _, v := range p.AllowedValues {
		if v == value {
			return true
		}
	}
	return false
}

// Resource declares a single resource.
type Resource struct {
	Type           string         `yaml:"Type"`
	DependsOn      []string       `yaml:"DependsOn,omitempty"`
	DeletionPolicy string         `yaml:"DeletionPolicy,omitempty"`
	Properties     map[string]any `yaml:"Properties,omitempty"`
}

// UnmarshalYAML decodes a resource, accepting both the scalar and list forms
// of DependsOn and normalizing intrinsic tags inside Properties.
func (r *Resource) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Type           string    `yaml:"Type"`
		DependsOn      yaml.Node `yaml:"DependsOn"`
		DeletionPolicy string    `yaml:"DeletionPolicy"`
		Properties     yaml.Node `yaml:"Properties"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	r.Type = raw.Type
	r.DeletionPolicy = raw.DeletionPolicy

	switch raw.DependsOn.Kind {
	case 0:
		// absent
	case yaml.ScalarNode:
		var s string
		if err := raw.DependsOn.Decode(&s); err != nil {
			return fmt.Errorf("invalid DependsOn: %w", err)
		}
		r.DependsOn = []string{s}
	default:
		if err := raw.DependsOn.Decode(&r.DependsOn); err != nil {
			return fmt.Errorf("invalid DependsOn: %w", err)
		}
	}

	if raw.Properties.Kind != 0 {
		v, err := decodeNode(&raw.Properties)
		if err != nil {
			return err
		}
		props, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("resource Properties must be a mapping, got %T", v)
		}
		r.Properties = props
	}

	return nil
}

// Output declares a value published after provisioning.
type Output struct {
	Description string `yaml:"Description,omitempty"`
	Value       any    `yaml:"Value"`
}

// UnmarshalYAML decodes an output, normalizing intrinsic tags in Value.
func (o *Output) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Description string    `yaml:"Description"`
		Value       yaml.Node `yaml:"Value"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	o.Description = raw.Description
	if raw.Value.Kind != 0 {
		v, err := decodeNode(&raw.Value)
		if err != nil {
			return err
		}
		o.Value = v
	}

	return nil
}

// decodeNode converts a YAML node into plain Go values, rewriting
// CloudFormation short-form tags into their long forms:
//
//	!Ref X               -> {"Ref": "X"}
//	!GetAtt A.B.C        -> {"Fn::GetAtt": ["A", "B.C"]}
//	!Sub template        -> {"Fn::Sub": "template"}
//	!<anything-else> v   -> {"Fn::<anything-else>": v}
func decodeNode(node *yaml.Node) (any, error) {
	if node.Kind == yaml.AliasNode {
		return decodeNode(node.Alias)
	}

	if name, ok := intrinsicName(node.Tag); ok {
		inner, err := decodeTagged(node)
		if err != nil {
			return nil, err
		}
		if name == "Fn::GetAtt" {
			return normalizeGetAtt(inner)
		}
		return map[string]any{name: inner}, nil
	}

	switch node.Kind {
	case yaml.ScalarNode:
		var v any
		if err := node.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil

	case yaml.SequenceNode:
		out := make([]any, 0, len(node.Content))
		for _, child := range node.Content {
			v, err := decodeNode(child)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case yaml.MappingNode:
		out := make(map[string]any, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var key string
			if err := node.Content[i].Decode(&key); err != nil {
				return nil, err
			}
			v, err := decodeNode(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, nil

	case yaml.DocumentNode:
		if len(node.Content) == 1 {
			return decodeNode(node.Content[0])
		}
	}

	return nil, fmt.Errorf("unsupported YAML node kind %v at line %d", node.Kind, node.Line)
}

// decodeTagged decodes the value under a short-form tag, ignoring the tag
// itself.
func decodeTagged(node *yaml.Node) (any, error) {
	clone := *node
	switch node.Kind {
	case yaml.ScalarNode:
		clone.Tag = "!!str"
		var s string
		if err := clone.Decode(&s); err != nil {
			return nil, err
		}
		return s, nil
	default:
		clone.Tag = ""
		clone.Style = 0
		return decodeNode(&clone)
	}
}

// intrinsicName maps a short-form YAML tag to its long-form function name.
func intrinsicName(tag string) (string, bool) {
	if len(tag) < 2 || tag[0] != '!' || tag[1] == '!' {
		return "", false
	}
	name := tag[1:]
	if name == "Ref" {
		return "Ref", true
	}
	if name == "Condition" {
		return "Condition", true
	}
	return "Fn::" + name, true
}

// normalizeGetAtt rewrites both GetAtt forms into ["Logical", "Attr.Path"].
func normalizeGetAtt(v any) (any, error) {
	switch val := v.(type) {
	case string:
		logical, attr, ok := splitOnce(val, '.')
		if !ok {
			return nil, fmt.Errorf("invalid GetAtt %q: expected Logical.Attribute", val)
		}
		return map[string]any{"Fn::GetAtt": []any{logical, attr}}, nil
	case []any:
		if len(val) < 2 {
			return nil, fmt.Errorf("invalid GetAtt %v: expected [Logical, Attribute]", val)
		}
		return map[string]any{"Fn::GetAtt": val}, nil
	default:
		return nil, fmt.Errorf("invalid GetAtt of type %T", v)
	}
}

func splitOnce(s string, sep byte) (before, after string, found bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}
