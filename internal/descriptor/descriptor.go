package descriptor

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed template.yml
var defaultTemplate []byte

// Default returns the built-in application template: the items API function
// behind an HTTP API, backed by a Postgres instance whose credentials live
// in Secrets Manager.
func Default() (*Template, error) {
	return Parse(defaultTemplate)
}

// Load reads and parses a template file.
func Load(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read template: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse decodes a template document.
func Parse(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unable to parse template: %w", err)
	}
	if len(t.Resources) == 0 {
		return nil, fmt.Errorf("template declares no resources")
	}
	for name, resource := range t.Resources {
		if resource.Type == "" {
			return nil, fmt.Errorf("resource %s has no Type", name)
		}
	}
	return &t, nil
}

// Render serializes the template as YAML.
func (t *Template) Render() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(t); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// AsMap converts the template to a generic map, the input shape policy
// evaluation expects.
func (t *Template) AsMap() (map[string]any, error) {
	data, err := yaml.Marshal(t)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ResourcesOfType returns the logical ids of resources with the given type,
// sorted for deterministic iteration.
func (t *Template) ResourcesOfType(resourceType string) []string {
	var out []string
	for name, resource := range t.Resources {
		if resource.Type == resourceType {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
