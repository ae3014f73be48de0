package descriptor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/savaki/itemstack/internal/errors"
)

// Graph is the resource dependency graph of a template. Edges come from
// explicit DependsOn entries and from implicit references (Ref, Fn::GetAtt
// and ${...} tokens inside Fn::Sub).
type Graph struct {
	deps map[string]map[string]struct{} // resource -> resources it depends on
}

// BuildGraph extracts the dependency graph of a template. References to
// names that are neither a resource, a parameter, nor an AWS pseudo
// parameter fail with ErrUnknownReference.
func BuildGraph(t *Template) (*Graph, error) {
	g := &Graph{deps: make(map[string]map[string]struct{}, len(t.Resources))}
	for name := range t.Resources {
		g.deps[name] = make(map[string]struct{})
	}

	for name, resource := range t.Resources {
		refs := make(map[string]struct{})
		collectRefs(resource.Properties, refs)
		for _, dep := range resource.DependsOn {
			refs[dep] = struct{}{}
		}

		for ref := range refs {
			switch {
			case isPseudoParameter(ref):
			case hasParameter(t, ref):
			case hasResource(t, ref):
				if ref != name {
					g.deps[name][ref] = struct{}{}
				}
			default:
				return nil, fmt.Errorf("%w: %s refers to %q", errors.ErrUnknownReference, name, ref)
			}
		}
	}

	for name, output := range t.Outputs {
		refs := make(map[string]struct{})
		collectRefs(output.Value, refs)
		for ref := range refs {
			if !isPseudoParameter(ref) && !hasParameter(t, ref) && !hasResource(t, ref) {
				return nil, fmt.Errorf("%w: output %s refers to %q", errors.ErrUnknownReference, name, ref)
			}
		}
	}

	return g, nil
}

// DependsOn reports whether resource a depends on resource b, directly or
// transitively.
func (g *Graph) DependsOn(a, b string) bool {
	seen := make(map[string]struct{})
	var walk func(string) bool
	walk = func(name string) bool {
		if _, ok := seen[name]; ok {
			return false
		}
		seen[name] = struct{}{}
		for dep := range g.deps[name] {
			if dep == b || walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(a)
}

// Dependencies returns the direct dependencies of a resource in sorted
// order.
func (g *Graph) Dependencies(name string) []string {
	out := make([]string, 0, len(g.deps[name]))
	for dep := range g.deps[name] {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// Order returns a deterministic topological ordering of the resources:
// dependencies always precede their dependents, ties broken alphabetically.
// A cycle fails with ErrDependencyCycle naming the resources involved.
func (g *Graph) Order() ([]string, error) {
	indegree := make(map[string]int, len(g.deps))
	dependents := make(map[string][]string, len(g.deps))
	for name, deps := range g.deps {
		indegree[name] += 0
		for dep := range deps {
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.deps))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(g.deps) {
		var cycle []string
		for name, n := range indegree {
			if n > 0 {
				cycle = append(cycle, name)
			}
		}
		sort.Strings(cycle)
		return nil, fmt.Errorf("%w: %s", errors.ErrDependencyCycle, strings.Join(cycle, ", "))
	}

	return order, nil
}

// collectRefs gathers every name referenced by a property tree.
func collectRefs(v any, out map[string]struct{}) {
	if target, ok := asRef(v); ok {
		out[target] = struct{}{}
		return
	}
	if logical, _, ok := asGetAtt(v); ok {
		out[logical] = struct{}{}
		return
	}
	if format, locals, ok := asSub(v); ok {
		eachSubToken(format, func(token string) {
			if _, local := locals[token]; local {
				return
			}
			// ${Resource.Attribute} counts as a reference to Resource
			name, _, _ := strings.Cut(token, ".")
			out[name] = struct{}{}
		})
		for _, local := range locals {
			collectRefs(local, out)
		}
		return
	}

	switch val := v.(type) {
	case map[string]any:
		for _, child := range val {
			collectRefs(child, out)
		}
	case []any:
		for _, child := range val {
			collectRefs(child, out)
		}
	}
}

func isPseudoParameter(name string) bool {
	return strings.HasPrefix(name, "AWS::")
}

func hasParameter(t *Template, name string) bool {
	_, ok := t.Parameters[name]
	return ok
}

func hasResource(t *Template, name string) bool {
	_, ok := t.Resources[name]
	return ok
}
