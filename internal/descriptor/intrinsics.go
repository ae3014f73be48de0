package descriptor

import (
	"fmt"
	"strings"
)

// asRef returns the target of a {"Ref": name} node.
func asRef(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return "", false
	}
	target, ok := m["Ref"].(string)
	return target, ok
}

// asGetAtt returns the logical id and attribute path of a Fn::GetAtt node.
func asGetAtt(v any) (logical, attr string, ok bool) {
	m, isMap := v.(map[string]any)
	if !isMap || len(m) != 1 {
		return "", "", false
	}
	raw, present := m["Fn::GetAtt"]
	if !present {
		return "", "", false
	}

	switch val := raw.(type) {
	case []any:
		if len(val) < 2 {
			return "", "", false
		}
		parts := make([]string, 0, len(val)-1)
		logical, ok = val[0].(string)
		if !ok {
			return "", "", false
		}
		for _, p := range val[1:] {
			s, isStr := p.(string)
			if !isStr {
				return "", "", false
			}
			parts = append(parts, s)
		}
		return logical, strings.Join(parts, "."), true
	case string:
		logical, attr, ok = strings.Cut(val, ".")
		return logical, attr, ok
	default:
		return "", "", false
	}
}

// asSub returns the format string and local substitution map of a Fn::Sub
// node. The short form has no locals.
func asSub(v any) (format string, locals map[string]any, ok bool) {
	m, isMap := v.(map[string]any)
	if !isMap || len(m) != 1 {
		return "", nil, false
	}
	raw, present := m["Fn::Sub"]
	if !present {
		return "", nil, false
	}

	switch val := raw.(type) {
	case string:
		return val, nil, true
	case []any:
		if len(val) == 0 {
			return "", nil, false
		}
		format, ok = val[0].(string)
		if !ok {
			return "", nil, false
		}
		if len(val) > 1 {
			locals, _ = val[1].(map[string]any)
		}
		return format, locals, true
	default:
		return "", nil, false
	}
}

// asJoin returns the delimiter and parts of a Fn::Join node.
func asJoin(v any) (delim string, parts []any, ok bool) {
	m, isMap := v.(map[string]any)
	if !isMap || len(m) != 1 {
		return "", nil, false
	}
	raw, present := m["Fn::Join"]
	if !present {
		return "", nil, false
	}
	args, isList := raw.([]any)
	if !isList || len(args) != 2 {
		return "", nil, false
	}
	delim, ok = args[0].(string)
	if !ok {
		return "", nil, false
	}
	parts, ok = args[1].([]any)
	return delim, parts, ok
}

// eachSubToken walks the ${...} references of a Sub format string. Literal
// escapes (${!Name}) are skipped.
func eachSubToken(format string, fn func(token string)) {
	rest := format
	for {
		i := strings.Index(rest, "${")
		if i < 0 {
			return
		}
		rest = rest[i+2:]
		j := strings.IndexByte(rest, '}')
		if j < 0 {
			return
		}
		token := rest[:j]
		rest = rest[j+1:]
		if strings.HasPrefix(token, "!") {
			continue
		}
		fn(token)
	}
}

// expandSub substitutes resolvable tokens of a Sub format string. Tokens
// without a value are kept in place so the caller can surface them as
// pending runtime references.
func expandSub(format string, lookup func(token string) (string, bool)) (string, []string) {
	var (
		b       strings.Builder
		pending []string
		rest    = format
	)
	for {
		i := strings.Index(rest, "${")
		if i < 0 {
			b.WriteString(rest)
			return b.String(), pending
		}
		b.WriteString(rest[:i])
		rest = rest[i+2:]

		j := strings.IndexByte(rest, '}')
		if j < 0 {
			b.WriteString("${")
			b.WriteString(rest)
			return b.String(), pending
		}
		token := rest[:j]
		rest = rest[j+1:]

		if strings.HasPrefix(token, "!") {
			// ${!Name} renders as the literal ${Name}
			fmt.Fprintf(&b, "${%s}", token[1:])
			continue
		}
		if value, ok := lookup(token); ok {
			b.WriteString(value)
			continue
		}
		fmt.Fprintf(&b, "${%s}", token)
		pending = append(pending, token)
	}
}
