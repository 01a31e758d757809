// Package interpolate implements the two placeholder systems used across
// directives, hooks and state graphs: author-facing {input:name} references
// and ${namespace.dotted.path} expressions.
package interpolate

import (
	"fmt"
	"regexp"
	"strings"
)

// inputRe matches {input:name}, {input:name?}, {input:name:default} and
// {input:name|default}.
var inputRe = regexp.MustCompile(`\{input:([A-Za-z0-9_.-]+)(\?|[:|][^{}]*)?\}`)

// exprRe matches ${dotted.path} expressions.
var exprRe = regexp.MustCompile(`\$\{([A-Za-z0-9_]+(?:\.[A-Za-z0-9_\-]+)*)\}`)

// Inputs substitutes {input:name} placeholders in s against the input map.
//   - {input:name}    resolved value, placeholder left intact when absent
//   - {input:name?}   empty string when absent
//   - {input:name:d}  default d when absent ({input:name|d} equivalent)
func Inputs(s string, inputs map[string]any) string {
	return inputRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := inputRe.FindStringSubmatch(m)
		name, mod := sub[1], sub[2]
		if v, ok := inputs[name]; ok {
			return Coerce(v)
		}
		switch {
		case mod == "?":
			return ""
		case mod != "":
			// Strip the leading ':' or '|' separator.
			return mod[1:]
		default:
			return m
		}
	})
}

// Scope holds the namespaces an expression may resolve against.
type Scope struct {
	Inputs map[string]any
	State  map[string]any
	Result map[string]any
	Event  map[string]any
}

func (s Scope) namespace(name string) (map[string]any, bool) {
	switch name {
	case "inputs":
		return s.Inputs, s.Inputs != nil
	case "state":
		return s.State, s.State != nil
	case "result":
		return s.Result, s.Result != nil
	case "event":
		return s.Event, s.Event != nil
	default:
		return nil, false
	}
}

// Resolve evaluates a single dotted expression like "state.items.count"
// against the scope. The leading segment selects the namespace.
func (s Scope) Resolve(expr string) (any, bool) {
	ns, rest, found := strings.Cut(expr, ".")
	root, ok := s.namespace(ns)
	if !ok {
		return nil, false
	}
	if !found {
		return root, true
	}
	return Lookup(root, rest)
}

// Expand substitutes ${path} expressions in v. When a string value is
// exactly one expression, the resolved value keeps its type (int, list,
// object); when embedded in a larger string it is coerced to a string.
// Maps and slices are expanded recursively. Unresolvable expressions are
// left intact.
func Expand(v any, scope Scope) any {
	switch val := v.(type) {
	case string:
		return expandString(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Expand(item, scope)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Expand(item, scope)
		}
		return out
	default:
		return v
	}
}

func expandString(s string, scope Scope) any {
	// Whole-string expression: preserve the resolved type.
	if m := exprRe.FindStringSubmatch(s); m != nil && m[0] == s {
		if v, ok := scope.Resolve(m[1]); ok {
			return v
		}
		return s
	}
	return exprRe.ReplaceAllStringFunc(s, func(m string) string {
		expr := exprRe.FindStringSubmatch(m)[1]
		if v, ok := scope.Resolve(expr); ok {
			return Coerce(v)
		}
		return m
	})
}

// Lookup resolves a dotted path against nested maps. Map values keyed by
// any (as yaml produces) are handled as well.
func Lookup(root map[string]any, path string) (any, bool) {
	if path == "" {
		return root, true
	}
	var cur any = root
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[any]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

// Coerce renders a value as a string for embedding inside larger text.
func Coerce(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64:
		// Render whole floats without a trailing .0 so interpolated ints
		// read naturally.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
