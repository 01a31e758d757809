package hooks

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/rye-run/rye/internal/interpolate"
	"github.com/rye-run/rye/pkg/models"
)

// Eval evaluates a condition against an event-context object. A nil
// condition is true. Operator-type mismatches evaluate to false, never to
// an error: hook evaluation must not be able to crash a thread.
func Eval(cond *models.Condition, ctx map[string]any) bool {
	if cond == nil {
		return true
	}
	switch {
	case len(cond.All) > 0:
		for i := range cond.All {
			if !Eval(&cond.All[i], ctx) {
				return false
			}
		}
		return true
	case len(cond.Any) > 0:
		for i := range cond.Any {
			if Eval(&cond.Any[i], ctx) {
				return true
			}
		}
		return false
	case cond.Not != nil:
		return !Eval(cond.Not, ctx)
	}

	actual, found := interpolate.Lookup(ctx, cond.Path)
	if cond.Op == models.OpExists {
		return found
	}
	if !found {
		return false
	}
	return apply(cond.Op, actual, cond.Value)
}

func apply(op models.ConditionOp, actual, expected any) bool {
	switch op {
	case models.OpEq:
		return looseEqual(actual, expected)
	case models.OpNe:
		return !looseEqual(actual, expected)
	case models.OpGt, models.OpGte, models.OpLt, models.OpLte:
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if !aok || !bok {
			return false
		}
		switch op {
		case models.OpGt:
			return a > b
		case models.OpGte:
			return a >= b
		case models.OpLt:
			return a < b
		default:
			return a <= b
		}
	case models.OpIn:
		list, ok := toSlice(expected)
		if !ok {
			return false
		}
		for _, item := range list {
			if looseEqual(actual, item) {
				return true
			}
		}
		return false
	case models.OpContains:
		if s, ok := actual.(string); ok {
			sub, ok := expected.(string)
			return ok && strings.Contains(s, sub)
		}
		if list, ok := toSlice(actual); ok {
			for _, item := range list {
				if looseEqual(item, expected) {
					return true
				}
			}
		}
		return false
	case models.OpStartsWith:
		s, ok1 := actual.(string)
		p, ok2 := expected.(string)
		return ok1 && ok2 && strings.HasPrefix(s, p)
	case models.OpEndsWith:
		s, ok1 := actual.(string)
		p, ok2 := expected.(string)
		return ok1 && ok2 && strings.HasSuffix(s, p)
	case models.OpRegex:
		s, ok1 := actual.(string)
		p, ok2 := expected.(string)
		if !ok1 || !ok2 {
			return false
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	default:
		return false
	}
}

// looseEqual compares with numeric normalization so YAML ints match JSON
// floats.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
