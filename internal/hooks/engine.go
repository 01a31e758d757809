// Package hooks evaluates declarative {event, condition, action} policy
// rules against event contexts. Rules arrive in three layers (system,
// project, directive); later layers can override earlier ones.
package hooks

import (
	"sort"

	"github.com/rye-run/rye/pkg/models"
)

// Outcome is the winning rule for a fired event.
type Outcome struct {
	Rule   models.HookRule
	Action models.HookAction
	Params map[string]any
}

// Engine holds a merged, ordered rule set for one thread.
type Engine struct {
	rules []models.HookRule
}

// NewEngine builds an engine from layered rule sets. Layers merge with
// lower layers first; within an event, rules sort by priority descending
// and, at equal priority, later layers win.
func NewEngine(layers ...[]models.HookRule) *Engine {
	var rules []models.HookRule
	for i, layer := range layers {
		for _, r := range layer {
			if r.Layer == "" {
				switch i {
				case 0:
					r.Layer = models.LayerSystem
				case 1:
					r.Layer = models.LayerProject
				default:
					r.Layer = models.LayerDirective
				}
			}
			rules = append(rules, r)
		}
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].Layer.Rank() > rules[j].Layer.Rank()
	})
	return &Engine{rules: rules}
}

// Rules returns the merged rule list in evaluation order.
func (e *Engine) Rules() []models.HookRule {
	out := make([]models.HookRule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate fires an event. Rules matching the event type are tried in
// order; the first rule whose condition evaluates true wins. The second
// return is false when no rule matched and the caller should fall back to
// built-in defaults.
func (e *Engine) Evaluate(event models.HookEvent, ctx map[string]any) (*Outcome, bool) {
	for _, r := range e.rules {
		if r.Event != event {
			continue
		}
		if Eval(r.Condition, ctx) {
			return &Outcome{Rule: r, Action: r.Action, Params: r.Params}, true
		}
	}
	return nil, false
}

// ParamString fetches a string parameter from an outcome.
func (o *Outcome) ParamString(key, fallback string) string {
	if o == nil || o.Params == nil {
		return fallback
	}
	if s, ok := o.Params[key].(string); ok {
		return s
	}
	return fallback
}

// ParamFloat fetches a numeric parameter from an outcome.
func (o *Outcome) ParamFloat(key string, fallback float64) float64 {
	if o == nil || o.Params == nil {
		return fallback
	}
	if f, ok := toFloat(o.Params[key]); ok {
		return f
	}
	return fallback
}

// ParamInt fetches an integer parameter from an outcome.
func (o *Outcome) ParamInt(key string, fallback int) int {
	return int(o.ParamFloat(key, float64(fallback)))
}
