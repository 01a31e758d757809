package hooks

import (
	"testing"

	"github.com/rye-run/rye/pkg/models"
)

func TestEvalOperators(t *testing.T) {
	ctx := map[string]any{
		"error": map[string]any{
			"category": "transient",
			"code":     "overloaded_error",
			"count":    3,
		},
		"pressure": 0.85,
		"tags":     []any{"retry", "io"},
	}

	tests := []struct {
		name string
		cond models.Condition
		want bool
	}{
		{"eq string", models.Condition{Path: "error.category", Op: models.OpEq, Value: "transient"}, true},
		{"ne string", models.Condition{Path: "error.category", Op: models.OpNe, Value: "permanent"}, true},
		{"gt numeric cross-type", models.Condition{Path: "error.count", Op: models.OpGt, Value: 2.5}, true},
		{"gte boundary", models.Condition{Path: "pressure", Op: models.OpGte, Value: 0.85}, true},
		{"lt false", models.Condition{Path: "pressure", Op: models.OpLt, Value: 0.8}, false},
		{"in list", models.Condition{Path: "error.category", Op: models.OpIn, Value: []any{"transient", "rate_limited"}}, true},
		{"contains substring", models.Condition{Path: "error.code", Op: models.OpContains, Value: "overloaded"}, true},
		{"contains list member", models.Condition{Path: "tags", Op: models.OpContains, Value: "retry"}, true},
		{"starts_with", models.Condition{Path: "error.code", Op: models.OpStartsWith, Value: "overloaded"}, true},
		{"ends_with", models.Condition{Path: "error.code", Op: models.OpEndsWith, Value: "_error"}, true},
		{"regex", models.Condition{Path: "error.code", Op: models.OpRegex, Value: `^overloaded_\w+$`}, true},
		{"exists hit", models.Condition{Path: "error.category", Op: models.OpExists}, true},
		{"exists miss", models.Condition{Path: "error.absent", Op: models.OpExists}, false},
		{"type mismatch is false not error", models.Condition{Path: "error.category", Op: models.OpGt, Value: 1}, false},
		{"missing path is false", models.Condition{Path: "no.such.path", Op: models.OpEq, Value: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Eval(&tt.cond, ctx); got != tt.want {
				t.Errorf("Eval(%+v) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestEvalCombinators(t *testing.T) {
	ctx := map[string]any{"a": 1, "b": "x"}

	all := models.Condition{All: []models.Condition{
		{Path: "a", Op: models.OpEq, Value: 1},
		{Path: "b", Op: models.OpEq, Value: "x"},
	}}
	if !Eval(&all, ctx) {
		t.Error("all should be true")
	}

	anyCond := models.Condition{Any: []models.Condition{
		{Path: "a", Op: models.OpEq, Value: 2},
		{Path: "b", Op: models.OpEq, Value: "x"},
	}}
	if !Eval(&anyCond, ctx) {
		t.Error("any should be true")
	}

	not := models.Condition{Not: &models.Condition{Path: "a", Op: models.OpEq, Value: 2}}
	if !Eval(&not, ctx) {
		t.Error("not should be true")
	}
}

func TestEngineSelection(t *testing.T) {
	system := []models.HookRule{
		{Event: models.HookError, Action: models.ActionFail, Priority: 0},
	}
	directive := []models.HookRule{
		{
			Event:     models.HookError,
			Action:    models.ActionRetry,
			Priority:  10,
			Condition: &models.Condition{Path: "error.category", Op: models.OpEq, Value: "transient"},
			Params:    map[string]any{"max_attempts": 5},
		},
	}
	e := NewEngine(system, nil, directive)

	out, ok := e.Evaluate(models.HookError, map[string]any{
		"error": map[string]any{"category": "transient"},
	})
	if !ok || out.Action != models.ActionRetry {
		t.Fatalf("expected high-priority retry rule, got %+v ok=%v", out, ok)
	}
	if out.ParamInt("max_attempts", 3) != 5 {
		t.Errorf("max_attempts = %d", out.ParamInt("max_attempts", 3))
	}

	// Condition false falls through to the lower-priority system rule.
	out, ok = e.Evaluate(models.HookError, map[string]any{
		"error": map[string]any{"category": "permanent"},
	})
	if !ok || out.Action != models.ActionFail {
		t.Fatalf("expected system fail rule, got %+v", out)
	}

	// No rule for an unrelated event.
	if _, ok := e.Evaluate(models.HookLimit, map[string]any{}); ok {
		t.Error("expected no match for limit event")
	}
}

func TestEngineLayerOverrideAtEqualPriority(t *testing.T) {
	system := []models.HookRule{{Event: models.HookLimit, Action: models.ActionSuspend}}
	directive := []models.HookRule{{Event: models.HookLimit, Action: models.ActionEscalate}}
	e := NewEngine(system, nil, directive)

	out, ok := e.Evaluate(models.HookLimit, map[string]any{})
	if !ok || out.Action != models.ActionEscalate {
		t.Fatalf("directive layer should override system at equal priority, got %+v", out)
	}
}
