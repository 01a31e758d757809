package directive

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rye-run/rye/pkg/models"
)

func writeDirective(t *testing.T, root, name, body string) {
	t.Helper()
	path := filepath.Join(root, "directives", itemPath(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testStore(t *testing.T) (*Store, string, string) {
	project := t.TempDir()
	system := t.TempDir()
	s := NewStore(
		SpaceDir{Space: models.SpaceProject, Dir: project},
		SpaceDir{Space: models.SpaceSystem, Dir: system},
	)
	return s, project, system
}

func TestLoadResolvesSpacePriority(t *testing.T) {
	s, project, system := testStore(t)
	writeDirective(t, system, "research", "name: research\ndescription: system copy\n")
	writeDirective(t, project, "research", "name: research\ndescription: project copy\n")

	d, space, err := s.Load("research")
	if err != nil {
		t.Fatal(err)
	}
	if space != models.SpaceProject || d.Description != "project copy" {
		t.Errorf("got %s / %q, want project shadow", space, d.Description)
	}
}

func TestLoadMissing(t *testing.T) {
	s, _, _ := testStore(t)
	if _, _, err := s.Load("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLoadDottedIDMapsToPath(t *testing.T) {
	s, project, _ := testStore(t)
	writeDirective(t, project, "research.web.deep", "name: research.web.deep\n")
	if _, _, err := s.Load("research.web.deep"); err != nil {
		t.Fatal(err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	if _, err := Parse([]byte("name: x\nbogus_field: 1\n")); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestParseFlatPermissionForm(t *testing.T) {
	d, err := Parse([]byte(`
name: legacy
permissions:
  - rye.execute.tool.web_fetch
  - rye.search.knowledge.*
`))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"rye.execute.tool.web_fetch", "rye.search.knowledge.*"}
	got := d.Permissions.FullPatterns()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("patterns = %v, want %v", got, want)
	}
}

const baseYAML = `
name: base
process: base process
model:
  tier: standard
limits:
  max_turns: 10
  max_spend: 0.5
permissions:
  search: [knowledge.*]
context:
  system: [org-policy, legal-disclaimer]
hooks:
  - event: error
    action: retry
inputs:
  - name: topic
    type: string
    required: true
`

const leafYAML = `
name: leaf
extends: [base]
limits:
  max_spend: 1.0
permissions:
  execute: [tool.web_fetch]
context:
  before: [style-guide]
  suppress: [legal-disclaimer]
hooks:
  - event: limit
    action: escalate
inputs:
  - name: depth
    type: integer
    default: 2
`

func TestResolveComposesChain(t *testing.T) {
	s, project, _ := testStore(t)
	writeDirective(t, project, "base", baseYAML)
	writeDirective(t, project, "leaf", leafYAML)

	d, _, err := s.Resolve("leaf")
	if err != nil {
		t.Fatal(err)
	}

	// Leaf permissions replace the ancestor's entirely.
	pats := d.Permissions.FullPatterns()
	if len(pats) != 1 || pats[0] != "rye.execute.tool.web_fetch" {
		t.Errorf("permissions = %v, want leaf-only", pats)
	}

	// Context merges root-to-leaf with suppress pruning.
	if len(d.Context.System) != 1 || d.Context.System[0] != "org-policy" {
		t.Errorf("system context = %v", d.Context.System)
	}
	if len(d.Context.Before) != 1 || d.Context.Before[0] != "style-guide" {
		t.Errorf("before context = %v", d.Context.Before)
	}

	// Limits: leaf overrides spend, inherits turns.
	if d.Limits.MaxTurns != 10 || d.Limits.MaxSpend != 1.0 {
		t.Errorf("limits = %+v", d.Limits)
	}

	// Hooks accumulate; ancestor rules land in the project layer, the
	// leaf's in the directive layer.
	if len(d.Hooks) != 2 {
		t.Fatalf("hooks = %d, want 2", len(d.Hooks))
	}
	if d.Hooks[0].Layer != models.LayerProject || d.Hooks[1].Layer != models.LayerDirective {
		t.Errorf("hook layers = %s, %s", d.Hooks[0].Layer, d.Hooks[1].Layer)
	}

	// Inputs merge by name.
	if len(d.Inputs) != 2 {
		t.Errorf("inputs = %+v", d.Inputs)
	}

	// Scalars inherit when the leaf omits them.
	if d.Process != "base process" || d.Model.Tier != "standard" {
		t.Errorf("inherited scalars wrong: process=%q model=%+v", d.Process, d.Model)
	}
}

func TestResolveDetectsCycle(t *testing.T) {
	s, project, _ := testStore(t)
	writeDirective(t, project, "a", "name: a\nextends: [b]\n")
	writeDirective(t, project, "b", "name: b\nextends: [a]\n")
	if _, _, err := s.Resolve("a"); !errors.Is(err, ErrExtendsCycle) {
		t.Fatalf("err = %v, want ErrExtendsCycle", err)
	}
}

func TestValidateInputsAppliesDefaults(t *testing.T) {
	specs := []models.InputSpec{
		{Name: "topic", Type: "string", Required: true},
		{Name: "depth", Type: "integer", Default: 2},
	}
	got, err := ValidateInputs(specs, map[string]any{"topic": "go"})
	if err != nil {
		t.Fatal(err)
	}
	if got["depth"] != float64(2) {
		t.Errorf("default not applied: %v", got["depth"])
	}
}

func TestValidateInputsMissingRequired(t *testing.T) {
	specs := []models.InputSpec{{Name: "topic", Type: "string", Required: true}}
	if _, err := ValidateInputs(specs, map[string]any{}); err == nil {
		t.Fatal("missing required input accepted")
	}
}

func TestValidateInputsTypeMismatch(t *testing.T) {
	specs := []models.InputSpec{{Name: "depth", Type: "integer"}}
	if _, err := ValidateInputs(specs, map[string]any{"depth": "three"}); err == nil {
		t.Fatal("type mismatch accepted")
	}
	if _, err := ValidateInputs(specs, map[string]any{"depth": 3}); err != nil {
		t.Fatalf("valid integer rejected: %v", err)
	}
}

func TestValidateInputsAllowsExtraKeys(t *testing.T) {
	// Parent-context injection adds keys beyond the declared schema.
	specs := []models.InputSpec{{Name: "topic", Type: "string"}}
	if _, err := ValidateInputs(specs, map[string]any{"topic": "go", "_parent": "ctx"}); err != nil {
		t.Fatalf("extra key rejected: %v", err)
	}
}
