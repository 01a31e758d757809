package models

import (
	"reflect"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestPermissionsFullPatterns(t *testing.T) {
	p := Permissions{
		Execute: []string{"tool.web_fetch", "directive.research.*"},
		Search:  []string{"tool.*"},
	}
	got := p.FullPatterns()
	want := []string{
		"rye.execute.tool.web_fetch",
		"rye.execute.directive.research.*",
		"rye.search.tool.*",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("patterns = %v, want %v", got, want)
	}
}

func TestPermissionsUnmarshalStructured(t *testing.T) {
	var p Permissions
	err := yaml.Unmarshal([]byte(`
execute: [tool.echo]
load: [skill.review]
`), &p)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(p.Execute, []string{"tool.echo"}) || !reflect.DeepEqual(p.Load, []string{"skill.review"}) {
		t.Errorf("permissions = %+v", p)
	}
}

func TestPermissionsUnmarshalFlat(t *testing.T) {
	var p Permissions
	err := yaml.Unmarshal([]byte(`
- rye.execute.tool.echo
- rye.search.tool.grep
- bogus.entry
`), &p)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(p.Execute, []string{"tool.echo"}) {
		t.Errorf("execute = %v", p.Execute)
	}
	if !reflect.DeepEqual(p.Search, []string{"tool.grep"}) {
		t.Errorf("search = %v", p.Search)
	}
	// Unrecognized entries are dropped, not errors.
	if p.IsEmpty() {
		t.Error("permissions unexpectedly empty")
	}
}

func TestRiskTierAtLeast(t *testing.T) {
	if !RiskElevated.AtLeast(RiskWrite) {
		t.Error("elevated should outrank write")
	}
	if RiskSafe.AtLeast(RiskWrite) {
		t.Error("safe should not outrank write")
	}
	if !RiskUnrestricted.AtLeast(RiskUnrestricted) {
		t.Error("tier should be at least itself")
	}
}
