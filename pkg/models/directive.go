package models

import "gopkg.in/yaml.v3"

// RiskTier classifies how dangerous a permission pattern is.
type RiskTier string

const (
	RiskSafe         RiskTier = "safe"
	RiskWrite        RiskTier = "write"
	RiskElevated     RiskTier = "elevated"
	RiskUnrestricted RiskTier = "unrestricted"
)

// riskOrder maps tiers to a comparable rank.
var riskOrder = map[RiskTier]int{
	RiskSafe:         0,
	RiskWrite:        1,
	RiskElevated:     2,
	RiskUnrestricted: 3,
}

// AtLeast reports whether the tier is at least as risky as other.
func (r RiskTier) AtLeast(other RiskTier) bool {
	return riskOrder[r] >= riskOrder[other]
}

// ModelConfig selects the LLM for a directive.
type ModelConfig struct {
	Tier     string `json:"tier,omitempty" yaml:"tier,omitempty"`
	ID       string `json:"id,omitempty" yaml:"id,omitempty"`
	Fallback string `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// InputSpec declares one directive input.
type InputSpec struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Required    bool   `json:"required" yaml:"required"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Permissions groups permission patterns by primary action. Patterns are
// stored without the "rye.<primary>." prefix applied; FullPatterns expands
// them to the canonical form.
type Permissions struct {
	Execute []string `json:"execute,omitempty" yaml:"execute,omitempty"`
	Search  []string `json:"search,omitempty" yaml:"search,omitempty"`
	Load    []string `json:"load,omitempty" yaml:"load,omitempty"`
	Sign    []string `json:"sign,omitempty" yaml:"sign,omitempty"`
}

// FullPatterns returns every permission as a canonical
// "rye.<primary>.<item_type>.<dotted_id>" pattern string.
func (p Permissions) FullPatterns() []string {
	var out []string
	add := func(primary string, entries []string) {
		for _, e := range entries {
			if e == "" {
				continue
			}
			out = append(out, "rye."+primary+"."+e)
		}
	}
	add("execute", p.Execute)
	add("search", p.Search)
	add("load", p.Load)
	add("sign", p.Sign)
	return out
}

// IsEmpty reports whether no patterns are declared.
func (p Permissions) IsEmpty() bool {
	return len(p.Execute)+len(p.Search)+len(p.Load)+len(p.Sign) == 0
}

// UnmarshalYAML accepts both the structured form
// {execute: [...], search: [...]} and the legacy flat form
// [rye.execute.tool.foo, ...]. Serialization always emits the structured
// form; the flat form exists only for reading older directives.
func (p *Permissions) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var flat []string
		if err := node.Decode(&flat); err != nil {
			return err
		}
		for _, entry := range flat {
			p.addFlat(entry)
		}
		return nil
	}
	type structured Permissions
	var s structured
	if err := node.Decode(&s); err != nil {
		return err
	}
	*p = Permissions(s)
	return nil
}

// addFlat routes a canonical "rye.<primary>.<rest>" entry into the
// structured group for its primary action. Entries without a recognized
// primary are ignored.
func (p *Permissions) addFlat(entry string) {
	const prefix = "rye."
	if len(entry) <= len(prefix) || entry[:len(prefix)] != prefix {
		return
	}
	rest := entry[len(prefix):]
	for _, primary := range []string{"execute", "search", "load", "sign"} {
		pl := len(primary)
		if len(rest) > pl+1 && rest[:pl] == primary && rest[pl] == '.' {
			suffix := rest[pl+1:]
			switch primary {
			case "execute":
				p.Execute = append(p.Execute, suffix)
			case "search":
				p.Search = append(p.Search, suffix)
			case "load":
				p.Load = append(p.Load, suffix)
			case "sign":
				p.Sign = append(p.Sign, suffix)
			}
			return
		}
	}
}

// ContextDirectives controls how inherited context composes along an
// extends chain. Suppress tags prune inherited items by name.
type ContextDirectives struct {
	System   []string `json:"system,omitempty" yaml:"system,omitempty"`
	Before   []string `json:"before,omitempty" yaml:"before,omitempty"`
	After    []string `json:"after,omitempty" yaml:"after,omitempty"`
	Suppress []string `json:"suppress,omitempty" yaml:"suppress,omitempty"`
}

// Directive is the declarative program a thread executes. Instances are
// immutable once loaded; the runner never mutates a directive.
type Directive struct {
	Name        string      `json:"name" yaml:"name"`
	Version     string      `json:"version,omitempty" yaml:"version,omitempty"`
	Category    string      `json:"category,omitempty" yaml:"category,omitempty"`
	Author      string      `json:"author,omitempty" yaml:"author,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Model       ModelConfig `json:"model,omitempty" yaml:"model,omitempty"`

	// Complexity selects default limits from the coordination config when
	// Limits is zero-valued (simple/moderate/complex).
	Complexity string `json:"complexity,omitempty" yaml:"complexity,omitempty"`
	Limits     Limits `json:"limits,omitempty" yaml:"limits,omitempty"`

	Permissions Permissions       `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Inputs      []InputSpec       `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// Process is the free-form natural-language body, optionally containing
	// structured action elements the model is instructed to follow.
	Process string `json:"process,omitempty" yaml:"process,omitempty"`

	Hooks   []HookRule        `json:"hooks,omitempty" yaml:"hooks,omitempty"`
	Extends []string          `json:"extends,omitempty" yaml:"extends,omitempty"`
	Context ContextDirectives `json:"context,omitempty" yaml:"context,omitempty"`

	// RiskAcks maps an acknowledged risk tier to the author's stated reason.
	// Elevated patterns without a matching acknowledgment hard-fail at mint.
	RiskAcks map[RiskTier]string `json:"risk_acknowledgments,omitempty" yaml:"risk_acknowledgments,omitempty"`

	// Graph, when set, switches execution to the deterministic state-graph
	// walker instead of the LLM loop.
	Graph *GraphSpec `json:"graph,omitempty" yaml:"graph,omitempty"`
}

// GraphSpec declares a deterministic node graph executed without an LLM.
type GraphSpec struct {
	Start    string               `json:"start" yaml:"start"`
	MaxSteps int                  `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	Nodes    map[string]GraphNode `json:"nodes" yaml:"nodes"`
}

// GraphNode is one node in a state graph.
type GraphNode struct {
	// Action names the item to dispatch as "<item_type>/<dotted_id>".
	Action string         `json:"action,omitempty" yaml:"action,omitempty"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	// Assign maps state keys to interpolated expressions applied after the
	// action result is available.
	Assign map[string]string `json:"assign,omitempty" yaml:"assign,omitempty"`

	Edges []GraphEdge `json:"edges,omitempty" yaml:"edges,omitempty"`

	// Return marks a terminal node; its Assign output becomes the result.
	Return bool `json:"return,omitempty" yaml:"return,omitempty"`
}

// GraphEdge is a conditional transition. Edges are evaluated in declaration
// order; the first edge whose When is true (or the first without a
// condition) is taken.
type GraphEdge struct {
	When *Condition `json:"when,omitempty" yaml:"when,omitempty"`
	Next string     `json:"next" yaml:"next"`
}
