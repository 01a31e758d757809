package directive

import "github.com/rye-run/rye/pkg/models"

// Compose merges an extends lineage (root-first, leaf-last) into one
// directive. Leaf permissions win outright; context items merge in
// root-to-leaf order with suppress tags pruning inherited entries; hook
// rules accumulate across the chain keeping their declared layers; scalar
// fields take the leaf's value when set.
func Compose(chain []*models.Directive) *models.Directive {
	if len(chain) == 0 {
		return nil
	}
	out := *chain[len(chain)-1]

	// Permissions: walk leaf-to-root, first non-empty declaration wins.
	for i := len(chain) - 1; i >= 0; i-- {
		if !chain[i].Permissions.IsEmpty() {
			out.Permissions = chain[i].Permissions
			break
		}
	}

	out.Context = composeContext(chain)
	out.Hooks = composeHooks(chain)
	out.Inputs = composeInputs(chain)
	out.Limits = composeLimits(chain)
	out.RiskAcks = composeRiskAcks(chain)

	// Scalar fallbacks: nearest ancestor supplies what the leaf omits.
	for i := len(chain) - 2; i >= 0; i-- {
		anc := chain[i]
		if out.Process == "" {
			out.Process = anc.Process
		}
		if out.Model.Tier == "" && out.Model.ID == "" {
			out.Model = anc.Model
		}
		if out.Complexity == "" {
			out.Complexity = anc.Complexity
		}
		if out.Outputs == nil {
			out.Outputs = anc.Outputs
		}
	}
	out.Extends = nil
	return &out
}

func composeContext(chain []*models.Directive) models.ContextDirectives {
	var merged models.ContextDirectives
	suppressed := map[string]bool{}
	for _, d := range chain {
		for _, tag := range d.Context.Suppress {
			suppressed[tag] = true
		}
	}
	keep := func(items []string) []string {
		var out []string
		for _, it := range items {
			if !suppressed[it] {
				out = append(out, it)
			}
		}
		return out
	}
	for _, d := range chain {
		merged.System = append(merged.System, keep(d.Context.System)...)
		merged.Before = append(merged.Before, keep(d.Context.Before)...)
		merged.After = append(merged.After, keep(d.Context.After)...)
	}
	merged.System = dedup(merged.System)
	merged.Before = dedup(merged.Before)
	merged.After = dedup(merged.After)
	return merged
}

func composeHooks(chain []*models.Directive) []models.HookRule {
	var out []models.HookRule
	for i, d := range chain {
		for _, h := range d.Hooks {
			if h.Layer == "" {
				// Ancestors contribute project-layer rules, the leaf
				// contributes directive-layer rules.
				if i == len(chain)-1 {
					h.Layer = models.LayerDirective
				} else {
					h.Layer = models.LayerProject
				}
			}
			out = append(out, h)
		}
	}
	return out
}

func composeInputs(chain []*models.Directive) []models.InputSpec {
	byName := map[string]int{}
	var out []models.InputSpec
	for _, d := range chain {
		for _, in := range d.Inputs {
			if idx, ok := byName[in.Name]; ok {
				out[idx] = in // leaf redeclaration replaces the ancestor's
				continue
			}
			byName[in.Name] = len(out)
			out = append(out, in)
		}
	}
	return out
}

func composeLimits(chain []*models.Directive) models.Limits {
	var out models.Limits
	for _, d := range chain {
		if d.Limits.MaxTurns != 0 {
			out.MaxTurns = d.Limits.MaxTurns
		}
		if d.Limits.MaxTokens != 0 {
			out.MaxTokens = d.Limits.MaxTokens
		}
		if d.Limits.MaxSpend != 0 {
			out.MaxSpend = d.Limits.MaxSpend
		}
		if d.Limits.MaxSeconds != 0 {
			out.MaxSeconds = d.Limits.MaxSeconds
		}
	}
	return out
}

func composeRiskAcks(chain []*models.Directive) map[models.RiskTier]string {
	var out map[models.RiskTier]string
	for _, d := range chain {
		for tier, reason := range d.RiskAcks {
			if out == nil {
				out = map[models.RiskTier]string{}
			}
			out[tier] = reason
		}
	}
	return out
}

func dedup(items []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			out = append(out, it)
		}
	}
	return out
}
