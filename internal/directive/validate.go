package directive

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/rye-run/rye/pkg/models"
)

// typeSchema maps declared input types to JSON Schema type names.
var typeSchema = map[string]string{
	"string":  "string",
	"number":  "number",
	"integer": "integer",
	"boolean": "boolean",
	"object":  "object",
	"array":   "array",
}

// InputSchema builds the JSON Schema for a directive's declared inputs.
func InputSchema(specs []models.InputSpec) (*jsonschema.Schema, error) {
	props := map[string]any{}
	var required []string
	for _, in := range specs {
		p := map[string]any{}
		if t, ok := typeSchema[in.Type]; ok {
			p["type"] = t
		}
		if in.Description != "" {
			p["description"] = in.Description
		}
		props[in.Name] = p
		if in.Required {
			required = append(required, in.Name)
		}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString("inputs.schema.json", string(raw))
}

// ValidateInputs applies declared defaults, then validates the input map
// against the directive's input schema. Returns the normalized map; callers
// use the returned map so defaults are visible to interpolation.
func ValidateInputs(specs []models.InputSpec, inputs map[string]any) (map[string]any, error) {
	merged := map[string]any{}
	for k, v := range inputs {
		merged[k] = v
	}
	for _, in := range specs {
		if _, ok := merged[in.Name]; !ok && in.Default != nil {
			merged[in.Name] = in.Default
		}
	}

	sch, err := InputSchema(specs)
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}

	// Round-trip through JSON so typed Go values normalize to the shapes
	// the validator expects.
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid inputs: %w", err)
	}
	normalized, _ := doc.(map[string]any)
	if normalized == nil {
		normalized = map[string]any{}
	}
	return normalized, nil
}
