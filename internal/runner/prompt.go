package runner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rye-run/rye/internal/interpolate"
	"github.com/rye-run/rye/pkg/models"
)

// systemPromptTemplate is the provider-neutral frame around a directive.
const systemPromptTemplate = `You are executing the directive %q.

%s

## Process

%s

## Available tools

%s`

// buildSystemPrompt renders the directive into the system prompt,
// appending the <returns> block that mirrors the declared outputs.
func buildSystemPrompt(d *models.Directive, inputs map[string]any, tools []models.ToolDef) string {
	process := interpolate.Inputs(d.Process, inputs)

	var toolList strings.Builder
	if len(tools) == 0 {
		toolList.WriteString("(none)")
	}
	for _, t := range tools {
		fmt.Fprintf(&toolList, "- %s: %s\n", t.Name, t.Description)
	}

	prompt := fmt.Sprintf(systemPromptTemplate, d.Name, d.Description, process, toolList.String())

	if len(d.Outputs) > 0 {
		names := make([]string, 0, len(d.Outputs))
		for name := range d.Outputs {
			names = append(names, name)
		}
		sort.Strings(names)
		var b strings.Builder
		b.WriteString("\n\n<returns>\nWhen finished, answer with a JSON object with these fields:\n")
		for _, name := range names {
			fmt.Fprintf(&b, "  %s: %s\n", name, d.Outputs[name])
		}
		b.WriteString("</returns>")
		prompt += b.String()
	}
	return prompt
}

// buildTaskMessage renders the initial user message from the inputs.
func buildTaskMessage(inputs map[string]any) models.ChatMessage {
	if len(inputs) == 0 {
		return models.ChatMessage{Role: models.RoleUser, Content: "Begin."}
	}
	data, _ := json.MarshalIndent(inputs, "", "  ")
	return models.ChatMessage{
		Role:    models.RoleUser,
		Content: "Inputs:\n```json\n" + string(data) + "\n```",
	}
}

// extractOutputs parses the declared outputs from the final assistant
// text. Parse failures never fail the thread; the caller reports them as
// parse_error on a completed result.
func extractOutputs(d *models.Directive, text string) (map[string]any, string) {
	if len(d.Outputs) == 0 {
		return nil, ""
	}
	raw := extractJSONObject(text)
	if raw == "" {
		return nil, "no JSON object found in final response"
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Sprintf("invalid output JSON: %v", err)
	}
	for name := range d.Outputs {
		if _, ok := out[name]; !ok {
			return out, fmt.Sprintf("declared output %q missing from response", name)
		}
	}
	return out, ""
}

// extractJSONObject finds the outermost JSON object in text, preferring a
// fenced ```json block.
func extractJSONObject(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		rest := text[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
