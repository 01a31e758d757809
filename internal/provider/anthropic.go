package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/rye-run/rye/pkg/models"
)

// anthropicWindows maps model id prefixes to context window sizes.
var anthropicWindows = map[string]int{
	"claude-": 200000,
}

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey       string `yaml:"api_key" json:"api_key"`
	BaseURL      string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	DefaultModel string `yaml:"default_model,omitempty" json:"default_model,omitempty"`

	// Reconstructions overrides the bundled stream reconstruction configs.
	Reconstructions map[string]Reconstruction `yaml:"reconstructions,omitempty" json:"reconstructions,omitempty"`
}

// Anthropic streams completions from the Anthropic Messages API.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
	recon        Reconstruction
}

// NewAnthropic builds the adapter. Fails when no API key is supplied or no
// stream reconstruction config is registered for "anthropic".
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	recon, err := reconstructionFor("anthropic", cfg.Reconstructions)
	if err != nil {
		return nil, err
	}
	if recon.Strategy != "content_block" {
		return nil, fmt.Errorf("anthropic: unsupported reconstruction strategy %q", recon.Strategy)
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		recon:        recon,
	}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) ContextWindow(model string) int {
	for prefix, size := range anthropicWindows {
		if strings.HasPrefix(model, prefix) {
			return size
		}
	}
	return 0
}

// Stream sends the request and converts SSE events into StreamEvents. Tool
// calls reassemble content-block style: the block start carries id and
// name, partial-JSON deltas accumulate, block stop finalizes.
func (p *Anthropic) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	stream, err := p.createStream(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		p.pump(stream, out)
	}()
	return out, nil
}

func (p *Anthropic) createStream(ctx context.Context, req *Request) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}
	return p.client.Messages.NewStreaming(ctx, params), nil
}

func (p *Anthropic) pump(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- StreamEvent) {
	var toolCall *models.ToolCall
	var toolInput strings.Builder
	var usage models.Usage
	var finishReason string

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				toolCall = &models.ToolCall{CallID: use.ID, Name: use.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- StreamEvent{TextDelta: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					out <- StreamEvent{Reasoning: delta.Thinking}
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if toolCall != nil {
				raw := toolInput.String()
				if raw == "" {
					raw = "{}"
				}
				toolCall.Input = json.RawMessage(raw)
				out <- StreamEvent{ToolCall: toolCall}
				toolCall = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}
			if md.Delta.StopReason != "" {
				finishReason = string(md.Delta.StopReason)
			}

		case "message_stop":
			out <- StreamEvent{Done: true, FinishReason: finishReason, Usage: &usage}
			return

		case "error":
			out <- StreamEvent{Err: errors.New("anthropic: stream error")}
			return
		}
	}
	if err := stream.Err(); err != nil {
		out <- StreamEvent{Err: fmt.Errorf("anthropic: %w", err)}
	}
}

func convertAnthropicMessages(messages []models.ChatMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}
		var content []anthropic.ContentBlockParamUnion
		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
		} else if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if len(call.Input) > 0 {
				if err := json.Unmarshal(call.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", call.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(call.CallID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// Tool results ride in user messages per the Anthropic API.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []models.ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("invalid schema for %s: %w", tool.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool definition for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}
