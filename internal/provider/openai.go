package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rye-run/rye/pkg/models"
)

// openaiWindows maps model id prefixes to context window sizes.
var openaiWindows = map[string]int{
	"gpt-4o":      128000,
	"gpt-4-turbo": 128000,
	"gpt-4":       8192,
	"o1":          200000,
}

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key" json:"api_key"`
	BaseURL      string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	DefaultModel string `yaml:"default_model,omitempty" json:"default_model,omitempty"`

	Reconstructions map[string]Reconstruction `yaml:"reconstructions,omitempty" json:"reconstructions,omitempty"`
}

// OpenAI streams completions from the Chat Completions API.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
	recon        Reconstruction
}

// NewOpenAI builds the adapter.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	recon, err := reconstructionFor("openai", cfg.Reconstructions)
	if err != nil {
		return nil, err
	}
	if recon.Strategy != "indexed_delta" {
		return nil, fmt.Errorf("openai: unsupported reconstruction strategy %q", recon.Strategy)
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		recon:        recon,
	}, nil
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) ContextWindow(model string) int {
	best := 0
	bestLen := 0
	for prefix, size := range openaiWindows {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = size, len(prefix)
		}
	}
	return best
}

// Stream sends the request and converts chunks into StreamEvents. Tool
// calls reassemble indexed-delta style: fragments carrying id, name and
// argument pieces accumulate per index until the finish reason arrives.
func (p *OpenAI) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	oaiReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		oaiReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		oaiReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, oaiReq)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		defer stream.Close()
		pumpOpenAI(stream, out)
	}()
	return out, nil
}

func pumpOpenAI(stream *openai.ChatCompletionStream, out chan<- StreamEvent) {
	pending := map[int]*models.ToolCall{}
	var usage models.Usage
	var finishReason string

	flush := func() {
		idxs := make([]int, 0, len(pending))
		for i := range pending {
			idxs = append(idxs, i)
		}
		sort.Ints(idxs)
		for _, i := range idxs {
			tc := pending[i]
			if tc.CallID != "" && tc.Name != "" {
				if len(tc.Input) == 0 {
					tc.Input = json.RawMessage("{}")
				}
				out <- StreamEvent{ToolCall: tc}
			}
		}
		pending = map[int]*models.ToolCall{}
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			flush()
			out <- StreamEvent{Done: true, FinishReason: finishReason, Usage: &usage}
			return
		}
		if err != nil {
			out <- StreamEvent{Err: fmt.Errorf("openai: %w", err)}
			return
		}
		if resp.Usage != nil {
			usage.InputTokens = resp.Usage.PromptTokens
			usage.OutputTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			out <- StreamEvent{TextDelta: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if pending[index] == nil {
				pending[index] = &models.ToolCall{}
			}
			if tc.ID != "" {
				pending[index].CallID = tc.ID
			}
			if tc.Function.Name != "" {
				pending[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pending[index].Input = json.RawMessage(string(pending[index].Input) + tc.Function.Arguments)
			}
		}
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

func convertOpenAIMessages(messages []models.ChatMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.CallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, m)
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}
	return result
}

func convertOpenAITools(tools []models.ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if len(tool.InputSchema) == 0 || json.Unmarshal(tool.InputSchema, &schema) != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}
