// Package provider abstracts the LLM backends the runner streams from.
// Adapters convert the conversation buffer to each vendor's API shape and
// reconstruct tool calls from stream deltas.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/rye-run/rye/pkg/models"
)

// ErrNoReconstruction indicates a provider has no tool-call reconstruction
// config. Reconstruction is never guessed: an adapter without one refuses
// to start rather than silently mangling tool calls.
var ErrNoReconstruction = errors.New("missing tool-call reconstruction config")

// Request is one turn's completion request.
type Request struct {
	Model     string               `json:"model"`
	System    string               `json:"system,omitempty"`
	Messages  []models.ChatMessage `json:"messages"`
	Tools     []models.ToolDef     `json:"tools,omitempty"`
	MaxTokens int                  `json:"max_tokens,omitempty"`
}

// StreamEvent is one unit of a streamed response. Exactly one field group
// is populated: a text or reasoning delta, a completed tool call, an
// error, or the terminal event carrying usage and finish reason.
type StreamEvent struct {
	TextDelta string
	Reasoning string
	ToolCall  *models.ToolCall

	Done         bool
	FinishReason string
	Usage        *models.Usage

	Err error
}

// Provider is a streaming LLM backend. Implementations must be safe for
// concurrent use; each Stream call owns an independent goroutine.
type Provider interface {
	// Stream sends a request and returns the event channel. The channel
	// closes after the Done or Err event.
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)

	// Name is the stable lowercase provider identifier.
	Name() string

	// ContextWindow returns the model's context size in tokens, or 0 when
	// the model is unknown.
	ContextWindow(model string) int
}

// Reconstruction describes how an adapter reassembles tool calls from the
// vendor's stream deltas.
type Reconstruction struct {
	// Strategy is "content_block" (Anthropic-style: a block start carries
	// id+name, partial-JSON deltas accumulate until block stop) or
	// "indexed_delta" (OpenAI-style: indexed fragments carry id, name and
	// argument pieces interleaved).
	Strategy string `yaml:"strategy" json:"strategy"`

	// ArgsFormat is the encoding of streamed arguments. Only "json" is
	// supported.
	ArgsFormat string `yaml:"args_format" json:"args_format"`
}

// DefaultReconstructions maps provider names to their bundled stream
// reconstruction configs.
func DefaultReconstructions() map[string]Reconstruction {
	return map[string]Reconstruction{
		"anthropic": {Strategy: "content_block", ArgsFormat: "json"},
		"openai":    {Strategy: "indexed_delta", ArgsFormat: "json"},
		"fake":      {Strategy: "content_block", ArgsFormat: "json"},
	}
}

// reconstructionFor resolves the config for a provider name, hard-failing
// when none is registered.
func reconstructionFor(name string, overrides map[string]Reconstruction) (Reconstruction, error) {
	if overrides != nil {
		if rc, ok := overrides[name]; ok {
			return rc, nil
		}
	}
	if rc, ok := DefaultReconstructions()[name]; ok {
		return rc, nil
	}
	return Reconstruction{}, fmt.Errorf("%w: provider %q", ErrNoReconstruction, name)
}
