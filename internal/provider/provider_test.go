package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rye-run/rye/pkg/models"
)

func collect(t *testing.T, ch <-chan StreamEvent) (text string, calls []models.ToolCall, usage *models.Usage, streamErr error) {
	t.Helper()
	var b strings.Builder
	for ev := range ch {
		switch {
		case ev.Err != nil:
			streamErr = ev.Err
		case ev.ToolCall != nil:
			calls = append(calls, *ev.ToolCall)
		case ev.Done:
			usage = ev.Usage
		default:
			b.WriteString(ev.TextDelta)
		}
	}
	return b.String(), calls, usage, streamErr
}

func TestFakeStreamsTextInDeltas(t *testing.T) {
	f := NewFake(Turn{Text: "the quick brown fox", Usage: models.Usage{InputTokens: 10, OutputTokens: 4}})
	ch, err := f.Stream(context.Background(), &Request{Model: "fake-1"})
	if err != nil {
		t.Fatal(err)
	}
	text, calls, usage, streamErr := collect(t, ch)
	if streamErr != nil || len(calls) != 0 {
		t.Fatalf("unexpected: %v %v", streamErr, calls)
	}
	if text != "the quick brown fox" {
		t.Errorf("text = %q", text)
	}
	if usage == nil || usage.InputTokens != 10 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestFakeToolCallTurn(t *testing.T) {
	f := NewFake(Turn{
		ToolCalls: []models.ToolCall{{CallID: "c1", Name: "web_fetch", Input: json.RawMessage(`{"url":"x"}`)}},
	})
	ch, _ := f.Stream(context.Background(), &Request{})
	_, calls, _, _ := collect(t, ch)
	if len(calls) != 1 || calls[0].Name != "web_fetch" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestFakeErrorAfterPartialText(t *testing.T) {
	wantErr := errors.New("overloaded")
	f := NewFake(Turn{Text: "partial answer", Err: wantErr})
	ch, _ := f.Stream(context.Background(), &Request{})
	text, _, usage, streamErr := collect(t, ch)
	if !errors.Is(streamErr, wantErr) {
		t.Fatalf("err = %v", streamErr)
	}
	if text != "partial answer" {
		t.Errorf("partial text lost: %q", text)
	}
	if usage != nil {
		t.Errorf("usage emitted on failed turn")
	}
}

func TestFakeExhaustedScript(t *testing.T) {
	f := NewFake()
	if _, err := f.Stream(context.Background(), &Request{}); err == nil {
		t.Fatal("unscripted call accepted")
	}
}

func TestReconstructionRequired(t *testing.T) {
	if _, err := reconstructionFor("mystery", nil); !errors.Is(err, ErrNoReconstruction) {
		t.Fatalf("err = %v, want ErrNoReconstruction", err)
	}
	rc, err := reconstructionFor("anthropic", nil)
	if err != nil || rc.Strategy != "content_block" {
		t.Fatalf("anthropic recon = %+v, %v", rc, err)
	}
	// Overrides win over bundled defaults.
	rc, err = reconstructionFor("anthropic", map[string]Reconstruction{
		"anthropic": {Strategy: "indexed_delta", ArgsFormat: "json"},
	})
	if err != nil || rc.Strategy != "indexed_delta" {
		t.Fatalf("override ignored: %+v, %v", rc, err)
	}
}

func TestAdaptersRequireAPIKey(t *testing.T) {
	if _, err := NewAnthropic(AnthropicConfig{}); err == nil {
		t.Error("anthropic accepted empty key")
	}
	if _, err := NewOpenAI(OpenAIConfig{}); err == nil {
		t.Error("openai accepted empty key")
	}
}

func TestAdaptersRejectWrongStrategy(t *testing.T) {
	_, err := NewAnthropic(AnthropicConfig{
		APIKey:          "k",
		Reconstructions: map[string]Reconstruction{"anthropic": {Strategy: "indexed_delta"}},
	})
	if err == nil {
		t.Error("anthropic accepted indexed_delta strategy")
	}
	_, err = NewOpenAI(OpenAIConfig{
		APIKey:          "k",
		Reconstructions: map[string]Reconstruction{"openai": {Strategy: "content_block"}},
	})
	if err == nil {
		t.Error("openai accepted content_block strategy")
	}
}

func TestContextWindows(t *testing.T) {
	a, err := NewAnthropic(AnthropicConfig{APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if a.ContextWindow("claude-sonnet-4-20250514") != 200000 {
		t.Error("claude window wrong")
	}
	if a.ContextWindow("gpt-4o") != 0 {
		t.Error("unknown model should report 0")
	}

	o, err := NewOpenAI(OpenAIConfig{APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if o.ContextWindow("gpt-4o-mini") != 128000 {
		t.Error("gpt-4o window wrong")
	}
	if o.ContextWindow("gpt-4-0613") != 8192 {
		t.Error("gpt-4 prefix should use longest match")
	}
}
