package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/rye-run/rye/pkg/models"
)

// Turn is one scripted response of the fake provider.
type Turn struct {
	Text      string
	Reasoning string
	ToolCalls []models.ToolCall
	Usage     models.Usage
	// Err, when set, aborts the stream after the deltas already emitted.
	Err error
	// FinishReason defaults to "end_turn", or "tool_use" when tool calls
	// are present.
	FinishReason string
}

// Fake is a deterministic scripted provider for tests. Each Stream call
// consumes the next turn; text streams in small deltas so consumers
// exercise partial accumulation.
type Fake struct {
	mu    sync.Mutex
	turns []Turn
	calls int

	// Window is the context window reported for every model.
	Window int

	// LastRequest records the most recent request for assertions.
	LastRequest *Request
}

// NewFake builds a fake provider over the scripted turns.
func NewFake(turns ...Turn) *Fake {
	return &Fake{turns: turns, Window: 200000}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) ContextWindow(string) int { return f.Window }

// Calls reports how many Stream calls have been made.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	f.mu.Lock()
	if f.calls >= len(f.turns) {
		f.mu.Unlock()
		return nil, fmt.Errorf("fake provider: no scripted turn for call %d", f.calls+1)
	}
	turn := f.turns[f.calls]
	f.calls++
	f.LastRequest = req
	f.mu.Unlock()

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		emit := func(ev StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if turn.Reasoning != "" && !emit(StreamEvent{Reasoning: turn.Reasoning}) {
			return
		}
		// Stream text in word-sized deltas.
		for i := 0; i < len(turn.Text); {
			end := i + 8
			if end > len(turn.Text) {
				end = len(turn.Text)
			}
			if !emit(StreamEvent{TextDelta: turn.Text[i:end]}) {
				return
			}
			i = end
		}
		if turn.Err != nil {
			emit(StreamEvent{Err: turn.Err})
			return
		}
		for i := range turn.ToolCalls {
			tc := turn.ToolCalls[i]
			if !emit(StreamEvent{ToolCall: &tc}) {
				return
			}
		}

		reason := turn.FinishReason
		if reason == "" {
			if len(turn.ToolCalls) > 0 {
				reason = "tool_use"
			} else {
				reason = "end_turn"
			}
		}
		usage := turn.Usage
		emit(StreamEvent{Done: true, FinishReason: reason, Usage: &usage})
	}()
	return out, nil
}
