// Package continuation detects context-window pressure and manages the
// summarize-and-hand-off protocol that chains a thread to its successor
// when the conversation outgrows the model's window.
package continuation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/rye-run/rye/internal/registry"
	"github.com/rye-run/rye/pkg/models"
)

// Thresholds hold the pressure trip points.
type Thresholds struct {
	// Compaction triggers in-place summarize-and-prune.
	Compaction float64 `yaml:"compaction" json:"compaction"`
	// Handoff triggers the continuation protocol.
	Handoff float64 `yaml:"handoff" json:"handoff"`
}

// DefaultThresholds returns the standard trip points.
func DefaultThresholds() Thresholds {
	return Thresholds{Compaction: 0.8, Handoff: 0.9}
}

// Counter estimates context pressure for a conversation buffer. The
// tiktoken-backed Estimator is the production implementation.
type Counter interface {
	Pressure(model string, window int, messages []models.ChatMessage) (float64, error)
}

// Estimator counts conversation tokens for pressure computation. Encoders
// are cached per model; unknown models fall back to cl100k_base.
type Estimator struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// NewEstimator builds a token estimator.
func NewEstimator() *Estimator {
	return &Estimator{encoders: map[string]*tiktoken.Tiktoken{}}
}

func (e *Estimator) encoder(model string) (*tiktoken.Tiktoken, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok := e.encoders[model]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load token encoding: %w", err)
		}
	}
	e.encoders[model] = enc
	return enc, nil
}

// perMessageOverhead approximates role and framing tokens per message.
const perMessageOverhead = 4

// Count estimates the token footprint of a conversation buffer.
func (e *Estimator) Count(model string, messages []models.ChatMessage) (int, error) {
	enc, err := e.encoder(model)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, m := range messages {
		total += perMessageOverhead
		if m.Content != "" {
			total += len(enc.Encode(m.Content, nil, nil))
		}
		for _, tc := range m.ToolCalls {
			total += len(enc.Encode(tc.Name, nil, nil))
			total += len(enc.Encode(string(tc.Input), nil, nil))
		}
	}
	return total, nil
}

// Pressure returns estimated tokens / context window. A zero window yields
// zero pressure (unknown models never trip the thresholds spuriously).
func (e *Estimator) Pressure(model string, window int, messages []models.ChatMessage) (float64, error) {
	if window <= 0 {
		return 0, nil
	}
	tokens, err := e.Count(model, messages)
	if err != nil {
		return 0, err
	}
	return float64(tokens) / float64(window), nil
}

// SummaryFunc runs the summary directive synchronously under the current
// capability and a capped sub-budget, returning the summary text.
type SummaryFunc func(ctx context.Context, messages []models.ChatMessage) (string, error)

// SpawnFunc creates the successor thread and returns its id. The successor
// carries the same directive with the summary injected as seed context and
// continuation_of pointing at the current thread.
type SpawnFunc func(ctx context.Context, summary string) (string, error)

// Manager drives the handoff protocol.
type Manager struct {
	Registry   *registry.Registry
	Thresholds Thresholds
	Estimator  Counter
	Logger     *slog.Logger
}

// NewManager builds a continuation manager.
func NewManager(reg *registry.Registry) *Manager {
	return &Manager{
		Registry:   reg,
		Thresholds: DefaultThresholds(),
		Estimator:  NewEstimator(),
		Logger:     slog.Default(),
	}
}

// Verdict is the pressure decision for one turn.
type Verdict struct {
	Pressure    float64
	NeedCompact bool
	NeedHandoff bool
}

// Check computes pressure and applies the thresholds.
func (m *Manager) Check(model string, window int, messages []models.ChatMessage) (Verdict, error) {
	p, err := m.Estimator.Pressure(model, window, messages)
	if err != nil {
		return Verdict{}, err
	}
	t := m.Thresholds
	if t.Compaction <= 0 {
		t = DefaultThresholds()
	}
	return Verdict{
		Pressure:    p,
		NeedCompact: p >= t.Compaction,
		NeedHandoff: p >= t.Handoff,
	}, nil
}

// Compact summarizes the oldest turns in place: everything before the
// final keepTail messages collapses into a single summary message. The
// first message (the task prompt) is always preserved.
func Compact(messages []models.ChatMessage, summary string, keepTail int) []models.ChatMessage {
	if keepTail < 0 {
		keepTail = 0
	}
	if len(messages) <= keepTail+1 {
		return messages
	}
	out := make([]models.ChatMessage, 0, keepTail+2)
	out = append(out, messages[0])
	out = append(out, models.ChatMessage{
		Role:    models.RoleUser,
		Content: "Summary of earlier conversation (older turns pruned):\n" + summary,
	})
	out = append(out, messages[len(messages)-keepTail:]...)
	return out
}

// Handoff runs the continuation protocol: summarize, spawn the successor,
// link continuation_next (reachability-checked), and complete the current
// thread with reason "continuation". The link is set only after the
// successor exists so waiters never chase a dangling pointer.
func (m *Manager) Handoff(ctx context.Context, threadID string, messages []models.ChatMessage, summarize SummaryFunc, spawn SpawnFunc) (string, error) {
	start := time.Now()
	summary, err := summarize(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("continuation summary: %w", err)
	}

	nextID, err := spawn(ctx, summary)
	if err != nil {
		return "", fmt.Errorf("spawn continuation thread: %w", err)
	}

	if err := m.Registry.SetContinuation(threadID, nextID); err != nil {
		return "", fmt.Errorf("link continuation: %w", err)
	}
	if err := m.Registry.UpdateStatus(threadID, models.StatusCompleted, registry.UpdateFields{
		Reason: "continuation",
	}); err != nil {
		return "", err
	}

	m.Logger.Info("continuation handoff complete",
		"thread", threadID, "next", nextID, "took", time.Since(start))
	return nextID, nil
}
