// Package harness tracks a thread's accumulated cost, enforces its safety
// limits, and classifies errors for retry decisions. One Harness instance
// is owned exclusively by one thread.
package harness

import (
	"sync"
	"time"

	"github.com/rye-run/rye/pkg/models"
)

// LimitCode names the accumulator that crossed its ceiling.
type LimitCode string

const (
	LimitTurns   LimitCode = "max_turns"
	LimitTokens  LimitCode = "max_tokens"
	LimitSpend   LimitCode = "max_spend"
	LimitSeconds LimitCode = "max_seconds"
)

// LimitHit describes a crossed ceiling, including the proposed raise used
// when the limit hook escalates for approval.
type LimitHit struct {
	Code        LimitCode `json:"limit_code"`
	Current     float64   `json:"current_value"`
	Max         float64   `json:"current_max"`
	ProposedMax float64   `json:"proposed_max"`
}

// Harness is the per-thread mutable safety ledger. All methods are safe
// for concurrent use; the runner and the transcript throttler both touch it.
type Harness struct {
	mu sync.Mutex

	cost    models.CostTotals
	limits  models.Limits
	started time.Time

	hookRules    []models.HookRule
	requiredCaps []string
	riskAcks     map[models.RiskTier]string

	errorCounts map[Category]int
	retries     int
}

// New builds a harness with the given limits and hook rules.
func New(limits models.Limits, hookRules []models.HookRule) *Harness {
	return &Harness{
		limits:      limits,
		hookRules:   hookRules,
		started:     time.Now(),
		errorCounts: make(map[Category]int),
	}
}

// RecordTurn accumulates one LLM turn's usage.
func (h *Harness) RecordTurn(usage models.Usage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cost.Turns++
	h.cost.InputTokens += usage.InputTokens
	h.cost.OutputTokens += usage.OutputTokens
	h.cost.Spend += usage.Spend
	h.cost.DurationSeconds = time.Since(h.started).Seconds()
}

// RecordError counts a classified error occurrence.
func (h *Harness) RecordError(c Category) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCounts[c]++
}

// RecordRetry counts one retry attempt.
func (h *Harness) RecordRetry() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retries++
}

// Retries returns the total retry count.
func (h *Harness) Retries() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retries
}

// Cost returns a snapshot of the accumulated totals with the wall-clock
// duration brought current.
func (h *Harness) Cost() models.CostTotals {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.cost
	c.DurationSeconds = time.Since(h.started).Seconds()
	return c
}

// Limits returns the configured ceilings.
func (h *Harness) Limits() models.Limits {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.limits
}

// RaiseLimit lifts one ceiling, as granted by an approved escalation.
func (h *Harness) RaiseLimit(code LimitCode, newMax float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch code {
	case LimitTurns:
		h.limits.MaxTurns = int(newMax)
	case LimitTokens:
		h.limits.MaxTokens = int(newMax)
	case LimitSpend:
		h.limits.MaxSpend = newMax
	case LimitSeconds:
		h.limits.MaxSeconds = newMax
	}
}

// CheckLimits reports the first crossed ceiling, or nil when all
// accumulators are within bounds. A limit exactly met counts as hit: turn
// N == max_turns routes through the limit hook path, not the normal
// step-finish path. The proposed raise is 50% over the current ceiling.
func (h *Harness) CheckLimits() *LimitHit {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.limits.MaxTurns > 0 && h.cost.Turns >= h.limits.MaxTurns {
		return proposed(LimitTurns, float64(h.cost.Turns), float64(h.limits.MaxTurns))
	}
	if h.limits.MaxTokens > 0 && h.cost.InputTokens+h.cost.OutputTokens >= h.limits.MaxTokens {
		return proposed(LimitTokens, float64(h.cost.InputTokens+h.cost.OutputTokens), float64(h.limits.MaxTokens))
	}
	if h.limits.MaxSpend > 0 && h.cost.Spend >= h.limits.MaxSpend {
		return proposed(LimitSpend, h.cost.Spend, h.limits.MaxSpend)
	}
	if h.limits.MaxSeconds > 0 && time.Since(h.started).Seconds() >= h.limits.MaxSeconds {
		return proposed(LimitSeconds, time.Since(h.started).Seconds(), h.limits.MaxSeconds)
	}
	return nil
}

func proposed(code LimitCode, current, max float64) *LimitHit {
	return &LimitHit{Code: code, Current: current, Max: max, ProposedMax: max * 1.5}
}

// HookRules returns the thread's hook rule list.
func (h *Harness) HookRules() []models.HookRule {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hookRules
}

// Snapshot captures the harness state for checkpointing.
type Snapshot struct {
	Cost        models.CostTotals `json:"cost"`
	Limits      models.Limits     `json:"limits"`
	StartedAt   time.Time         `json:"started_at"`
	HookRules   []models.HookRule `json:"hook_rules,omitempty"`
	ErrorCounts map[Category]int  `json:"error_counts,omitempty"`
	Retries     int               `json:"retries,omitempty"`
}

// Snapshot returns a copy of the serializable state.
func (h *Harness) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	counts := make(map[Category]int, len(h.errorCounts))
	for k, v := range h.errorCounts {
		counts[k] = v
	}
	return Snapshot{
		Cost:        h.cost,
		Limits:      h.limits,
		StartedAt:   h.started,
		HookRules:   h.hookRules,
		ErrorCounts: counts,
		Retries:     h.retries,
	}
}

// Restore rebuilds a harness from a checkpoint snapshot. The original start
// time is retained so wall-clock limits span suspensions.
func Restore(s Snapshot) *Harness {
	h := New(s.Limits, s.HookRules)
	h.cost = s.Cost
	if !s.StartedAt.IsZero() {
		h.started = s.StartedAt
	}
	if s.ErrorCounts != nil {
		h.errorCounts = s.ErrorCounts
	}
	h.retries = s.Retries
	return h
}
