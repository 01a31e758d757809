package models

import (
	"fmt"
	"time"
)

// ThreadStatus is the lifecycle state of a thread.
type ThreadStatus string

const (
	// StatusRunning means the thread loop is executing.
	StatusRunning ThreadStatus = "running"
	// StatusPaused means the thread was paused and may be resumed.
	StatusPaused ThreadStatus = "paused"
	// StatusCompleted means the thread reached a terminal success state.
	StatusCompleted ThreadStatus = "completed"
	// StatusError means the thread terminated with a fatal error.
	StatusError ThreadStatus = "error"
	// StatusSuspended means the thread serialized its state and exited,
	// typically awaiting approval or a raised limit.
	StatusSuspended ThreadStatus = "suspended"
	// StatusCancelled means the thread observed external cancellation.
	StatusCancelled ThreadStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state. Suspended and
// paused threads can be resumed; completed, error and cancelled cannot.
func (s ThreadStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// Space identifies a storage tier for items and threads. Items in
// higher-priority spaces shadow lower ones (project > user > system).
type Space string

const (
	SpaceProject Space = "project"
	SpaceUser    Space = "user"
	SpaceSystem  Space = "system"
)

// CostTotals accumulates the resource usage of a thread.
type CostTotals struct {
	Turns           int     `json:"turns" yaml:"turns"`
	InputTokens     int     `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens    int     `json:"output_tokens" yaml:"output_tokens"`
	Spend           float64 `json:"spend" yaml:"spend"`
	DurationSeconds float64 `json:"duration_seconds" yaml:"duration_seconds"`
}

// Add accumulates another cost total into this one.
func (c *CostTotals) Add(other CostTotals) {
	c.Turns += other.Turns
	c.InputTokens += other.InputTokens
	c.OutputTokens += other.OutputTokens
	c.Spend += other.Spend
	c.DurationSeconds += other.DurationSeconds
}

// Limits are the per-thread safety ceilings. A zero value means unlimited
// for that dimension.
type Limits struct {
	MaxTurns   int     `json:"max_turns" yaml:"max_turns"`
	MaxTokens  int     `json:"max_tokens" yaml:"max_tokens"`
	MaxSpend   float64 `json:"max_spend" yaml:"max_spend"`
	MaxSeconds float64 `json:"max_seconds" yaml:"max_seconds"`
}

// Thread is one execution of one directive: the registry row plus the
// lineage links that tie the thread tree and continuation chains together.
type Thread struct {
	ThreadID         string       `json:"thread_id"`
	Directive        string       `json:"directive"`
	Model            string       `json:"model"`
	Status           ThreadStatus `json:"status"`
	StatusReason     string       `json:"status_reason,omitempty"`
	ParentID         string       `json:"parent_id,omitempty"`
	ChainRootID      string       `json:"chain_root_id,omitempty"`
	ContinuationOf   string       `json:"continuation_of,omitempty"`
	ContinuationNext string       `json:"continuation_next,omitempty"`
	Depth            int          `json:"depth"`
	OriginSpace      Space        `json:"origin_space"`
	PID              int          `json:"pid,omitempty"`

	Cost   CostTotals `json:"cost"`
	Limits Limits     `json:"limits"`

	// Capabilities is the pattern list carried by the thread's token,
	// recorded for observability. The token itself is never persisted here.
	Capabilities []string `json:"capabilities,omitempty"`
	TokenID      string   `json:"token_id,omitempty"`

	Inputs map[string]any `json:"inputs,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewThreadID builds the canonical thread identity: {directive_id}-{epoch}.
// The form is stable, sortable within a directive, and recognizable in logs.
func NewThreadID(directiveID string, now time.Time) string {
	return fmt.Sprintf("%s-%d", directiveID, now.Unix())
}

// ThreadResult is the terminal outcome of a thread as seen by a waiter.
type ThreadResult struct {
	ThreadID   string         `json:"thread_id"`
	Status     ThreadStatus   `json:"status"`
	Cost       CostTotals     `json:"cost"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	ParseError string         `json:"parse_error,omitempty"`
	Error      string         `json:"error,omitempty"`
}
