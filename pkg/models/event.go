package models

import (
	"encoding/json"
	"time"
)

// EventType identifies a transcript event.
type EventType string

const (
	EventThreadStarted   EventType = "thread_started"
	EventThreadCompleted EventType = "thread_completed"
	EventThreadError     EventType = "thread_error"
	EventThreadSuspended EventType = "thread_suspended"
	EventThreadResumed   EventType = "thread_resumed"
	EventThreadCancelled EventType = "thread_cancelled"

	EventStepStart  EventType = "step_start"
	EventStepFinish EventType = "step_finish"

	EventCognitionIn        EventType = "cognition_in"
	EventCognitionOut       EventType = "cognition_out"
	EventCognitionOutDelta  EventType = "cognition_out_delta"
	EventCognitionReasoning EventType = "cognition_reasoning"

	EventToolCallStart    EventType = "tool_call_start"
	EventToolCallProgress EventType = "tool_call_progress"
	EventToolCallResult   EventType = "tool_call_result"

	EventErrorClassified          EventType = "error_classified"
	EventRetrySucceeded           EventType = "retry_succeeded"
	EventLimitEscalationRequested EventType = "limit_escalation_requested"

	EventChildThreadStarted EventType = "child_thread_started"
	EventChildThreadFailed  EventType = "child_thread_failed"

	EventCompactionStart EventType = "context_compaction_start"
	EventCompactionEnd   EventType = "context_compaction_end"

	EventGraphStep EventType = "graph_step"
	EventCustom    EventType = "custom"
)

// Droppable reports whether the event type may be dropped under
// backpressure. Droppable events are best-effort streaming deltas; every
// other event is critical and its append must succeed or the thread fails.
func (t EventType) Droppable() bool {
	switch t {
	case EventCognitionOutDelta, EventCognitionReasoning, EventToolCallProgress:
		return true
	default:
		return false
	}
}

// TranscriptEvent is one line of a thread's append-only journal. Seq is
// strictly monotonic within a thread.
type TranscriptEvent struct {
	Seq       int64     `json:"seq"`
	TS        time.Time `json:"ts"`
	ThreadID  string    `json:"thread_id"`
	Directive string    `json:"directive"`
	Type      EventType `json:"type"`

	// Origin is the producing thread when the event was delegated (e.g. a
	// child surfacing through a parent's journal).
	Origin string `json:"origin,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the payload into out.
func (e *TranscriptEvent) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, out)
}

// ThreadStartedPayload accompanies thread_started.
type ThreadStartedPayload struct {
	Model      string         `json:"model"`
	Provider   string         `json:"provider"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	ThreadMode string         `json:"thread_mode,omitempty"`
}

// ThreadCompletedPayload accompanies thread_completed.
type ThreadCompletedPayload struct {
	Cost   CostTotals `json:"cost"`
	Reason string     `json:"reason,omitempty"`
}

// ThreadSuspendedPayload accompanies thread_suspended.
type ThreadSuspendedPayload struct {
	SuspendReason string     `json:"suspend_reason"`
	Awaiting      string     `json:"awaiting,omitempty"`
	Cost          CostTotals `json:"cost"`
}

// ThreadResumedPayload accompanies thread_resumed.
type ThreadResumedPayload struct {
	ResumedBy             string `json:"resumed_by"`
	PreviousSuspendReason string `json:"previous_suspend_reason,omitempty"`
}

// ThreadCancelledPayload accompanies thread_cancelled.
type ThreadCancelledPayload struct {
	CancelledBy string `json:"cancelled_by"`
	Reason      string `json:"reason,omitempty"`
}

// ThreadErrorPayload accompanies thread_error.
type ThreadErrorPayload struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Retries  int    `json:"retries,omitempty"`
}

// StepStartPayload accompanies step_start.
type StepStartPayload struct {
	TurnNumber int `json:"turn_number"`
}

// TokenCounts is an input/output token pair.
type TokenCounts struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// StepFinishPayload accompanies step_finish.
type StepFinishPayload struct {
	Cost         CostTotals  `json:"cost"`
	Tokens       TokenCounts `json:"tokens"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// CognitionInPayload accompanies cognition_in.
type CognitionInPayload struct {
	Text string `json:"text"`
	Role string `json:"role"`
}

// CognitionOutPayload accompanies cognition_out. When a streaming call is
// interrupted, IsPartial and Truncated are set and Text holds everything
// accumulated so far, so a resume sees what the model had produced.
type CognitionOutPayload struct {
	Text                 string  `json:"text"`
	Model                string  `json:"model,omitempty"`
	IsPartial            bool    `json:"is_partial"`
	Truncated            bool    `json:"truncated,omitempty"`
	Error                string  `json:"error,omitempty"`
	CompletionPercentage float64 `json:"completion_percentage,omitempty"`
}

// CognitionDeltaPayload accompanies cognition_out_delta.
type CognitionDeltaPayload struct {
	Text       string `json:"text"`
	ChunkIndex int    `json:"chunk_index"`
	IsFinal    bool   `json:"is_final,omitempty"`
}

// CognitionReasoningPayload accompanies cognition_reasoning.
type CognitionReasoningPayload struct {
	Text           string `json:"text"`
	IsPartial      bool   `json:"is_partial,omitempty"`
	WasInterrupted bool   `json:"was_interrupted,omitempty"`
}

// ToolCallStartPayload accompanies tool_call_start.
type ToolCallStartPayload struct {
	Tool   string          `json:"tool"`
	CallID string          `json:"call_id"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// ToolCallProgressPayload accompanies tool_call_progress.
type ToolCallProgressPayload struct {
	CallID   string  `json:"call_id"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

// ToolCallResultPayload accompanies tool_call_result. A permission denial is
// a result with Error set, not a thread failure.
type ToolCallResultPayload struct {
	CallID     string          `json:"call_id"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// ErrorClassifiedPayload accompanies error_classified.
type ErrorClassifiedPayload struct {
	ErrorCode string         `json:"error_code"`
	Category  string         `json:"category"`
	Retryable bool           `json:"retryable"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RetrySucceededPayload accompanies retry_succeeded.
type RetrySucceededPayload struct {
	OriginalError string `json:"original_error"`
	RetryCount    int    `json:"retry_count"`
	TotalDelayMs  int64  `json:"total_delay_ms"`
}

// LimitEscalationPayload accompanies limit_escalation_requested.
type LimitEscalationPayload struct {
	LimitCode         string  `json:"limit_code"`
	CurrentValue      float64 `json:"current_value"`
	CurrentMax        float64 `json:"current_max"`
	ProposedMax       float64 `json:"proposed_max"`
	ApprovalRequestID string  `json:"approval_request_id,omitempty"`
}

// ChildThreadStartedPayload accompanies child_thread_started.
type ChildThreadStartedPayload struct {
	ChildThreadID  string `json:"child_thread_id"`
	ChildDirective string `json:"child_directive"`
	ParentThreadID string `json:"parent_thread_id"`
}

// ChildThreadFailedPayload accompanies child_thread_failed.
type ChildThreadFailedPayload struct {
	ChildThreadID string `json:"child_thread_id"`
	Error         string `json:"error"`
}

// CompactionStartPayload accompanies context_compaction_start.
type CompactionStartPayload struct {
	TriggeredBy   string  `json:"triggered_by"`
	PressureRatio float64 `json:"pressure_ratio"`
}

// CompactionEndPayload accompanies context_compaction_end.
type CompactionEndPayload struct {
	Summary         string `json:"summary"`
	PruneBeforeTurn int    `json:"prune_before_turn"`
}
