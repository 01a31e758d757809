package models

// HookEvent identifies the lifecycle point a hook rule listens on.
type HookEvent string

const (
	HookThreadStarted   HookEvent = "thread_started"
	HookStepStart       HookEvent = "step_start"
	HookAfterStep       HookEvent = "after_step"
	HookAfterComplete   HookEvent = "after_complete"
	HookError           HookEvent = "error"
	HookLimit           HookEvent = "limit"
	HookContextPressure HookEvent = "context_window_pressure"
	HookDirectiveReturn HookEvent = "directive_return"
	HookGraphStarted    HookEvent = "graph_started"
	HookGraphCompleted  HookEvent = "graph_completed"
)

// HookAction is what the runner does when a hook rule fires.
type HookAction string

const (
	// ActionRetry re-runs the failed step up to the rule's max attempts.
	ActionRetry HookAction = "retry"
	// ActionFail terminates the thread with status error.
	ActionFail HookAction = "fail"
	// ActionAbort terminates without running cleanup hooks.
	ActionAbort HookAction = "abort"
	// ActionContinue swallows the signal; only valid for non-critical events.
	ActionContinue HookAction = "continue"
	// ActionEscalate writes an approval request and suspends until answered.
	ActionEscalate HookAction = "escalate"
	// ActionCallDirective runs another directive in-line within the current
	// capability envelope and uses its structured return as the hook result.
	ActionCallDirective HookAction = "call_directive"
	// ActionSuspend serializes state and exits the loop with status suspended.
	ActionSuspend HookAction = "suspend"
	// ActionEmitEvent writes a custom transcript event and continues.
	ActionEmitEvent HookAction = "emit_event"
)

// HookLayer scopes where a rule was declared. Lower layers evaluate first;
// later layers can override by priority.
type HookLayer string

const (
	LayerSystem    HookLayer = "system"
	LayerProject   HookLayer = "project"
	LayerDirective HookLayer = "directive"
)

// layerOrder ranks layers for merge ordering.
var layerOrder = map[HookLayer]int{
	LayerSystem:    0,
	LayerProject:   1,
	LayerDirective: 2,
}

// Rank returns the merge rank of the layer (system first).
func (l HookLayer) Rank() int { return layerOrder[l] }

// HookRule is one declarative {event, condition, action} policy entry.
type HookRule struct {
	Event     HookEvent  `json:"event" yaml:"event"`
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	Action    HookAction `json:"action" yaml:"action"`
	Priority  int        `json:"priority,omitempty" yaml:"priority,omitempty"`
	Layer     HookLayer  `json:"layer,omitempty" yaml:"layer,omitempty"`

	// Params carries action-specific settings: retry max_attempts/backoff_ms,
	// escalate prompt/timeout_seconds, call_directive directive/inputs,
	// emit_event type/payload, continue/limit new ceilings.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// ConditionOp is a typed comparison operator. Operator-type mismatches
// evaluate to false, never to an error.
type ConditionOp string

const (
	OpEq         ConditionOp = "eq"
	OpNe         ConditionOp = "ne"
	OpGt         ConditionOp = "gt"
	OpGte        ConditionOp = "gte"
	OpLt         ConditionOp = "lt"
	OpLte        ConditionOp = "lte"
	OpIn         ConditionOp = "in"
	OpContains   ConditionOp = "contains"
	OpStartsWith ConditionOp = "starts_with"
	OpEndsWith   ConditionOp = "ends_with"
	OpRegex      ConditionOp = "regex"
	OpExists     ConditionOp = "exists"
)

// Condition is either a single {path, op, value} clause or a combinator
// over sub-conditions. Exactly one of the clause form, All, Any, or Not
// should be populated.
type Condition struct {
	Path  string      `json:"path,omitempty" yaml:"path,omitempty"`
	Op    ConditionOp `json:"op,omitempty" yaml:"op,omitempty"`
	Value any         `json:"value,omitempty" yaml:"value,omitempty"`

	All []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any []Condition `json:"any,omitempty" yaml:"any,omitempty"`
	Not *Condition  `json:"not,omitempty" yaml:"not,omitempty"`
}
