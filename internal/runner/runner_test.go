package runner

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rye-run/rye/internal/approval"
	"github.com/rye-run/rye/internal/budget"
	"github.com/rye-run/rye/internal/capability"
	"github.com/rye-run/rye/internal/checkpoint"
	"github.com/rye-run/rye/internal/config"
	"github.com/rye-run/rye/internal/directive"
	"github.com/rye-run/rye/internal/dispatch"
	"github.com/rye-run/rye/internal/harness"
	"github.com/rye-run/rye/internal/provider"
	"github.com/rye-run/rye/internal/registry"
	"github.com/rye-run/rye/internal/transcript"
	"github.com/rye-run/rye/pkg/models"
)

type env struct {
	runner  *Runner
	deps    Deps
	fake    *provider.Fake
	projDir string
	cfg     *config.Config
	reg     *registry.Registry
	ledger  *budget.Ledger
}

type fakePrimitive struct {
	result *dispatch.Result
}

func (p *fakePrimitive) Execute(_ context.Context, _ []*dispatch.ToolSpec, params map[string]any, _ time.Duration) (*dispatch.Result, error) {
	if p.result != nil {
		return p.result, nil
	}
	return &dispatch.Result{OK: true, Data: params}, nil
}

func newEnv(t *testing.T, turns ...provider.Turn) *env {
	t.Helper()
	root := t.TempDir()
	projDir := filepath.Join(root, "proj")
	for _, sub := range []string{"directives", "tools"} {
		if err := os.MkdirAll(filepath.Join(projDir, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	kr, err := capability.NewEphemeralKeyring()
	if err != nil {
		t.Fatal(err)
	}
	reg, err := registry.Open(filepath.Join(root, "registry.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	led, err := budget.Open(filepath.Join(root, "budget.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { led.Close() })

	cfg := config.DefaultConfig()
	cfg.StateDir = filepath.Join(root, "threads")
	cfg.ProjectDir = projDir

	fake := provider.NewFake(turns...)
	// Pressure checks are exercised in the continuation package; keep the
	// loop deterministic here.
	fake.Window = 0

	store := directive.NewStore(directive.SpaceDir{Space: models.SpaceProject, Dir: projDir})
	disp := dispatch.New(kr, dispatch.DefaultConfig(),
		dispatch.SpaceDir{Space: models.SpaceProject, Dir: projDir, AllowUnsigned: true})
	disp.WithPrimitive("subprocess", &fakePrimitive{})

	deps := Deps{
		Config:     cfg,
		Keyring:    kr,
		Registry:   reg,
		Ledger:     led,
		Store:      store,
		Dispatcher: disp,
		Provider:   fake,
	}
	r, err := New(deps)
	if err != nil {
		t.Fatal(err)
	}
	return &env{runner: r, deps: deps, fake: fake, projDir: projDir, cfg: cfg, reg: reg, ledger: led}
}

func (e *env) writeDirective(t *testing.T, name, body string) {
	t.Helper()
	path := filepath.Join(e.projDir, "directives", name+".yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *env) writeTool(t *testing.T, name, body string) {
	t.Helper()
	path := filepath.Join(e.projDir, "tools", name+".yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *env) events(t *testing.T, threadID string) []models.TranscriptEvent {
	t.Helper()
	events, err := transcript.Replay(filepath.Join(e.cfg.ThreadDir(threadID), transcript.JournalName))
	if err != nil {
		t.Fatal(err)
	}
	return events
}

func eventTypes(events []models.TranscriptEvent) map[models.EventType]int {
	counts := map[models.EventType]int{}
	for _, ev := range events {
		counts[ev.Type]++
	}
	return counts
}

const greetYAML = `
name: greet
description: Produce a greeting.
outputs:
  message: the greeting text
`

func TestRunCompletesAndExtractsOutputs(t *testing.T) {
	env := newEnv(t, provider.Turn{
		Text:  `Done. {"message": "hello"}`,
		Usage: models.Usage{InputTokens: 10, OutputTokens: 5, Spend: 0.01},
	})
	env.writeDirective(t, "greet", greetYAML)

	res, err := env.runner.Run(context.Background(), Params{Directive: "greet"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if res.Outputs["message"] != "hello" {
		t.Errorf("outputs = %+v", res.Outputs)
	}
	if res.ParseError != "" {
		t.Errorf("unexpected parse error: %s", res.ParseError)
	}

	row, err := env.reg.Get(res.ThreadID)
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != models.StatusCompleted || row.Cost.Turns != 1 {
		t.Errorf("registry row = %s turns=%d", row.Status, row.Cost.Turns)
	}

	counts := eventTypes(env.events(t, res.ThreadID))
	for _, typ := range []models.EventType{
		models.EventThreadStarted, models.EventStepStart, models.EventCognitionOut,
		models.EventStepFinish, models.EventThreadCompleted,
	} {
		if counts[typ] == 0 {
			t.Errorf("missing %s event", typ)
		}
	}
}

func TestRunOutputParseFailureDoesNotFailThread(t *testing.T) {
	env := newEnv(t, provider.Turn{Text: "I am done but forgot the JSON."})
	env.writeDirective(t, "greet", greetYAML)

	res, err := env.runner.Run(context.Background(), Params{Directive: "greet"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if res.ParseError == "" {
		t.Error("expected a parse error")
	}
	if res.Outputs != nil {
		t.Errorf("outputs = %+v, want nil", res.Outputs)
	}

	// The registry surfaces it as parse_error, not as a thread error.
	stored, err := env.reg.Result(res.ThreadID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ParseError == "" || stored.Error != "" {
		t.Errorf("stored result = %+v", stored)
	}
}

func TestRunToolCallRoundTrip(t *testing.T) {
	env := newEnv(t,
		provider.Turn{ToolCalls: []models.ToolCall{
			{CallID: "call_1", Name: "echo", Input: json.RawMessage(`{"x": 1}`)},
		}},
		provider.Turn{Text: `{"message": "saw it"}`},
	)
	env.writeDirective(t, "fetcher", `
name: fetcher
description: Calls the echo tool.
permissions:
  execute: [tool.echo]
outputs:
  message: what happened
`)
	env.writeTool(t, "echo", `
name: echo
description: Echo params back.
executor_id: subprocess
`)

	res, err := env.runner.Run(context.Background(), Params{Directive: "fetcher"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}

	// The tool result envelope reached the model on the second turn.
	var toolMsg *models.ChatMessage
	for i, m := range env.fake.LastRequest.Messages {
		if m.Role == models.RoleTool {
			toolMsg = &env.fake.LastRequest.Messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool message in second request")
	}
	if toolMsg.ToolCallID != "call_1" || !strings.Contains(toolMsg.Content, `"x":1`) {
		t.Errorf("tool message = %+v", toolMsg)
	}

	counts := eventTypes(env.events(t, res.ThreadID))
	if counts[models.EventToolCallStart] != 1 || counts[models.EventToolCallResult] != 1 {
		t.Errorf("tool events = %+v", counts)
	}
}

func TestRunDenialIsToolResultNotThreadFailure(t *testing.T) {
	env := newEnv(t,
		provider.Turn{ToolCalls: []models.ToolCall{
			{CallID: "call_1", Name: "echo", Input: json.RawMessage(`{}`)},
		}},
		provider.Turn{Text: `{"message": "adjusted"}`},
	)
	// No permissions: every dispatch is denied.
	env.writeDirective(t, "greet", greetYAML)

	res, err := env.runner.Run(context.Background(), Params{Directive: "greet"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed despite denial", res.Status)
	}

	var denial *models.ToolCallResultPayload
	for _, ev := range env.events(t, res.ThreadID) {
		if ev.Type == models.EventToolCallResult {
			var p models.ToolCallResultPayload
			if err := ev.DecodePayload(&p); err != nil {
				t.Fatal(err)
			}
			denial = &p
		}
	}
	if denial == nil || !strings.Contains(denial.Error, "permission denied") {
		t.Errorf("denial payload = %+v", denial)
	}
}

func TestRunLimitDefaultsToSuspend(t *testing.T) {
	env := newEnv(t,
		provider.Turn{ToolCalls: []models.ToolCall{
			{CallID: "call_1", Name: "echo", Input: json.RawMessage(`{}`)},
		}},
	)
	env.writeDirective(t, "bounded", `
name: bounded
description: One turn only.
limits:
  max_turns: 1
permissions:
  execute: [tool.echo]
`)
	env.writeTool(t, "echo", `
name: echo
executor_id: subprocess
`)

	res, err := env.runner.Run(context.Background(), Params{Directive: "bounded"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusSuspended {
		t.Fatalf("status = %s, want suspended", res.Status)
	}

	st, err := checkpoint.Load(env.cfg.ThreadDir(res.ThreadID))
	if err != nil {
		t.Fatal(err)
	}
	if st == nil || st.SuspendReason != "limit:max_turns" {
		t.Errorf("checkpoint = %+v", st)
	}
	row, _ := env.reg.Get(res.ThreadID)
	if row.Status != models.StatusSuspended {
		t.Errorf("registry status = %s", row.Status)
	}
}

func TestRunLimitHookContinueRaisesCeiling(t *testing.T) {
	env := newEnv(t,
		provider.Turn{ToolCalls: []models.ToolCall{
			{CallID: "call_1", Name: "echo", Input: json.RawMessage(`{}`)},
		}},
		provider.Turn{Text: `{"message": "done"}`},
	)
	env.writeDirective(t, "stretchy", `
name: stretchy
description: Raises its own turn limit.
limits:
  max_turns: 1
permissions:
  execute: [tool.echo]
hooks:
  - event: limit
    action: continue
    params:
      new_max: 5
outputs:
  message: result
`)
	env.writeTool(t, "echo", `
name: echo
executor_id: subprocess
`)

	res, err := env.runner.Run(context.Background(), Params{Directive: "stretchy"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	if res.Cost.Turns != 2 {
		t.Errorf("turns = %d, want 2", res.Cost.Turns)
	}
}

func TestRunEscalateSuspendsAndResumeCompletes(t *testing.T) {
	env := newEnv(t,
		provider.Turn{
			ToolCalls: []models.ToolCall{{CallID: "call_1", Name: "echo", Input: json.RawMessage(`{}`)}},
			Usage:     models.Usage{Spend: 0.12},
		},
		provider.Turn{Text: `{"message": "finished"}`, Usage: models.Usage{Spend: 0.01}},
	)
	env.writeDirective(t, "spender", `
name: spender
description: Spends into its ceiling.
limits:
  max_spend: 0.1
permissions:
  execute: [tool.echo]
hooks:
  - event: limit
    action: escalate
outputs:
  message: result
`)
	env.writeTool(t, "echo", `
name: echo
executor_id: subprocess
`)

	ctx := context.Background()
	res, err := env.runner.Run(ctx, Params{Directive: "spender"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusSuspended {
		t.Fatalf("status = %s, want suspended", res.Status)
	}

	threadDir := env.cfg.ThreadDir(res.ThreadID)
	pending, err := approval.Pending(threadDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Kind != "limit_escalation" {
		t.Fatalf("pending = %+v", pending)
	}
	counts := eventTypes(env.events(t, res.ThreadID))
	if counts[models.EventLimitEscalationRequested] != 1 {
		t.Errorf("events = %+v", counts)
	}

	if _, err := approval.Respond(threadDir, pending[0].ID, true, "approved"); err != nil {
		t.Fatal(err)
	}
	resumed, err := env.runner.Resume(ctx, res.ThreadID, "operator")
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != models.StatusCompleted {
		t.Fatalf("resumed status = %s (%s)", resumed.Status, resumed.Error)
	}
	if resumed.Outputs["message"] != "finished" {
		t.Errorf("outputs = %+v", resumed.Outputs)
	}
}

func TestRunRetriesTransientError(t *testing.T) {
	env := newEnv(t,
		provider.Turn{Err: errors.New("connection reset by peer")},
		provider.Turn{Text: `{"message": "recovered"}`},
	)
	env.writeDirective(t, "greet", greetYAML)

	res, err := env.runner.Run(context.Background(), Params{Directive: "greet"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}

	counts := eventTypes(env.events(t, res.ThreadID))
	if counts[models.EventErrorClassified] != 1 || counts[models.EventRetrySucceeded] != 1 {
		t.Errorf("events = %+v", counts)
	}
}

func TestRunPermanentErrorFailsThread(t *testing.T) {
	env := newEnv(t, provider.Turn{Err: errors.New("invalid api key")})
	env.writeDirective(t, "greet", greetYAML)

	res, err := env.runner.Run(context.Background(), Params{Directive: "greet"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	if env.fake.Calls() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent)", env.fake.Calls())
	}

	row, _ := env.reg.Get(res.ThreadID)
	if row.Status != models.StatusError || row.StatusReason != "permanent" {
		t.Errorf("row = %s/%s", row.Status, row.StatusReason)
	}
	counts := eventTypes(env.events(t, res.ThreadID))
	if counts[models.EventThreadError] != 1 {
		t.Errorf("events = %+v", counts)
	}
}

func TestRunGraphDirectiveSkipsLLM(t *testing.T) {
	env := newEnv(t)
	env.writeDirective(t, "counter", `
name: counter
description: Deterministic count.
permissions:
  execute: [tool.fetch_count]
graph:
  start: fetch
  nodes:
    fetch:
      action: tool/fetch_count
      assign:
        count: ${result.count}
      edges:
        - next: finish
    finish:
      assign:
        count: ${state.count}
      return: true
`)
	env.writeTool(t, "fetch_count", `
name: fetch_count
executor_id: subprocess
`)
	env.deps.Dispatcher.WithPrimitive("subprocess", &fakePrimitive{
		result: &dispatch.Result{OK: true, Data: map[string]any{"count": 7}},
	})

	res, err := env.runner.Run(context.Background(), Params{Directive: "counter"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	if res.Outputs["count"] != 7 {
		t.Errorf("outputs = %+v", res.Outputs)
	}
	if env.fake.Calls() != 0 {
		t.Errorf("LLM called %d times during graph walk", env.fake.Calls())
	}
	counts := eventTypes(env.events(t, res.ThreadID))
	if counts[models.EventGraphStep] == 0 || counts[models.EventThreadCompleted] != 1 {
		t.Errorf("events = %+v", counts)
	}
}

func TestSpawnToolInjectsParentContext(t *testing.T) {
	env := newEnv(t,
		provider.Turn{ToolCalls: []models.ToolCall{{
			CallID: "call_1",
			Name:   "spawn_thread",
			Input:  json.RawMessage(`{"directive": "child", "inputs": {"topic": "go"}}`),
		}}},
		provider.Turn{Text: `{"message": "spawned"}`},
	)
	env.writeDirective(t, "parent", `
name: parent
description: Delegates work.
permissions:
  execute: [tool.spawn_thread]
outputs:
  message: result
`)

	var captured SpawnRequest
	env.deps.Spawn = func(_ context.Context, req SpawnRequest) (string, *models.ThreadResult, error) {
		captured = req
		return "child-1", &models.ThreadResult{
			ThreadID: "child-1",
			Status:   models.StatusCompleted,
			Outputs:  map[string]any{"answer": 42},
		}, nil
	}
	r, err := New(env.deps)
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.Run(context.Background(), Params{Directive: "parent"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}

	if captured.Directive != "child" || captured.Depth != 1 {
		t.Errorf("spawn request = %+v", captured)
	}
	if captured.Inputs["topic"] != "go" {
		t.Errorf("child inputs = %+v", captured.Inputs)
	}
	parentCtx, ok := captured.Inputs["_parent"].(map[string]any)
	if !ok || parentCtx["thread_id"] != res.ThreadID {
		t.Errorf("parent context = %+v", captured.Inputs["_parent"])
	}
	counts := eventTypes(env.events(t, res.ThreadID))
	if counts[models.EventChildThreadStarted] != 1 {
		t.Errorf("events = %+v", counts)
	}
}

func TestRunReportsActualSpendToParentBudget(t *testing.T) {
	env := newEnv(t, provider.Turn{
		Text:  `{"message": "cheap"}`,
		Usage: models.Usage{Spend: 0.25},
	})
	env.writeDirective(t, "greet", greetYAML)
	if err := env.ledger.CreateBudget("parent-1", 10.0); err != nil {
		t.Fatal(err)
	}

	res, err := env.runner.Run(context.Background(), Params{
		Directive: "greet",
		ParentID:  "parent-1",
		Depth:     1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}

	// Reservation committed at actual spend; unspent headroom returned.
	remaining, err := env.ledger.Remaining("parent-1")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(remaining-9.75) > 1e-9 {
		t.Errorf("remaining = %v, want 9.75", remaining)
	}
	resv, err := env.ledger.Get(res.ThreadID)
	if err != nil {
		t.Fatal(err)
	}
	if resv.State != budget.StateReported || math.Abs(resv.Actual-0.25) > 1e-9 {
		t.Errorf("reservation = %+v", resv)
	}
}

func TestRunValidatesInputsBeforeAnyState(t *testing.T) {
	env := newEnv(t)
	env.writeDirective(t, "strict", `
name: strict
description: Requires a topic.
inputs:
  - name: topic
    type: string
    required: true
`)
	_, err := env.runner.Run(context.Background(), Params{Directive: "strict"})
	if err == nil {
		t.Fatal("expected input validation error")
	}
	rows, err := env.reg.ListAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("registry rows = %d, want 0", len(rows))
	}
}

// funcPrimitive runs a callback when executed, for tests that need a side
// effect mid-turn.
type funcPrimitive struct{ fn func() }

func (p *funcPrimitive) Execute(context.Context, []*dispatch.ToolSpec, map[string]any, time.Duration) (*dispatch.Result, error) {
	p.fn()
	return &dispatch.Result{OK: true}, nil
}

// stubCounter reports a fixed context pressure.
type stubCounter struct{ pressure float64 }

func (s stubCounter) Pressure(string, int, []models.ChatMessage) (float64, error) {
	return s.pressure, nil
}

func TestRunForfeitsReservationWhenSetupFails(t *testing.T) {
	env := newEnv(t)
	env.writeDirective(t, "greet", greetYAML)
	if err := env.ledger.CreateBudget("parent-1", 10.0); err != nil {
		t.Fatal(err)
	}
	// Occupy the thread id so registration fails after the reservation.
	if err := env.reg.Create(&models.Thread{ThreadID: "greet-dup", Directive: "greet"}); err != nil {
		t.Fatal(err)
	}

	_, err := env.runner.Run(context.Background(), Params{
		Directive: "greet",
		ThreadID:  "greet-dup",
		ParentID:  "parent-1",
		Depth:     1,
	})
	if err == nil {
		t.Fatal("expected registration failure")
	}

	resv, err := env.ledger.Get("greet-dup")
	if err != nil {
		t.Fatal(err)
	}
	if resv.State != budget.StateForfeited {
		t.Errorf("reservation state = %s, want forfeited", resv.State)
	}
	remaining, err := env.ledger.Remaining("parent-1")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(remaining-10.0) > 1e-9 {
		t.Errorf("remaining = %v, want 10.0", remaining)
	}
}

func TestRunCancellationForfeitsChildReservations(t *testing.T) {
	env := newEnv(t,
		provider.Turn{ToolCalls: []models.ToolCall{
			{CallID: "call_1", Name: "echo", Input: json.RawMessage(`{}`)},
		}},
		provider.Turn{Err: context.Canceled},
	)
	env.writeDirective(t, "canceller", `
name: canceller
description: Gets cancelled mid-flight.
limits:
  max_spend: 1.0
permissions:
  execute: [tool.echo]
`)
	env.writeTool(t, "echo", `
name: echo
executor_id: subprocess
`)
	// The tool reserves a child line against the running thread's budget, as
	// a spawn would, so cancellation has something to hand back.
	env.deps.Dispatcher.WithPrimitive("subprocess", &funcPrimitive{fn: func() {
		if err := env.ledger.Reserve("canceller-1", "child-x", 0.5); err != nil {
			t.Error(err)
		}
	}})

	res, err := env.runner.Run(context.Background(), Params{Directive: "canceller", ThreadID: "canceller-1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}

	resv, err := env.ledger.Get("child-x")
	if err != nil {
		t.Fatal(err)
	}
	if resv.State != budget.StateForfeited {
		t.Errorf("child reservation state = %s, want forfeited", resv.State)
	}
}

func TestRunErrorHookRetryRerunsStep(t *testing.T) {
	env := newEnv(t,
		provider.Turn{Err: errors.New("invalid api key")},
		provider.Turn{Text: `{"message": "second wind"}`},
	)
	env.writeDirective(t, "stubborn", `
name: stubborn
description: Retries even permanent errors by policy.
hooks:
  - event: error
    action: retry
    params:
      max_attempts: 2
outputs:
  message: result
`)

	res, err := env.runner.Run(context.Background(), Params{Directive: "stubborn"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	if env.fake.Calls() != 2 {
		t.Errorf("calls = %d, want 2 (hook re-ran the step)", env.fake.Calls())
	}
	if res.Outputs["message"] != "second wind" {
		t.Errorf("outputs = %+v", res.Outputs)
	}
}

func TestRunErrorHookContinueIsBounded(t *testing.T) {
	env := newEnv(t,
		provider.Turn{Err: errors.New("invalid api key")},
		provider.Turn{Err: errors.New("invalid api key")},
		provider.Turn{Err: errors.New("invalid api key")},
		provider.Turn{Err: errors.New("invalid api key")},
	)
	env.writeDirective(t, "optimist", `
name: optimist
description: Continues past failures.
hooks:
  - event: error
    action: continue
`)

	res, err := env.runner.Run(context.Background(), Params{Directive: "optimist"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusError {
		t.Fatalf("status = %s, want error after the continue budget runs out", res.Status)
	}
	// Initial attempt plus three continues; the fourth failure terminates.
	if env.fake.Calls() != 4 {
		t.Errorf("calls = %d, want 4", env.fake.Calls())
	}
}

func TestRunStepStartHookEmitsCustomEvent(t *testing.T) {
	env := newEnv(t, provider.Turn{Text: `{"message": "done"}`})
	env.writeDirective(t, "audited", `
name: audited
description: Announces every step.
hooks:
  - event: step_start
    action: emit_event
    params:
      type: audit_step
outputs:
  message: result
`)

	res, err := env.runner.Run(context.Background(), Params{Directive: "audited"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}

	var custom map[string]any
	for _, ev := range env.events(t, res.ThreadID) {
		if ev.Type == models.EventCustom {
			if err := ev.DecodePayload(&custom); err != nil {
				t.Fatal(err)
			}
		}
	}
	if custom == nil || custom["event_type"] != "audit_step" {
		t.Errorf("custom event payload = %+v", custom)
	}
}

func TestRunThreadStartedHookCallsDirective(t *testing.T) {
	env := newEnv(t, provider.Turn{Text: `{"message": "done"}`})
	env.writeDirective(t, "main", `
name: main
description: Runs a preflight before the first turn.
hooks:
  - event: thread_started
    action: call_directive
    params:
      directive: preflight
outputs:
  message: result
`)

	var captured SpawnRequest
	env.deps.Spawn = func(_ context.Context, req SpawnRequest) (string, *models.ThreadResult, error) {
		captured = req
		return "preflight-1", &models.ThreadResult{
			ThreadID: "preflight-1",
			Status:   models.StatusCompleted,
			Outputs:  map[string]any{"ok": true},
		}, nil
	}
	r, err := New(env.deps)
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.Run(context.Background(), Params{Directive: "main"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	if captured.Directive != "preflight" || captured.ParentID != res.ThreadID || captured.Depth != 1 {
		t.Errorf("spawn request = %+v", captured)
	}

	// The preflight's structured return reached the model.
	var seen bool
	for _, m := range env.fake.LastRequest.Messages {
		if strings.Contains(m.Content, "preflight returned") {
			seen = true
		}
	}
	if !seen {
		t.Error("hook directive return not injected into the conversation")
	}
}

func TestRunLimitHookEmitEventStillSuspends(t *testing.T) {
	env := newEnv(t,
		provider.Turn{ToolCalls: []models.ToolCall{
			{CallID: "call_1", Name: "echo", Input: json.RawMessage(`{}`)},
		}},
	)
	env.writeDirective(t, "noisy", `
name: noisy
description: Notes its limit hit, then stops.
limits:
  max_turns: 1
permissions:
  execute: [tool.echo]
hooks:
  - event: limit
    action: emit_event
    params:
      type: limit_noticed
`)
	env.writeTool(t, "echo", `
name: echo
executor_id: subprocess
`)

	res, err := env.runner.Run(context.Background(), Params{Directive: "noisy"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusSuspended {
		t.Fatalf("status = %s, want suspended", res.Status)
	}
	counts := eventTypes(env.events(t, res.ThreadID))
	if counts[models.EventCustom] != 1 || counts[models.EventLimitEscalationRequested] != 1 {
		t.Errorf("events = %+v", counts)
	}
}

func TestRunInterruptedStreamPreservesReasoning(t *testing.T) {
	env := newEnv(t,
		provider.Turn{
			Reasoning: "considering two approaches",
			Text:      "partial draft",
			Err:       errors.New("connection reset by peer"),
		},
		provider.Turn{Text: `{"message": "ok"}`},
	)
	env.writeDirective(t, "greet", greetYAML)

	res, err := env.runner.Run(context.Background(), Params{Directive: "greet"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}

	var interrupted *models.CognitionReasoningPayload
	var partial *models.CognitionOutPayload
	for _, ev := range env.events(t, res.ThreadID) {
		switch ev.Type {
		case models.EventCognitionReasoning:
			var p models.CognitionReasoningPayload
			if err := ev.DecodePayload(&p); err != nil {
				t.Fatal(err)
			}
			if p.WasInterrupted {
				interrupted = &p
			}
		case models.EventCognitionOut:
			var p models.CognitionOutPayload
			if err := ev.DecodePayload(&p); err != nil {
				t.Fatal(err)
			}
			if p.IsPartial {
				partial = &p
			}
		}
	}
	if interrupted == nil || interrupted.Text != "considering two approaches" || !interrupted.IsPartial {
		t.Errorf("interrupted reasoning = %+v", interrupted)
	}
	if partial == nil || partial.Text != "partial draft" || !partial.Truncated {
		t.Errorf("partial cognition = %+v", partial)
	}
}

func TestRunPressureHookOverridesCompaction(t *testing.T) {
	env := newEnv(t)
	env.writeDirective(t, "pressured", `
name: pressured
description: Owns its own pressure handling.
hooks:
  - event: context_window_pressure
    action: continue
`)
	d, _, err := env.deps.Store.Resolve("pressured")
	if err != nil {
		t.Fatal(err)
	}
	e, err := env.runner.newExecution(d, Params{Directive: "pressured"}, "pressured-1", nil,
		harness.New(env.cfg.LimitsFor(d), d.Hooks), nil, "fake-model")
	if err != nil {
		t.Fatal(err)
	}
	e.window = 100
	e.cm.Estimator = stubCounter{pressure: 0.85}
	for i := 0; i < 10; i++ {
		e.messages = append(e.messages, models.ChatMessage{Role: models.RoleUser, Content: "filler"})
	}

	res, terminal, err := e.checkPressure(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if terminal || res != nil {
		t.Fatalf("checkPressure = %+v terminal=%v", res, terminal)
	}
	if env.fake.Calls() != 0 {
		t.Error("compaction summarized despite continue rule")
	}
	if len(e.messages) != 10 {
		t.Errorf("messages = %d, want 10 (no pruning)", len(e.messages))
	}
}

func TestHandoffInvokesSummaryDirective(t *testing.T) {
	env := newEnv(t)
	env.writeDirective(t, "longtask", `
name: longtask
description: Long-running work.
`)
	env.writeDirective(t, "thread_summary", `
name: thread_summary
description: Summarize a thread transcript.
inputs:
  - name: transcript
    type: string
outputs:
  summary: working-state summary
`)

	var spawns []SpawnRequest
	env.deps.Spawn = func(_ context.Context, req SpawnRequest) (string, *models.ThreadResult, error) {
		spawns = append(spawns, req)
		if req.Directive == "thread_summary" {
			return "thread_summary-1", &models.ThreadResult{
				ThreadID: "thread_summary-1",
				Status:   models.StatusCompleted,
				Outputs:  map[string]any{"summary": "halfway through the work"},
			}, nil
		}
		// The successor row must exist before the chain link is written.
		if err := env.reg.Create(&models.Thread{
			ThreadID:       "longtask-2",
			Directive:      "longtask",
			ContinuationOf: "longtask-1",
		}); err != nil {
			t.Fatal(err)
		}
		return "longtask-2", nil, nil
	}
	r, err := New(env.deps)
	if err != nil {
		t.Fatal(err)
	}

	if err := env.reg.Create(&models.Thread{ThreadID: "longtask-1", Directive: "longtask"}); err != nil {
		t.Fatal(err)
	}
	d, _, err := env.deps.Store.Resolve("longtask")
	if err != nil {
		t.Fatal(err)
	}
	e, err := r.newExecution(d, Params{Directive: "longtask"}, "longtask-1", nil,
		harness.New(env.cfg.LimitsFor(d), d.Hooks), nil, "fake-model")
	if err != nil {
		t.Fatal(err)
	}
	e.window = 100
	e.cm.Estimator = stubCounter{pressure: 0.95}
	e.messages = []models.ChatMessage{{Role: models.RoleUser, Content: "do the work"}}

	res, terminal, err := e.checkPressure(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !terminal || res == nil || res.Status != models.StatusCompleted {
		t.Fatalf("handoff result = %+v terminal=%v", res, terminal)
	}

	if len(spawns) != 2 || spawns[0].Directive != "thread_summary" {
		t.Fatalf("spawns = %+v", spawns)
	}
	if spawns[0].ParentID != "longtask-1" {
		t.Errorf("summary parent = %s", spawns[0].ParentID)
	}
	succ := spawns[1]
	if succ.Directive != "longtask" || succ.ContinuationOf != "longtask-1" || succ.Seed != "halfway through the work" {
		t.Errorf("successor request = %+v", succ)
	}

	row, err := env.reg.Get("longtask-1")
	if err != nil {
		t.Fatal(err)
	}
	if row.ContinuationNext != "longtask-2" || row.Status != models.StatusCompleted || row.StatusReason != "continuation" {
		t.Errorf("row = %s/%s next=%s", row.Status, row.StatusReason, row.ContinuationNext)
	}

	// The summary persisted as a signed knowledge artifact.
	data, err := os.ReadFile(filepath.Join(env.cfg.ThreadDir("longtask-1"), "knowledge", "summary.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "halfway through the work") {
		t.Errorf("artifact = %s", data)
	}

	counts := eventTypes(env.events(t, "longtask-1"))
	if counts[models.EventCompactionStart] != 1 || counts[models.EventThreadCompleted] != 1 {
		t.Errorf("events = %+v", counts)
	}
}
