package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rye-run/rye/internal/approval"
	"github.com/rye-run/rye/internal/budget"
	"github.com/rye-run/rye/internal/capability"
	"github.com/rye-run/rye/internal/checkpoint"
	"github.com/rye-run/rye/internal/continuation"
	"github.com/rye-run/rye/internal/dispatch"
	"github.com/rye-run/rye/internal/graph"
	"github.com/rye-run/rye/internal/harness"
	"github.com/rye-run/rye/internal/hooks"
	"github.com/rye-run/rye/internal/provider"
	"github.com/rye-run/rye/internal/registry"
	"github.com/rye-run/rye/internal/retry"
	"github.com/rye-run/rye/internal/transcript"
	"github.com/rye-run/rye/pkg/models"
)

// compactKeepTail is how many recent messages survive an in-place
// compaction.
const compactKeepTail = 6

// summaryDirective, when installed, produces compaction and handoff
// summaries in-line instead of a raw provider call.
const summaryDirective = "thread_summary"

// knowledgeDir is the per-thread subdirectory holding summary artifacts.
const knowledgeDir = "knowledge"

// errorContinueCap bounds consecutive continue-style recoveries from the
// error hook so a rule cannot loop a thread forever when max_turns is
// unlimited. Rules can lower or raise it with a max_continues param.
const errorContinueCap = 3

// execution is the mutable state of one thread's loop.
type execution struct {
	r *Runner
	d *models.Directive
	p Params

	threadID  string
	threadDir string
	token     *capability.Token
	h         *harness.Harness
	engine    *hooks.Engine
	w         *transcript.Writer
	cm        *continuation.Manager

	system   string
	messages []models.ChatMessage
	inputs   map[string]any
	tools    []models.ToolDef

	turn    int
	model   string
	window  int
	lastSeq int64

	// errRetries and errContinues count consecutive error-hook recoveries;
	// both reset on a successful turn.
	errRetries   int
	errContinues int

	logger *slog.Logger
}

// turnResult is one completed provider turn.
type turnResult struct {
	text      string
	reasoning string
	calls     []models.ToolCall
	usage     models.Usage
	finish    string
}

// emit appends a critical event. A failed append fails the thread.
func (e *execution) emit(ctx context.Context, typ models.EventType, payload any) error {
	seq, err := e.w.Write(ctx, typ, payload)
	if err != nil {
		return fmt.Errorf("transcript append: %w", err)
	}
	e.lastSeq = seq
	return nil
}

// term appends a terminal event best-effort, ignoring context cancellation.
func (e *execution) term(typ models.EventType, payload any) {
	if seq, err := e.w.Write(context.Background(), typ, payload); err == nil {
		e.lastSeq = seq
	}
}

// loop runs turns until a terminal condition.
func (e *execution) loop(ctx context.Context) (*models.ThreadResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return e.cancelled(err)
		}

		if err := e.emit(ctx, models.EventStepStart, models.StepStartPayload{TurnNumber: e.turn + 1}); err != nil {
			return e.fail(err)
		}
		if res, terminal, err := e.fireHook(ctx, models.HookStepStart, map[string]any{
			"step": map[string]any{"turn": e.turn + 1},
		}); err != nil {
			return e.fail(err)
		} else if terminal {
			return res, nil
		}

		tr, err := e.callModel(ctx)
		if err != nil {
			res, cont := e.onTurnError(ctx, err)
			if !cont {
				return res, nil
			}
			continue
		}
		e.errRetries, e.errContinues = 0, 0

		e.messages = append(e.messages, models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   tr.text,
			ToolCalls: tr.calls,
		})
		if err := e.emit(ctx, models.EventCognitionOut, models.CognitionOutPayload{Text: tr.text, Model: e.model}); err != nil {
			return e.fail(err)
		}

		for _, call := range tr.calls {
			if err := e.runToolCall(ctx, call); err != nil {
				return e.fail(err)
			}
		}

		e.h.RecordTurn(tr.usage)
		e.turn++
		cost := e.h.Cost()
		if err := e.emit(ctx, models.EventStepFinish, models.StepFinishPayload{
			Cost:         cost,
			Tokens:       models.TokenCounts{Input: tr.usage.InputTokens, Output: tr.usage.OutputTokens},
			FinishReason: tr.finish,
		}); err != nil {
			return e.fail(err)
		}
		if res, terminal, err := e.fireHook(ctx, models.HookAfterStep, map[string]any{
			"step": map[string]any{"turn": e.turn, "spend": cost.Spend, "finish_reason": tr.finish},
		}); err != nil {
			return e.fail(err)
		} else if terminal {
			return res, nil
		}

		if err := e.saveCheckpoint("", "", nil); err != nil {
			return e.fail(err)
		}

		if hit := e.h.CheckLimits(); hit != nil {
			res, terminal, err := e.onLimit(ctx, hit)
			if err != nil {
				return e.fail(err)
			}
			if terminal {
				return res, nil
			}
		}

		if len(tr.calls) == 0 && tr.finish != "tool_use" && tr.finish != "tool_calls" {
			return e.complete(ctx, tr.text)
		}

		res, terminal, err := e.checkPressure(ctx)
		if err != nil {
			return e.fail(err)
		}
		if terminal {
			return res, nil
		}
	}
}

// callModel streams one turn, retrying under the classified policy. The
// first error is classified and recorded; only retryable categories loop.
func (e *execution) callModel(ctx context.Context) (*turnResult, error) {
	req := &provider.Request{
		Model:    e.model,
		System:   e.system,
		Messages: e.messages,
		Tools:    e.tools,
	}

	tr, err := e.streamOnce(ctx, req, true)
	if err == nil {
		return tr, nil
	}

	cls := e.r.deps.Classifier.Classify(err)
	e.h.RecordError(cls.Category)
	_ = e.emit(ctx, models.EventErrorClassified, models.ErrorClassifiedPayload{
		ErrorCode: cls.Code,
		Category:  string(cls.Category),
		Retryable: cls.Retryable,
	})
	e.flushPartial(ctx, tr, err)
	if !cls.Retryable {
		return nil, err
	}

	firstErr := err
	var out *turnResult
	res := retry.Do(ctx, retry.Config{
		MaxAttempts: cls.Policy.MaxAttempts - 1,
		Initial:     time.Duration(cls.Policy.InitialMs) * time.Millisecond,
		Max:         time.Duration(cls.Policy.MaxMs) * time.Millisecond,
		Factor:      cls.Policy.Factor,
		Jitter:      cls.Policy.Jitter,
	}, func(int) error {
		e.h.RecordRetry()
		t2, err2 := e.streamOnce(ctx, req, true)
		if err2 != nil {
			e.flushPartial(ctx, t2, err2)
			if !e.r.deps.Classifier.Classify(err2).Retryable {
				return retry.Permanent(err2)
			}
			return err2
		}
		out = t2
		return nil
	})
	if res.Err != nil {
		return nil, res.Err
	}
	_ = e.emit(ctx, models.EventRetrySucceeded, models.RetrySucceededPayload{
		OriginalError: firstErr.Error(),
		RetryCount:    res.Attempts,
		TotalDelayMs:  res.TotalDelay.Milliseconds(),
	})
	return out, nil
}

// streamOnce drains one provider stream. With emitDeltas, text and
// reasoning deltas flow to the droppable transcript lane. On error the
// partial accumulation is returned alongside it.
func (e *execution) streamOnce(ctx context.Context, req *provider.Request, emitDeltas bool) (*turnResult, error) {
	ch, err := e.r.deps.Provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	tr := &turnResult{}
	chunk := 0
	for ev := range ch {
		switch {
		case ev.Err != nil:
			return tr, ev.Err
		case ev.TextDelta != "":
			tr.text += ev.TextDelta
			if emitDeltas {
				e.w.WriteDroppable(models.EventCognitionOutDelta, models.CognitionDeltaPayload{Text: ev.TextDelta, ChunkIndex: chunk})
				chunk++
			}
		case ev.Reasoning != "":
			tr.reasoning += ev.Reasoning
			if emitDeltas {
				e.w.WriteDroppable(models.EventCognitionReasoning, models.CognitionReasoningPayload{Text: ev.Reasoning})
			}
		case ev.ToolCall != nil:
			tr.calls = append(tr.calls, *ev.ToolCall)
		case ev.Done:
			tr.finish = ev.FinishReason
			if ev.Usage != nil {
				tr.usage = *ev.Usage
			}
			return tr, nil
		}
	}
	return tr, fmt.Errorf("provider %s: stream closed without completion", e.r.deps.Provider.Name())
}

// flushPartial surfaces whatever the model produced before a stream
// interruption, text and reasoning both, so resume and audit see it.
func (e *execution) flushPartial(ctx context.Context, tr *turnResult, cause error) {
	if tr == nil {
		return
	}
	if tr.text != "" {
		_ = e.emit(ctx, models.EventCognitionOut, models.CognitionOutPayload{
			Text:      tr.text,
			Model:     e.model,
			IsPartial: true,
			Truncated: true,
			Error:     cause.Error(),
		})
	}
	if tr.reasoning != "" {
		_ = e.emit(ctx, models.EventCognitionReasoning, models.CognitionReasoningPayload{
			Text:           tr.reasoning,
			IsPartial:      true,
			WasInterrupted: true,
		})
	}
}

// runToolCall dispatches one model tool call and appends the result
// envelope to the conversation. Denials and execution failures surface to
// the model; only transcript append failures fail the thread.
func (e *execution) runToolCall(ctx context.Context, call models.ToolCall) error {
	start := time.Now()
	if err := e.emit(ctx, models.EventToolCallStart, models.ToolCallStartPayload{
		Tool:   call.Name,
		CallID: call.CallID,
		Input:  call.Input,
	}); err != nil {
		return err
	}

	var params map[string]any
	if len(call.Input) > 0 {
		_ = json.Unmarshal(call.Input, &params)
	}

	var res *dispatch.Result
	var err error
	switch call.Name {
	case "spawn_thread":
		res, err = e.spawnTool(ctx, params)
	case "wait_threads":
		res, err = e.waitTool(ctx, params)
	default:
		res, err = e.r.deps.Dispatcher.Dispatch(ctx, e.token, "tool", call.Name, params)
	}
	if err != nil {
		// A tampered item is never something the model can work around;
		// integrity failures end the thread without retry.
		if errors.Is(err, dispatch.ErrTampered) {
			cause := fmt.Errorf("%w: %s: %v", harness.ErrIntegrity, call.Name, err)
			cls := e.r.deps.Classifier.Classify(cause)
			_ = e.emit(ctx, models.EventErrorClassified, models.ErrorClassifiedPayload{
				ErrorCode: cls.Code,
				Category:  string(cls.Category),
				Retryable: cls.Retryable,
			})
			return cause
		}
		res = &dispatch.Result{Error: err.Error()}
	}

	out, _ := json.Marshal(res)
	e.messages = append(e.messages, models.ChatMessage{
		Role:       models.RoleTool,
		ToolCallID: call.CallID,
		Content:    string(out),
		IsError:    !res.OK,
	})

	payload := models.ToolCallResultPayload{CallID: call.CallID, DurationMs: time.Since(start).Milliseconds()}
	if res.OK {
		payload.Output = out
	} else {
		payload.Error = res.Error
	}
	return e.emit(ctx, models.EventToolCallResult, payload)
}

// spawnTool handles the built-in spawn_thread tool: it injects the parent
// context into the child's inputs and delegates to the orchestrator.
func (e *execution) spawnTool(ctx context.Context, params map[string]any) (*dispatch.Result, error) {
	action := capability.ActionString("execute", "tool", "spawn_thread")
	if !e.token.Check(action) {
		return dispatch.Denial(action), nil
	}
	if e.r.deps.Spawn == nil {
		return &dispatch.Result{Error: "thread spawning is not available in this runtime"}, nil
	}
	ref, _ := params["directive"].(string)
	if ref == "" {
		return &dispatch.Result{Error: "spawn_thread requires a directive"}, nil
	}
	childInputs, _ := params["inputs"].(map[string]any)
	async, _ := params["async"].(bool)

	merged := make(map[string]any, len(childInputs)+1)
	for k, v := range childInputs {
		merged[k] = v
	}
	merged["_parent"] = map[string]any{
		"thread_id":    e.threadID,
		"depth":        e.p.Depth,
		"limits":       e.h.Limits(),
		"capabilities": e.token.Patterns,
	}

	childID, result, err := e.r.deps.Spawn(ctx, SpawnRequest{
		Directive:   ref,
		Inputs:      merged,
		ParentID:    e.threadID,
		ParentToken: e.token,
		Depth:       e.p.Depth + 1,
		Async:       async,
	})
	if err != nil {
		return &dispatch.Result{Error: err.Error()}, nil
	}

	_ = e.emit(ctx, models.EventChildThreadStarted, models.ChildThreadStartedPayload{
		ChildThreadID:  childID,
		ChildDirective: ref,
		ParentThreadID: e.threadID,
	})

	data := map[string]any{"thread_id": childID}
	if result != nil {
		data["status"] = string(result.Status)
		if result.Outputs != nil {
			data["outputs"] = result.Outputs
		}
		if result.ParseError != "" {
			data["parse_error"] = result.ParseError
		}
		if result.Error != "" {
			data["error"] = result.Error
			_ = e.emit(ctx, models.EventChildThreadFailed, models.ChildThreadFailedPayload{
				ChildThreadID: childID,
				Error:         result.Error,
			})
		}
	}
	return &dispatch.Result{OK: true, Data: data}, nil
}

// waitTool handles the built-in wait_threads tool. A failed child never
// fails the waiter: per-child outcomes are reported with aggregate_success.
func (e *execution) waitTool(ctx context.Context, params map[string]any) (*dispatch.Result, error) {
	action := capability.ActionString("execute", "tool", "wait_threads")
	if !e.token.Check(action) {
		return dispatch.Denial(action), nil
	}
	if e.r.deps.Wait == nil {
		return &dispatch.Result{Error: "thread waiting is not available in this runtime"}, nil
	}

	var ids []string
	if raw, ok := params["thread_ids"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				ids = append(ids, s)
			}
		}
	}
	if len(ids) == 0 {
		return &dispatch.Result{Error: "wait_threads requires thread_ids"}, nil
	}
	timeout := e.r.deps.Config.Coordination.WaitTimeout
	if secs, ok := params["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	results, err := e.r.deps.Wait(ctx, e.threadID, ids, timeout)
	if err != nil {
		return &dispatch.Result{Error: err.Error()}, nil
	}

	aggregate := true
	byID := make(map[string]any, len(results))
	for id, res := range results {
		if res == nil {
			aggregate = false
			byID[id] = map[string]any{"status": "unknown"}
			continue
		}
		if res.Status != models.StatusCompleted {
			aggregate = false
			_ = e.emit(ctx, models.EventChildThreadFailed, models.ChildThreadFailedPayload{
				ChildThreadID: res.ThreadID,
				Error:         res.Error,
			})
		}
		byID[id] = map[string]any{
			"thread_id":   res.ThreadID,
			"status":      string(res.Status),
			"outputs":     res.Outputs,
			"parse_error": res.ParseError,
			"error":       res.Error,
		}
	}
	return &dispatch.Result{OK: true, Data: map[string]any{
		"results":           byID,
		"aggregate_success": aggregate,
	}}, nil
}

// onTurnError consults the error hook. Retry re-runs the step, the
// continue-style actions inject the failure as conversational context
// (bounded by errorContinueCap), anything else terminates.
func (e *execution) onTurnError(ctx context.Context, cause error) (*models.ThreadResult, bool) {
	cls := e.r.deps.Classifier.Classify(cause)
	if cls.Category == harness.CategoryCancelled {
		res, _ := e.cancelled(cause)
		return res, false
	}

	outcome, matched := e.engine.Evaluate(models.HookError, map[string]any{
		"error": map[string]any{
			"category": string(cls.Category),
			"code":     cls.Code,
			"message":  cause.Error(),
		},
	})
	if matched {
		switch outcome.Action {
		case models.ActionRetry:
			if e.errRetries < outcome.ParamInt("max_attempts", 3) {
				e.errRetries++
				e.h.RecordRetry()
				if backoff := outcome.ParamInt("backoff_ms", 0); backoff > 0 {
					time.Sleep(time.Duration(backoff) * time.Millisecond)
				}
				return nil, true
			}
		case models.ActionContinue, models.ActionEmitEvent, models.ActionCallDirective:
			if e.errContinues < outcome.ParamInt("max_continues", errorContinueCap) {
				e.errContinues++
				switch outcome.Action {
				case models.ActionEmitEvent:
					e.emitCustom(outcome)
				case models.ActionCallDirective:
					e.callDirectiveHook(ctx, outcome)
				}
				e.messages = append(e.messages, models.ChatMessage{
					Role:    models.RoleUser,
					Content: "The previous step failed: " + cause.Error() + ". Adjust your approach and continue.",
				})
				return nil, true
			}
		case models.ActionSuspend:
			res, _ := e.suspend("error:"+cls.Code, "", nil)
			return res, false
		}
	}
	res, _ := e.fail(cause)
	return res, false
}

// onLimit routes a crossed ceiling through the limit hook. The default,
// when no rule matches, is suspend.
func (e *execution) onLimit(ctx context.Context, hit *harness.LimitHit) (*models.ThreadResult, bool, error) {
	outcome, matched := e.engine.Evaluate(models.HookLimit, map[string]any{
		"limit": map[string]any{
			"code":     string(hit.Code),
			"current":  hit.Current,
			"max":      hit.Max,
			"proposed": hit.ProposedMax,
		},
	})
	action := models.ActionSuspend
	if matched {
		action = outcome.Action
	}

	// Every limit hit announces itself, whatever the hook decides. The
	// escalate branch emits its own copy carrying the approval request id.
	if action != models.ActionEscalate {
		if err := e.emit(ctx, models.EventLimitEscalationRequested, models.LimitEscalationPayload{
			LimitCode:    string(hit.Code),
			CurrentValue: hit.Current,
			CurrentMax:   hit.Max,
			ProposedMax:  hit.ProposedMax,
		}); err != nil {
			return nil, true, err
		}
	}

	switch action {
	case models.ActionContinue:
		newMax := outcome.ParamFloat("new_max", hit.ProposedMax)
		e.h.RaiseLimit(hit.Code, newMax)
		e.logger.Info("limit raised by hook", "limit", hit.Code, "new_max", newMax)
		return nil, false, nil

	case models.ActionFail, models.ActionAbort:
		res, err := e.fail(fmt.Errorf("%w: %s at %.2f/%.2f", harness.ErrLimitHit, hit.Code, hit.Current, hit.Max))
		return res, true, err

	case models.ActionEscalate:
		req, err := approval.Create(e.threadDir, e.threadID, "limit_escalation",
			fmt.Sprintf("raise %s from %.2f to %.2f", hit.Code, hit.Max, hit.ProposedMax),
			map[string]any{"limit_code": string(hit.Code), "proposed_max": hit.ProposedMax})
		if err != nil {
			return nil, true, err
		}
		if err := e.emit(ctx, models.EventLimitEscalationRequested, models.LimitEscalationPayload{
			LimitCode:         string(hit.Code),
			CurrentValue:      hit.Current,
			CurrentMax:        hit.Max,
			ProposedMax:       hit.ProposedMax,
			ApprovalRequestID: req.ID,
		}); err != nil {
			return nil, true, err
		}
		res, err := e.suspend("limit_escalation", req.ID, hit)
		return res, true, err

	case models.ActionEmitEvent, models.ActionCallDirective:
		// A side effect does not lift the ceiling; the limit still suspends.
		if action == models.ActionEmitEvent {
			e.emitCustom(outcome)
		} else {
			e.callDirectiveHook(ctx, outcome)
		}
		res, err := e.suspend("limit:"+string(hit.Code), "", hit)
		return res, true, err

	default:
		res, err := e.suspend("limit:"+string(hit.Code), "", hit)
		return res, true, err
	}
}

// checkPressure estimates context pressure and, past a threshold, fires the
// context_window_pressure hook. Built-in compaction and handoff are the
// fallback when no rule claims the event.
func (e *execution) checkPressure(ctx context.Context) (*models.ThreadResult, bool, error) {
	if e.window <= 0 {
		return nil, false, nil
	}
	verdict, err := e.cm.Check(e.model, e.window, e.messages)
	if err != nil {
		e.logger.Warn("context pressure estimate failed", "error", err)
		return nil, false, nil
	}
	if !verdict.NeedCompact && !verdict.NeedHandoff {
		return nil, false, nil
	}

	outcome, matched := e.engine.Evaluate(models.HookContextPressure, map[string]any{
		"pressure": map[string]any{
			"ratio":        verdict.Pressure,
			"need_handoff": verdict.NeedHandoff,
		},
	})
	if matched {
		switch outcome.Action {
		case models.ActionContinue:
			// The rule owns pressure handling; skip built-in compaction.
			return nil, false, nil
		case models.ActionSuspend:
			res, err := e.suspend("context_pressure", "", nil)
			return res, true, err
		case models.ActionFail, models.ActionAbort:
			res, err := e.fail(fmt.Errorf("context pressure %.2f over policy ceiling", verdict.Pressure))
			return res, true, err
		case models.ActionEmitEvent:
			e.emitCustom(outcome)
		case models.ActionCallDirective:
			e.callDirectiveHook(ctx, outcome)
		}
	}

	switch {
	case verdict.NeedHandoff && e.r.deps.Spawn != nil:
		return e.handoff(ctx, verdict)
	case verdict.NeedCompact:
		e.compact(ctx, verdict)
	}
	return nil, false, nil
}

// compact summarizes the conversation and prunes old turns in place.
func (e *execution) compact(ctx context.Context, verdict continuation.Verdict) {
	_ = e.emit(ctx, models.EventCompactionStart, models.CompactionStartPayload{
		TriggeredBy:   "context_window_pressure",
		PressureRatio: verdict.Pressure,
	})
	summary, err := e.summarize(ctx)
	if err != nil {
		e.logger.Warn("compaction summary failed", "error", err)
		return
	}
	e.messages = continuation.Compact(e.messages, summary, compactKeepTail)
	_ = e.emit(ctx, models.EventCompactionEnd, models.CompactionEndPayload{
		Summary:         summary,
		PruneBeforeTurn: e.turn,
	})
}

// handoff runs the continuation protocol: summarize, spawn the successor,
// link the chain, and complete this thread with reason continuation.
func (e *execution) handoff(ctx context.Context, verdict continuation.Verdict) (*models.ThreadResult, bool, error) {
	if err := e.emit(ctx, models.EventCompactionStart, models.CompactionStartPayload{
		TriggeredBy:   "context_window_pressure",
		PressureRatio: verdict.Pressure,
	}); err != nil {
		res, ferr := e.fail(err)
		return res, true, ferr
	}
	nextID, err := e.cm.Handoff(ctx, e.threadID, e.messages,
		func(ctx context.Context, _ []models.ChatMessage) (string, error) {
			summary, err := e.summarize(ctx)
			if err != nil {
				return "", err
			}
			if err := e.saveSummaryArtifact(summary); err != nil {
				e.logger.Warn("summary artifact write failed", "error", err)
			}
			return summary, nil
		},
		func(ctx context.Context, summary string) (string, error) {
			id, _, err := e.r.deps.Spawn(ctx, SpawnRequest{
				Directive:      e.p.Directive,
				Inputs:         e.inputs,
				ParentID:       e.p.ParentID,
				ParentToken:    e.p.ParentToken,
				Depth:          e.p.Depth,
				Async:          true,
				ContinuationOf: e.threadID,
				Seed:           summary,
			})
			return id, err
		})
	if err != nil {
		res, ferr := e.fail(err)
		return res, true, ferr
	}

	cost := e.h.Cost()
	e.term(models.EventThreadCompleted, models.ThreadCompletedPayload{Cost: cost, Reason: "continuation"})
	e.reportBudget(cost.Spend)
	_ = e.r.deps.Registry.UpdateCost(e.threadID, cost)
	_ = e.w.Close()
	e.logger.Info("handed off to continuation", "next", nextID, "pressure", verdict.Pressure)
	return &models.ThreadResult{ThreadID: e.threadID, Status: models.StatusCompleted, Cost: cost}, true, nil
}

// summarize produces the working-state summary used by compaction and
// handoff. An installed thread_summary directive runs synchronously under
// the current capability envelope and its own capped budget; without one
// the provider is asked directly. Either way no deltas hit the transcript.
func (e *execution) summarize(ctx context.Context) (string, error) {
	var b strings.Builder
	for _, m := range e.messages {
		if m.Role == models.RoleTool || m.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}

	if e.r.deps.Spawn != nil {
		if _, _, err := e.r.deps.Store.Resolve(summaryDirective); err == nil {
			_, res, err := e.r.deps.Spawn(ctx, SpawnRequest{
				Directive:   summaryDirective,
				Inputs:      map[string]any{"transcript": b.String()},
				ParentID:    e.threadID,
				ParentToken: e.token,
				Depth:       e.p.Depth + 1,
			})
			if err == nil && res != nil && res.Status == models.StatusCompleted {
				if s, _ := res.Outputs["summary"].(string); s != "" {
					return s, nil
				}
			}
			if err != nil {
				e.logger.Warn("thread_summary directive failed, summarizing directly", "error", err)
			}
		}
	}

	req := &provider.Request{
		Model:  e.model,
		System: "Summarize the working state of this agent conversation: the goal, work completed, decisions made, and what remains. Be concise and concrete.",
		Messages: []models.ChatMessage{
			{Role: models.RoleUser, Content: b.String()},
		},
		MaxTokens: 1024,
	}
	tr, err := e.streamOnce(ctx, req, false)
	if err != nil {
		return "", err
	}
	return tr.text, nil
}

// saveSummaryArtifact persists the handoff summary as a signed knowledge
// artifact so the successor thread and later audits can load it.
func (e *execution) saveSummaryArtifact(summary string) error {
	dir := filepath.Join(e.threadDir, knowledgeDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	doc, err := json.MarshalIndent(map[string]any{
		"thread_id":  e.threadID,
		"turn":       e.turn,
		"summary":    summary,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return err
	}
	if e.r.deps.Keyring != nil {
		doc = dispatch.SignItem(e.r.deps.Keyring, doc)
	}
	return os.WriteFile(filepath.Join(dir, "summary.json"), doc, 0o644)
}

// fireHook evaluates lifecycle rules for an event. Side-effect actions
// (emit_event, call_directive) run and the loop proceeds; suspend and the
// terminal actions end the thread. Events with no matching rule fall
// through.
func (e *execution) fireHook(ctx context.Context, event models.HookEvent, ectx map[string]any) (*models.ThreadResult, bool, error) {
	outcome, matched := e.engine.Evaluate(event, ectx)
	if !matched {
		return nil, false, nil
	}
	switch outcome.Action {
	case models.ActionEmitEvent:
		e.emitCustom(outcome)
	case models.ActionCallDirective:
		e.callDirectiveHook(ctx, outcome)
	case models.ActionSuspend:
		res, err := e.suspend("hook:"+string(event), "", nil)
		return res, true, err
	case models.ActionFail, models.ActionAbort:
		res, err := e.fail(fmt.Errorf("hook on %s requested %s", event, outcome.Action))
		return res, true, err
	}
	return nil, false, nil
}

// emitCustom writes the custom transcript event an emit_event rule declares.
func (e *execution) emitCustom(outcome *hooks.Outcome) {
	payload := map[string]any{"event_type": outcome.ParamString("type", "hook_event")}
	if data, ok := outcome.Params["payload"].(map[string]any); ok {
		payload["data"] = data
	}
	e.term(models.EventCustom, payload)
}

// callDirectiveHook runs another directive in-line under the current
// capability envelope. The child's structured return lands in the
// conversation so the model sees it on the next turn.
func (e *execution) callDirectiveHook(ctx context.Context, outcome *hooks.Outcome) {
	ref := outcome.ParamString("directive", "")
	if ref == "" || e.r.deps.Spawn == nil {
		e.logger.Warn("call_directive hook is not runnable", "directive", ref)
		return
	}
	inputs, _ := outcome.Params["inputs"].(map[string]any)
	_, res, err := e.r.deps.Spawn(ctx, SpawnRequest{
		Directive:   ref,
		Inputs:      inputs,
		ParentID:    e.threadID,
		ParentToken: e.token,
		Depth:       e.p.Depth + 1,
	})
	if err != nil {
		e.logger.Warn("call_directive hook failed", "directive", ref, "error", err)
		return
	}
	if res != nil && len(res.Outputs) > 0 {
		data, _ := json.Marshal(res.Outputs)
		e.messages = append(e.messages, models.ChatMessage{
			Role:    models.RoleUser,
			Content: fmt.Sprintf("Hook directive %s returned: %s", ref, data),
		})
	}
}

// buildTools derives the model-visible tool list from the capability
// envelope: concrete execute patterns become tool defs, and the built-in
// orchestration tools appear when the token covers them.
func (e *execution) buildTools() []models.ToolDef {
	genericSchema := json.RawMessage(`{"type":"object"}`)
	var defs []models.ToolDef
	seen := map[string]bool{}
	if e.token != nil {
		for _, pat := range e.token.Patterns {
			rest, ok := strings.CutPrefix(pat, "rye.execute.tool.")
			if !ok || strings.Contains(rest, "*") || seen[rest] {
				continue
			}
			if rest == "spawn_thread" || rest == "wait_threads" {
				continue
			}
			seen[rest] = true
			def := models.ToolDef{Name: rest, InputSchema: genericSchema}
			if spec, err := e.r.deps.Dispatcher.Spec("tool", rest); err == nil {
				def.Description = spec.Description
			}
			defs = append(defs, def)
		}
	}
	if e.token.Check(capability.ActionString("execute", "tool", "spawn_thread")) {
		defs = append(defs, models.ToolDef{
			Name:        "spawn_thread",
			Description: "Start a child thread running another directive. Params: directive (string), inputs (object), async (bool).",
			InputSchema: genericSchema,
		})
	}
	if e.token.Check(capability.ActionString("execute", "tool", "wait_threads")) {
		defs = append(defs, models.ToolDef{
			Name:        "wait_threads",
			Description: "Block until the given threads finish. Params: thread_ids (array of string), timeout_seconds (number).",
			InputSchema: genericSchema,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// runGraph executes a graph directive through the walker.
func (e *execution) runGraph(ctx context.Context, resume *graph.WalkState) (*models.ThreadResult, error) {
	if res, terminal, err := e.fireHook(ctx, models.HookGraphStarted, map[string]any{
		"graph": map[string]any{"start": e.d.Graph.Start},
	}); err != nil {
		return e.fail(err)
	} else if terminal {
		return res, nil
	}
	walker := &graph.Walker{
		Spec:       e.d.Graph,
		Token:      e.token,
		Dispatcher: e.r.deps.Dispatcher,
		Keyring:    e.r.deps.Keyring,
		ThreadDir:  e.threadDir,
		ThreadID:   e.threadID,
		Inputs:     e.inputs,
		Logger:     e.logger,
		OnStep: func(step int, node string, state map[string]any) {
			e.term(models.EventGraphStep, map[string]any{"step": step, "node": node})
		},
	}
	ws, err := walker.Run(ctx, resume)
	if err != nil {
		if ctx.Err() != nil {
			return e.cancelled(err)
		}
		return e.fail(err)
	}
	if res, terminal, err := e.fireHook(ctx, models.HookGraphCompleted, map[string]any{
		"graph": map[string]any{"result": ws.Result, "steps": ws.Step},
	}); err != nil {
		return e.fail(err)
	} else if terminal {
		return res, nil
	}

	cost := e.h.Cost()
	e.term(models.EventThreadCompleted, models.ThreadCompletedPayload{Cost: cost})
	e.reportBudget(cost.Spend)
	uerr := e.r.deps.Registry.UpdateStatus(e.threadID, models.StatusCompleted, registry.UpdateFields{
		Cost:    &cost,
		Outputs: ws.Result,
	})
	_ = e.w.Close()
	if uerr != nil {
		return nil, uerr
	}
	return &models.ThreadResult{
		ThreadID: e.threadID,
		Status:   models.StatusCompleted,
		Cost:     cost,
		Outputs:  ws.Result,
	}, nil
}

// complete finishes the thread: outputs are extracted from the final text,
// and a parse failure is reported on the completed result, never as a
// thread failure.
func (e *execution) complete(ctx context.Context, finalText string) (*models.ThreadResult, error) {
	outputs, parseErr := extractOutputs(e.d, finalText)
	cost := e.h.Cost()

	ectx := map[string]any{
		"return": map[string]any{"outputs": outputs, "parse_error": parseErr},
	}
	for _, event := range []models.HookEvent{models.HookDirectiveReturn, models.HookAfterComplete} {
		if res, terminal, err := e.fireHook(ctx, event, ectx); err != nil {
			return e.fail(err)
		} else if terminal {
			return res, nil
		}
	}

	if err := e.saveCheckpoint("", "", nil); err != nil {
		return e.fail(err)
	}
	if err := e.emit(ctx, models.EventThreadCompleted, models.ThreadCompletedPayload{Cost: cost}); err != nil {
		return e.fail(err)
	}
	e.reportBudget(cost.Spend)
	uerr := e.r.deps.Registry.UpdateStatus(e.threadID, models.StatusCompleted, registry.UpdateFields{
		Cost:    &cost,
		Outputs: outputs,
		Error:   parseErr,
	})
	_ = e.w.Close()
	if uerr != nil {
		return nil, uerr
	}
	return &models.ThreadResult{
		ThreadID:   e.threadID,
		Status:     models.StatusCompleted,
		Cost:       cost,
		Outputs:    outputs,
		ParseError: parseErr,
	}, nil
}

// fail terminates the thread with status error. The lifecycle failure is
// the result, not a Go error: waiters observe it through the registry.
func (e *execution) fail(cause error) (*models.ThreadResult, error) {
	cls := e.r.deps.Classifier.Classify(cause)
	cost := e.h.Cost()

	_ = e.saveCheckpoint("", "", nil)
	e.term(models.EventThreadError, models.ThreadErrorPayload{
		Category: string(cls.Category),
		Message:  cause.Error(),
		Retries:  e.h.Retries(),
	})
	e.reportBudget(cost.Spend)
	_ = e.r.deps.Registry.UpdateStatus(e.threadID, models.StatusError, registry.UpdateFields{
		Reason: string(cls.Category),
		Cost:   &cost,
		Error:  cause.Error(),
	})
	_ = e.w.Close()
	e.logger.Error("thread failed", "category", cls.Category, "error", cause)
	return &models.ThreadResult{
		ThreadID: e.threadID,
		Status:   models.StatusError,
		Cost:     cost,
		Error:    cause.Error(),
	}, nil
}

// cancelled records external cancellation. Reservations still pending for
// this thread's children are handed back; the children themselves keep
// running and settle in their own status.
func (e *execution) cancelled(cause error) (*models.ThreadResult, error) {
	cost := e.h.Cost()
	_ = e.saveCheckpoint("cancelled", "", nil)
	e.term(models.EventThreadCancelled, models.ThreadCancelledPayload{
		CancelledBy: "context",
		Reason:      cause.Error(),
	})
	e.reportBudget(cost.Spend)
	e.forfeitChildren()
	_ = e.r.deps.Registry.UpdateStatus(e.threadID, models.StatusCancelled, registry.UpdateFields{
		Reason: "cancelled",
		Cost:   &cost,
	})
	_ = e.w.Close()
	return &models.ThreadResult{ThreadID: e.threadID, Status: models.StatusCancelled, Cost: cost}, nil
}

// suspend serializes state and exits the loop. The checkpoint always lands
// before the suspension event.
func (e *execution) suspend(reason, approvalID string, hit *harness.LimitHit) (*models.ThreadResult, error) {
	if err := e.saveCheckpoint(reason, approvalID, hit); err != nil {
		return e.fail(err)
	}
	cost := e.h.Cost()
	e.term(models.EventThreadSuspended, models.ThreadSuspendedPayload{
		SuspendReason: reason,
		Awaiting:      approvalID,
		Cost:          cost,
	})
	_ = e.r.deps.Registry.UpdateStatus(e.threadID, models.StatusSuspended, registry.UpdateFields{
		Reason: reason,
		Cost:   &cost,
	})
	_ = e.w.Close()
	e.logger.Info("thread suspended", "reason", reason)
	return &models.ThreadResult{ThreadID: e.threadID, Status: models.StatusSuspended, Cost: cost}, nil
}

// forfeitChildren releases reservations still pending against this
// thread's budget. Forfeit is a no-op for reservations already settled.
func (e *execution) forfeitChildren() {
	rs, err := e.r.deps.Ledger.ListByParent(e.threadID)
	if err != nil {
		return
	}
	for _, r := range rs {
		if r.State != budget.StatePending {
			continue
		}
		if err := e.r.deps.Ledger.Forfeit(r.ChildID); err != nil {
			e.logger.Warn("child reservation forfeit failed", "child", r.ChildID, "error", err)
		}
	}
}

// reportBudget commits the actual spend against the parent's reservation.
func (e *execution) reportBudget(spend float64) {
	if e.p.ParentID == "" {
		return
	}
	if err := e.r.deps.Ledger.Report(e.threadID, spend); err != nil {
		e.logger.Warn("budget report failed", "error", err)
	}
}

// saveCheckpoint persists the loop state for resume.
func (e *execution) saveCheckpoint(reason, approvalID string, hit *harness.LimitHit) error {
	return checkpoint.Save(e.threadDir, &checkpoint.State{
		ThreadID:          e.threadID,
		Directive:         e.p.Directive,
		Harness:           e.h.Snapshot(),
		Messages:          e.messages,
		Inputs:            e.inputs,
		LastSeq:           e.lastSeq,
		Turn:              e.turn,
		ContinuationOf:    e.p.ContinuationOf,
		SuspendReason:     reason,
		PendingApprovalID: approvalID,
		PendingLimit:      hit,
	})
}
