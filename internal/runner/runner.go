// Package runner executes one thread: it resolves the directive, mints the
// capability token, reserves budget, then drives the LLM loop (or the graph
// walker) under the safety harness until a terminal status.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rye-run/rye/internal/approval"
	"github.com/rye-run/rye/internal/budget"
	"github.com/rye-run/rye/internal/capability"
	"github.com/rye-run/rye/internal/checkpoint"
	"github.com/rye-run/rye/internal/config"
	"github.com/rye-run/rye/internal/continuation"
	"github.com/rye-run/rye/internal/directive"
	"github.com/rye-run/rye/internal/dispatch"
	"github.com/rye-run/rye/internal/graph"
	"github.com/rye-run/rye/internal/harness"
	"github.com/rye-run/rye/internal/hooks"
	"github.com/rye-run/rye/internal/provider"
	"github.com/rye-run/rye/internal/registry"
	"github.com/rye-run/rye/internal/transcript"
	"github.com/rye-run/rye/pkg/models"
)

// SpawnRequest asks the orchestrator to start a child or successor thread.
type SpawnRequest struct {
	Directive      string
	Inputs         map[string]any
	ParentID       string
	ParentToken    *capability.Token
	Depth          int
	Async          bool
	ContinuationOf string
	Seed           string
}

// SpawnFunc starts a thread. Synchronous spawns return the terminal result;
// async spawns return only the child id.
type SpawnFunc func(ctx context.Context, req SpawnRequest) (string, *models.ThreadResult, error)

// WaitFunc blocks until the named threads reach terminal status, following
// continuation chains before reporting.
type WaitFunc func(ctx context.Context, parentID string, ids []string, timeout time.Duration) (map[string]*models.ThreadResult, error)

// Deps are the runner's collaborators. Spawn and Wait are wired by the
// orchestrator; a runner without them refuses the corresponding tools.
type Deps struct {
	Config     *config.Config
	Keyring    *capability.Keyring
	Registry   *registry.Registry
	Ledger     *budget.Ledger
	Store      *directive.Store
	Dispatcher *dispatch.Dispatcher
	Provider   provider.Provider
	Classifier *harness.Classifier
	Sink       transcript.Sink
	Logger     *slog.Logger
	Spawn      SpawnFunc
	Wait       WaitFunc
}

// Params describe one thread to run.
type Params struct {
	Directive string
	Inputs    map[string]any

	// ThreadID preassigns the identity; empty means generate.
	ThreadID string

	ParentID    string
	ParentToken *capability.Token
	Depth       int

	// ContinuationOf links a handoff successor to its predecessor.
	ContinuationOf string
	// Seed is the predecessor's summary, injected as opening context.
	Seed string

	// Model overrides the directive's model selection.
	Model string
}

// Runner executes threads.
type Runner struct {
	deps Deps
}

// New validates the dependency set and builds a runner.
func New(deps Deps) (*Runner, error) {
	switch {
	case deps.Config == nil:
		return nil, errors.New("runner requires a config")
	case deps.Keyring == nil:
		return nil, errors.New("runner requires a keyring")
	case deps.Registry == nil:
		return nil, errors.New("runner requires a registry")
	case deps.Ledger == nil:
		return nil, errors.New("runner requires a budget ledger")
	case deps.Store == nil:
		return nil, errors.New("runner requires a directive store")
	case deps.Dispatcher == nil:
		return nil, errors.New("runner requires a dispatcher")
	case deps.Provider == nil:
		return nil, errors.New("runner requires a provider")
	}
	if deps.Classifier == nil {
		deps.Classifier = harness.NewClassifier()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Runner{deps: deps}, nil
}

// Run executes one thread to a terminal (or suspended) status. Setup
// failures before the thread exists return an error; once the registry row
// is created, failures become the thread's own terminal status and Run
// returns the result with a nil error.
func (r *Runner) Run(ctx context.Context, p Params) (*models.ThreadResult, error) {
	d, space, err := r.deps.Store.Resolve(p.Directive)
	if err != nil {
		return nil, fmt.Errorf("resolve directive %s: %w", p.Directive, err)
	}
	inputs, err := directive.ValidateInputs(d.Inputs, p.Inputs)
	if err != nil {
		return nil, fmt.Errorf("validate inputs for %s: %w", p.Directive, err)
	}

	cfg := r.deps.Config
	limits := cfg.LimitsFor(d)
	model := p.Model
	if model == "" {
		model = cfg.ModelFor(d)
	}

	threadID := p.ThreadID
	if threadID == "" {
		threadID = models.NewThreadID(p.Directive, time.Now())
		for {
			if _, err := r.deps.Registry.Get(threadID); errors.Is(err, registry.ErrNotFound) {
				break
			}
			threadID = fmt.Sprintf("%s-%s", models.NewThreadID(p.Directive, time.Now()), uuid.NewString()[:8])
		}
	}

	// Capability envelope: requested = directive's declared permissions,
	// attenuated by the parent token. A directive with no permissions runs
	// with a nil token, which denies every dispatch.
	patterns := d.Permissions.FullPatterns()
	var token *capability.Token
	if len(patterns) > 0 {
		if p.ParentToken == nil {
			token, err = r.deps.Keyring.MintRoot(patterns, threadID)
		} else {
			token, _, err = r.deps.Keyring.Mint(p.ParentToken, patterns, threadID)
		}
		if err != nil {
			return nil, fmt.Errorf("mint capability token: %w", err)
		}
		if err := capability.VerifyRiskAcks(token.Patterns, d.RiskAcks); err != nil {
			return nil, err
		}
	}

	if p.ParentID != "" {
		if err := r.deps.Ledger.Reserve(p.ParentID, threadID, limits.MaxSpend); err != nil {
			return nil, fmt.Errorf("%w: %v", harness.ErrBudgetDenied, err)
		}
	}
	// Once reserved, every setup failure before the loop starts must hand
	// the reservation back; past this point reportBudget settles it.
	forfeit := func() {
		if p.ParentID == "" {
			return
		}
		if err := r.deps.Ledger.Forfeit(threadID); err != nil {
			r.deps.Logger.Warn("reservation forfeit failed", "thread", threadID, "error", err)
		}
	}
	if limits.MaxSpend > 0 {
		if err := r.deps.Ledger.CreateBudget(threadID, limits.MaxSpend); err != nil {
			forfeit()
			return nil, fmt.Errorf("create budget line: %w", err)
		}
	}

	th := &models.Thread{
		ThreadID:       threadID,
		Directive:      p.Directive,
		Model:          model,
		ParentID:       p.ParentID,
		ContinuationOf: p.ContinuationOf,
		Depth:          p.Depth,
		OriginSpace:    space,
		PID:            os.Getpid(),
		Limits:         limits,
		Inputs:         inputs,
	}
	if token != nil {
		th.Capabilities = token.Patterns
		th.TokenID = token.ID
	}
	if p.ContinuationOf != "" {
		if prev, err := r.deps.Registry.Get(p.ContinuationOf); err == nil {
			th.ChainRootID = prev.ChainRootID
		}
	}
	if err := r.deps.Registry.Create(th); err != nil {
		forfeit()
		return nil, fmt.Errorf("register thread: %w", err)
	}

	e, err := r.newExecution(d, p, threadID, token, harness.New(limits, d.Hooks), inputs, model)
	if err != nil {
		forfeit()
		return nil, err
	}

	mode := "llm"
	if d.Graph != nil {
		mode = "graph"
	}
	if err := e.emit(ctx, models.EventThreadStarted, models.ThreadStartedPayload{
		Model:      model,
		Provider:   r.deps.Provider.Name(),
		Inputs:     inputs,
		ThreadMode: mode,
	}); err != nil {
		return e.fail(err)
	}
	if res, terminal, err := e.fireHook(ctx, models.HookThreadStarted, map[string]any{
		"thread": map[string]any{"id": threadID, "directive": p.Directive, "mode": mode, "depth": p.Depth},
	}); err != nil {
		return e.fail(err)
	} else if terminal {
		return res, nil
	}

	if d.Graph != nil {
		return e.runGraph(ctx, nil)
	}

	if p.Seed != "" {
		e.messages = append(e.messages, models.ChatMessage{
			Role:    models.RoleUser,
			Content: "Context handed off from the predecessor thread:\n" + p.Seed,
		})
	}
	task := buildTaskMessage(inputs)
	e.messages = append(e.messages, task)
	if err := e.emit(ctx, models.EventCognitionIn, models.CognitionInPayload{Text: task.Content, Role: string(task.Role)}); err != nil {
		return e.fail(err)
	}

	return e.loop(ctx)
}

// Resume continues a suspended or paused thread from its checkpoint.
func (r *Runner) Resume(ctx context.Context, threadID, resumedBy string) (*models.ThreadResult, error) {
	t, err := r.deps.Registry.Get(threadID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("thread %s is %s and cannot be resumed", threadID, t.Status)
	}
	threadDir := r.deps.Config.ThreadDir(threadID)
	st, err := checkpoint.Load(threadDir)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("thread %s has no checkpoint", threadID)
	}

	d, _, err := r.deps.Store.Resolve(t.Directive)
	if err != nil {
		return nil, fmt.Errorf("resolve directive %s: %w", t.Directive, err)
	}

	// Re-issue the runtime credential from the recorded envelope; the raw
	// token is never persisted.
	var token *capability.Token
	if len(t.Capabilities) > 0 {
		token, err = r.deps.Keyring.MintRoot(t.Capabilities, threadID)
		if err != nil {
			return nil, fmt.Errorf("reissue capability token: %w", err)
		}
	}

	p := Params{
		Directive:      t.Directive,
		Inputs:         st.Inputs,
		ThreadID:       threadID,
		ParentID:       t.ParentID,
		Depth:          t.Depth,
		ContinuationOf: t.ContinuationOf,
		Model:          t.Model,
	}
	e, err := r.newExecution(d, p, threadID, token, harness.Restore(st.Harness), st.Inputs, t.Model)
	if err != nil {
		return nil, err
	}
	e.messages = st.Messages
	e.turn = st.Turn

	// A suspension that awaited an escalation approval applies the verdict
	// before the loop restarts.
	if st.PendingApprovalID != "" {
		resp, err := approval.Load(threadDir, st.PendingApprovalID)
		if err != nil {
			return nil, fmt.Errorf("thread %s still awaits approval %s", threadID, st.PendingApprovalID)
		}
		if !resp.Approved {
			_ = e.emit(ctx, models.EventThreadResumed, models.ThreadResumedPayload{ResumedBy: resumedBy, PreviousSuspendReason: st.SuspendReason})
			return e.fail(fmt.Errorf("%w: escalation denied: %s", harness.ErrLimitHit, resp.Message))
		}
		if st.PendingLimit != nil {
			e.h.RaiseLimit(st.PendingLimit.Code, st.PendingLimit.ProposedMax)
		}
	}

	if err := e.emit(ctx, models.EventThreadResumed, models.ThreadResumedPayload{
		ResumedBy:             resumedBy,
		PreviousSuspendReason: st.SuspendReason,
	}); err != nil {
		return e.fail(err)
	}
	pid := os.Getpid()
	if err := r.deps.Registry.UpdateStatus(threadID, models.StatusRunning, registry.UpdateFields{Reason: "resumed", PID: &pid}); err != nil {
		return e.fail(err)
	}

	if d.Graph != nil {
		ws, err := graph.LoadLatest(threadDir, r.deps.Keyring)
		if err != nil {
			return e.fail(err)
		}
		return e.runGraph(ctx, ws)
	}
	return e.loop(ctx)
}

// newExecution assembles the per-thread loop state shared by Run and Resume.
func (r *Runner) newExecution(d *models.Directive, p Params, threadID string, token *capability.Token, h *harness.Harness, inputs map[string]any, model string) (*execution, error) {
	cfg := r.deps.Config
	threadDir := cfg.ThreadDir(threadID)

	wcfg := transcript.DefaultWriterConfig()
	wcfg.ThrottleInterval = cfg.Coordination.ThrottleInterval
	w, err := transcript.Open(threadDir, threadID, p.Directive, r.deps.Sink, wcfg)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}

	cm := continuation.NewManager(r.deps.Registry)
	cm.Thresholds = continuation.Thresholds{
		Compaction: cfg.Coordination.CompactionThreshold,
		Handoff:    cfg.Coordination.HandoffThreshold,
	}
	cm.Logger = r.deps.Logger

	e := &execution{
		r:         r,
		d:         d,
		p:         p,
		threadID:  threadID,
		threadDir: threadDir,
		token:     token,
		h:         h,
		engine:    hooks.NewEngine(nil, nil, d.Hooks),
		w:         w,
		cm:        cm,
		inputs:    inputs,
		model:     model,
		window:    r.deps.Provider.ContextWindow(model),
		logger:    r.deps.Logger.With("thread", threadID, "directive", p.Directive),
	}
	e.tools = e.buildTools()
	e.system = buildSystemPrompt(d, inputs, e.tools)
	return e, nil
}
