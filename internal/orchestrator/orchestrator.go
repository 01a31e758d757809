// Package orchestrator is the operations surface over threads: spawn, wait,
// aggregate, status, kill. In-process threads are cooperative goroutines
// signalled through an in-memory completion map; cross-process children are
// observed by polling the shared registry with exponential backoff.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/rye-run/rye/internal/budget"
	"github.com/rye-run/rye/internal/config"
	"github.com/rye-run/rye/internal/registry"
	"github.com/rye-run/rye/internal/runner"
	"github.com/rye-run/rye/pkg/models"
)

// ErrWaitTimeout indicates a wait deadline passed before the thread
// settled.
var ErrWaitTimeout = errors.New("wait timed out")

// ParentTokenEnv carries the serialized parent capability token into forked
// child processes.
const ParentTokenEnv = "RYE_PARENT_TOKEN"

// Orchestrator coordinates thread execution at both tiers.
type Orchestrator struct {
	cfg    *config.Config
	reg    *registry.Registry
	ledger *budget.Ledger
	runner *runner.Runner
	logger *slog.Logger

	mu      sync.Mutex
	done    map[string]chan struct{}
	results map[string]*models.ThreadResult
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New wires an orchestrator around the runner dependencies. The runner's
// spawn_thread and wait_threads tools route back through the orchestrator.
func New(deps runner.Deps) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:     deps.Config,
		reg:     deps.Registry,
		ledger:  deps.Ledger,
		logger:  deps.Logger,
		done:    map[string]chan struct{}{},
		results: map[string]*models.ThreadResult{},
		cancels: map[string]context.CancelFunc{},
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	deps.Spawn = o.Spawn
	deps.Wait = o.Wait
	r, err := runner.New(deps)
	if err != nil {
		return nil, err
	}
	o.runner = r
	return o, nil
}

// Close waits for in-process threads to drain.
func (o *Orchestrator) Close() {
	o.wg.Wait()
}

// newThreadID generates an identity not yet present in the registry.
func (o *Orchestrator) newThreadID(directiveRef string) string {
	id := models.NewThreadID(directiveRef, time.Now())
	for {
		if _, err := o.reg.Get(id); errors.Is(err, registry.ErrNotFound) {
			return id
		}
		id = fmt.Sprintf("%s-%s", models.NewThreadID(directiveRef, time.Now()), uuid.NewString()[:8])
	}
}

// Run executes a root thread synchronously.
func (o *Orchestrator) Run(ctx context.Context, p runner.Params) (*models.ThreadResult, error) {
	if p.ThreadID == "" {
		p.ThreadID = o.newThreadID(p.Directive)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.register(p.ThreadID, cancel)
	return o.execute(runCtx, p)
}

// RunAsync executes a root thread on the in-process scheduler and returns
// its id immediately.
func (o *Orchestrator) RunAsync(p runner.Params) string {
	if p.ThreadID == "" {
		p.ThreadID = o.newThreadID(p.Directive)
	}
	o.startDetached(p)
	return p.ThreadID
}

// Spawn starts a child or successor thread. Synchronous spawns block for
// the terminal result; async spawns return the id and run detached from
// the caller's context, cancellable only through Kill.
func (o *Orchestrator) Spawn(ctx context.Context, req runner.SpawnRequest) (string, *models.ThreadResult, error) {
	p := runner.Params{
		Directive:      req.Directive,
		Inputs:         req.Inputs,
		ThreadID:       o.newThreadID(req.Directive),
		ParentID:       req.ParentID,
		ParentToken:    req.ParentToken,
		Depth:          req.Depth,
		ContinuationOf: req.ContinuationOf,
		Seed:           req.Seed,
	}
	if !req.Async {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		o.register(p.ThreadID, cancel)
		res, err := o.execute(runCtx, p)
		return p.ThreadID, res, err
	}
	o.startDetached(p)
	return p.ThreadID, nil, nil
}

func (o *Orchestrator) startDetached(p runner.Params) {
	runCtx, cancel := context.WithCancel(context.Background())
	o.register(p.ThreadID, cancel)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		if _, err := o.execute(runCtx, p); err != nil {
			o.logger.Error("detached thread setup failed", "thread", p.ThreadID, "error", err)
		}
	}()
}

func (o *Orchestrator) register(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done[id] = make(chan struct{})
	o.cancels[id] = cancel
}

func (o *Orchestrator) execute(ctx context.Context, p runner.Params) (*models.ThreadResult, error) {
	res, err := o.runner.Run(ctx, p)
	o.finish(p.ThreadID, res, err)
	return res, err
}

// finish records the outcome and signals in-process waiters.
func (o *Orchestrator) finish(id string, res *models.ThreadResult, err error) {
	if res == nil && err != nil {
		// Setup failed. When no registry row exists the cache is the only
		// place waiters can observe the failure; when a row does exist
		// (a rejected resume, say) the registry stays authoritative.
		if _, regErr := o.reg.Get(id); errors.Is(regErr, registry.ErrNotFound) {
			res = &models.ThreadResult{ThreadID: id, Status: models.StatusError, Error: err.Error()}
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if res != nil {
		o.results[id] = res
	}
	if ch, ok := o.done[id]; ok {
		close(ch)
		delete(o.done, id)
	}
	delete(o.cancels, id)
}

// Resume continues a suspended thread in this process.
func (o *Orchestrator) Resume(ctx context.Context, threadID, resumedBy string) (*models.ThreadResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.register(threadID, cancel)
	res, err := o.runner.Resume(runCtx, threadID, resumedBy)
	o.finish(threadID, res, err)
	return res, err
}

// Wait blocks until each thread settles (terminal or suspended), following
// continuation chains to the tail record. A thread that misses the shared
// deadline reports nil; a failed child never errors the wait itself.
func (o *Orchestrator) Wait(ctx context.Context, parentID string, ids []string, timeout time.Duration) (map[string]*models.ThreadResult, error) {
	if timeout <= 0 {
		timeout = o.cfg.Coordination.WaitTimeout
	}
	deadline := time.Now().Add(timeout)
	out := make(map[string]*models.ThreadResult, len(ids))
	for _, id := range ids {
		res, err := o.waitUntil(ctx, id, deadline)
		if err != nil {
			if errors.Is(err, ErrWaitTimeout) {
				out[id] = nil
				continue
			}
			return nil, err
		}
		out[id] = res
	}
	return out, nil
}

// WaitOne blocks for a single thread.
func (o *Orchestrator) WaitOne(ctx context.Context, id string, timeout time.Duration) (*models.ThreadResult, error) {
	if timeout <= 0 {
		timeout = o.cfg.Coordination.WaitTimeout
	}
	return o.waitUntil(ctx, id, time.Now().Add(timeout))
}

func (o *Orchestrator) waitUntil(ctx context.Context, id string, deadline time.Time) (*models.ThreadResult, error) {
	backoff := o.cfg.Coordination.WaitBackoffMin
	for {
		tailID := id
		if tail, err := o.reg.ResolveChain(id); err == nil {
			tailID = tail.ThreadID
			if settled(tail.Status) {
				return o.result(tailID)
			}
		} else if res := o.cached(id); res != nil {
			// Setup failures never reached the registry.
			return res, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrWaitTimeout, id)
		}

		o.mu.Lock()
		ch := o.done[tailID]
		o.mu.Unlock()
		if ch != nil {
			// In-process tail: zero-latency completion signal.
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(remaining):
				return nil, fmt.Errorf("%w: %s", ErrWaitTimeout, id)
			}
		}

		// Cross-process tail: poll with exponential backoff.
		sleep := backoff
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > o.cfg.Coordination.WaitBackoffMax {
			backoff = o.cfg.Coordination.WaitBackoffMax
		}
	}
}

// settled reports whether a status ends a wait. Suspended threads report
// as-is rather than blocking the waiter forever.
func settled(s models.ThreadStatus) bool {
	return s.Terminal() || s == models.StatusSuspended
}

// result reads the registry record, falling back to the in-memory cache for
// threads that failed before a row existed. The registry wins because a
// cached outcome can go stale when another process resumes the thread.
func (o *Orchestrator) result(id string) (*models.ThreadResult, error) {
	res, err := o.reg.Result(id)
	if errors.Is(err, registry.ErrNotFound) {
		if cached := o.cached(id); cached != nil {
			return cached, nil
		}
	}
	return res, err
}

func (o *Orchestrator) cached(id string) *models.ThreadResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.results[id]
}

// Aggregate collects the chain-resolved results of a parent's direct
// children. Success requires every child completed without error.
func (o *Orchestrator) Aggregate(parentID string) (map[string]*models.ThreadResult, bool, error) {
	children, err := o.reg.ListByParent(parentID)
	if err != nil {
		return nil, false, err
	}
	out := make(map[string]*models.ThreadResult, len(children))
	success := true
	for _, c := range children {
		tailID := c.ThreadID
		if tail, err := o.reg.ResolveChain(c.ThreadID); err == nil {
			tailID = tail.ThreadID
		}
		res, err := o.result(tailID)
		if err != nil {
			return nil, false, err
		}
		out[c.ThreadID] = res
		if res.Status != models.StatusCompleted || res.Error != "" {
			success = false
		}
	}
	return out, success, nil
}

// Status returns a thread's registry record.
func (o *Orchestrator) Status(id string) (*models.Thread, error) {
	return o.reg.Get(id)
}

// ListActive returns every running, paused or suspended thread.
func (o *Orchestrator) ListActive() ([]*models.Thread, error) {
	return o.reg.ListActive()
}

// ListAll returns every thread record.
func (o *Orchestrator) ListAll() ([]*models.Thread, error) {
	return o.reg.ListAll()
}

// Kill cancels a thread. In-process threads get their context cancelled;
// cross-process children receive SIGTERM, then SIGKILL after the grace
// period. The registry records the cancellation either way.
func (o *Orchestrator) Kill(id, reason string, grace time.Duration) error {
	o.mu.Lock()
	cancel := o.cancels[id]
	ch := o.done[id]
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		if ch != nil {
			select {
			case <-ch:
			case <-time.After(grace):
			}
		}
		return nil
	}

	t, err := o.reg.Get(id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	if t.PID > 0 && t.PID != os.Getpid() && ProcessAlive(t.PID) {
		_ = syscall.Kill(t.PID, syscall.SIGTERM)
		deadline := time.Now().Add(grace)
		for ProcessAlive(t.PID) && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
		if ProcessAlive(t.PID) {
			_ = syscall.Kill(t.PID, syscall.SIGKILL)
		}
	}
	if err := o.reg.UpdateStatus(id, models.StatusCancelled, registry.UpdateFields{Reason: reason}); err != nil {
		return err
	}
	o.releaseBudget(id)
	return nil
}

// Recover reclassifies registry rows left running by crashed processes and
// forfeits the budget reservations those threads can no longer report.
func (o *Orchestrator) Recover() ([]string, error) {
	crashed, err := o.reg.Recover(ProcessAlive)
	if err != nil {
		return nil, err
	}
	for _, id := range crashed {
		o.releaseBudget(id)
	}
	return crashed, nil
}

// releaseBudget forfeits a dead thread's own pending reservation and any
// pending reservations it placed for children. Forfeit is a no-op for
// reservations already settled; root threads simply have none.
func (o *Orchestrator) releaseBudget(id string) {
	if o.ledger == nil {
		return
	}
	if err := o.ledger.Forfeit(id); err != nil && !errors.Is(err, budget.ErrNoReservation) {
		o.logger.Warn("reservation forfeit failed", "thread", id, "error", err)
	}
	children, err := o.ledger.ListByParent(id)
	if err != nil {
		return
	}
	for _, r := range children {
		if r.State != budget.StatePending {
			continue
		}
		if err := o.ledger.Forfeit(r.ChildID); err != nil {
			o.logger.Warn("child reservation forfeit failed", "thread", id, "child", r.ChildID, "error", err)
		}
	}
}

// ProcessAlive probes a pid with signal 0.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// Fork launches a child thread as an independent OS process running this
// binary. The parent capability token travels through the environment; the
// child's registry row records the new pid.
func (o *Orchestrator) Fork(req runner.SpawnRequest) (string, int, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", 0, err
	}
	id := o.newThreadID(req.Directive)
	args := []string{"run", req.Directive, "--thread-id", id}
	if req.ParentID != "" {
		args = append(args, "--parent", req.ParentID, "--depth", fmt.Sprint(req.Depth))
	}
	if len(req.Inputs) > 0 {
		data, err := json.Marshal(req.Inputs)
		if err != nil {
			return "", 0, err
		}
		args = append(args, "--inputs-json", string(data))
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = os.Environ()
	if req.ParentToken != nil && req.ParentToken.Raw != "" {
		cmd.Env = append(cmd.Env, ParentTokenEnv+"="+req.ParentToken.Raw)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return "", 0, fmt.Errorf("fork child thread: %w", err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	o.logger.Info("forked child thread", "thread", id, "pid", pid)
	return id, pid, nil
}
