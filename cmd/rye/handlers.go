// handlers.go contains the RunE handler functions for the CLI commands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rye-run/rye/internal/approval"
	"github.com/rye-run/rye/internal/budget"
	"github.com/rye-run/rye/internal/capability"
	"github.com/rye-run/rye/internal/config"
	"github.com/rye-run/rye/internal/directive"
	"github.com/rye-run/rye/internal/dispatch"
	"github.com/rye-run/rye/internal/orchestrator"
	"github.com/rye-run/rye/internal/provider"
	"github.com/rye-run/rye/internal/registry"
	"github.com/rye-run/rye/internal/runner"
	"github.com/rye-run/rye/pkg/models"
)

func defaultConfigPath() string {
	if p := os.Getenv("RYE_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(".rye", "config.yaml")
}

// runtime bundles the opened stores and the orchestrator for one command.
type runtime struct {
	cfg     *config.Config
	keyring *capability.Keyring
	reg     *registry.Registry
	ledger  *budget.Ledger
	orch    *orchestrator.Orchestrator
}

func (rt *runtime) close() {
	rt.orch.Close()
	if err := rt.reg.Close(); err != nil {
		slog.Warn("close registry", "error", err)
	}
	if err := rt.ledger.Close(); err != nil {
		slog.Warn("close budget ledger", "error", err)
	}
}

func openRuntime(configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	kr, err := capability.LoadOrCreateKeyring(filepath.Join(cfg.ProjectDir, "keys"))
	if err != nil {
		return nil, err
	}
	reg, err := registry.Open(filepath.Join(cfg.StateDir, "registry.db"))
	if err != nil {
		return nil, err
	}
	led, err := budget.Open(filepath.Join(cfg.StateDir, "budget.db"))
	if err != nil {
		reg.Close()
		return nil, err
	}

	spaces := []struct {
		space models.Space
		dir   string
	}{
		{models.SpaceProject, cfg.ProjectDir},
		{models.SpaceUser, cfg.UserDir},
		{models.SpaceSystem, cfg.SystemDir},
	}
	var storeDirs []directive.SpaceDir
	var dispDirs []dispatch.SpaceDir
	for _, s := range spaces {
		if s.dir == "" {
			continue
		}
		storeDirs = append(storeDirs, directive.SpaceDir{Space: s.space, Dir: s.dir})
		dispDirs = append(dispDirs, dispatch.SpaceDir{
			Space:         s.space,
			Dir:           s.dir,
			AllowUnsigned: cfg.SpaceAllowsUnsigned(s.space),
		})
	}

	prov, err := buildProvider(cfg)
	if err != nil {
		reg.Close()
		led.Close()
		return nil, err
	}

	orch, err := orchestrator.New(runner.Deps{
		Config:     cfg,
		Keyring:    kr,
		Registry:   reg,
		Ledger:     led,
		Store:      directive.NewStore(storeDirs...),
		Dispatcher: dispatch.New(kr, dispatch.DefaultConfig(), dispDirs...),
		Provider:   prov,
	})
	if err != nil {
		reg.Close()
		led.Close()
		return nil, err
	}
	return &runtime{cfg: cfg, keyring: kr, reg: reg, ledger: led, orch: orch}, nil
}

func buildProvider(cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider.Default {
	case "anthropic":
		key := cfg.Provider.AnthropicKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		return provider.NewAnthropic(provider.AnthropicConfig{APIKey: key})
	case "openai":
		key := cfg.Provider.OpenAIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return provider.NewOpenAI(provider.OpenAIConfig{APIKey: key})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Default)
	}
}

// recoverOrphans reclassifies rows left running by dead processes before any
// new work starts. Failures are logged, never fatal.
func recoverOrphans(orch *orchestrator.Orchestrator) {
	crashed, err := orch.Recover()
	if err != nil {
		slog.Warn("registry recovery failed", "error", err)
		return
	}
	if len(crashed) > 0 {
		slog.Info("recovered orphaned threads", "count", len(crashed), "threads", crashed)
	}
}

type runOptions struct {
	directive  string
	inputs     []string
	inputsJSON string
	model      string
	async      bool
	threadID   string
	parentID   string
	depth      int
	configPath string
}

func runRun(ctx context.Context, opts runOptions) error {
	rt, err := openRuntime(opts.configPath)
	if err != nil {
		return err
	}
	defer rt.close()
	recoverOrphans(rt.orch)

	inputs, err := parseInputs(opts.inputs, opts.inputsJSON)
	if err != nil {
		return err
	}

	var parentToken *capability.Token
	if raw := os.Getenv(orchestrator.ParentTokenEnv); raw != "" {
		parentToken, err = rt.keyring.Verify(raw)
		if err != nil {
			return fmt.Errorf("verify parent token: %w", err)
		}
	}

	p := runner.Params{
		Directive:   opts.directive,
		Inputs:      inputs,
		ThreadID:    opts.threadID,
		ParentID:    opts.parentID,
		ParentToken: parentToken,
		Depth:       opts.depth,
		Model:       opts.model,
	}

	if opts.async {
		id := rt.orch.RunAsync(p)
		fmt.Println(id)
		// Keep the process alive until the detached thread settles;
		// SIGINT/SIGTERM cancel it.
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		res, err := rt.orch.WaitOne(ctx, id, rt.cfg.Coordination.WaitTimeout)
		if err != nil {
			return err
		}
		slog.Info("thread settled", "thread", id, "status", res.Status)
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	res, err := rt.orch.Run(ctx, p)
	if err != nil {
		return err
	}
	return printResult(res)
}

func runResume(ctx context.Context, configPath, threadID, resumedBy string) error {
	rt, err := openRuntime(configPath)
	if err != nil {
		return err
	}
	defer rt.close()
	recoverOrphans(rt.orch)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	res, err := rt.orch.Resume(ctx, threadID, resumedBy)
	if err != nil {
		return err
	}
	return printResult(res)
}

func runStatus(configPath, threadID string) error {
	rt, err := openRuntime(configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	t, err := rt.orch.Status(threadID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runList(configPath string, activeOnly bool) error {
	rt, err := openRuntime(configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	var threads []*models.Thread
	if activeOnly {
		threads, err = rt.orch.ListActive()
	} else {
		threads, err = rt.orch.ListAll()
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "THREAD\tDIRECTIVE\tSTATUS\tTURNS\tSPEND\tUPDATED")
	for _, t := range threads {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t$%.4f\t%s\n",
			t.ThreadID, t.Directive, t.Status, t.Cost.Turns, t.Cost.Spend,
			t.UpdatedAt.Local().Format(time.RFC3339))
	}
	return w.Flush()
}

func runKill(configPath, threadID, reason string, grace time.Duration) error {
	rt, err := openRuntime(configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.orch.Kill(threadID, reason, grace); err != nil {
		return err
	}
	fmt.Printf("cancelled %s\n", threadID)
	return nil
}

func runApprove(configPath, threadID, requestID string, approved bool, message string) error {
	rt, err := openRuntime(configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	threadDir := rt.cfg.ThreadDir(threadID)
	if requestID == "" {
		pending, err := approval.Pending(threadDir)
		if err != nil {
			return err
		}
		switch len(pending) {
		case 0:
			return fmt.Errorf("no pending approval requests for %s", threadID)
		case 1:
			requestID = pending[0].ID
		default:
			var ids []string
			for _, req := range pending {
				ids = append(ids, req.ID)
			}
			return fmt.Errorf("multiple pending requests, specify one of: %s", strings.Join(ids, ", "))
		}
	}

	if _, err := approval.Respond(threadDir, requestID, approved, message); err != nil {
		return err
	}
	verdict := "approved"
	if !approved {
		verdict = "denied"
	}
	fmt.Printf("%s request %s; resume with: rye resume %s\n", verdict, requestID, threadID)
	return nil
}

func runRecover(configPath string) error {
	rt, err := openRuntime(configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	crashed, err := rt.orch.Recover()
	if err != nil {
		return err
	}
	if len(crashed) == 0 {
		fmt.Println("no orphaned threads")
		return nil
	}
	for _, id := range crashed {
		fmt.Println(id)
	}
	return nil
}

// parseInputs merges repeated key=value flags with an optional JSON object,
// the JSON winning on conflicts. Flag values that parse as JSON scalars keep
// their type; everything else stays a string.
func parseInputs(pairs []string, rawJSON string) (map[string]any, error) {
	if len(pairs) == 0 && rawJSON == "" {
		return nil, nil
	}
	inputs := map[string]any{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("malformed --input %q, want key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			inputs[key] = parsed
		} else {
			inputs[key] = value
		}
	}
	if rawJSON != "" {
		var extra map[string]any
		if err := json.Unmarshal([]byte(rawJSON), &extra); err != nil {
			return nil, fmt.Errorf("parse --inputs-json: %w", err)
		}
		for k, v := range extra {
			inputs[k] = v
		}
	}
	return inputs, nil
}

func printResult(res *models.ThreadResult) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	if res.Status == models.StatusError {
		return fmt.Errorf("thread %s failed: %s", res.ThreadID, res.Error)
	}
	return nil
}
