// Package graph walks deterministic state graphs: node actions dispatch
// through the tool dispatcher, assignments mutate state via interpolation,
// and edge conditions pick the next node. No LLM is involved.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rye-run/rye/internal/capability"
	"github.com/rye-run/rye/internal/dispatch"
	"github.com/rye-run/rye/internal/hooks"
	"github.com/rye-run/rye/internal/interpolate"
	"github.com/rye-run/rye/pkg/models"
)

var (
	// ErrMaxSteps indicates the walk exceeded its step budget.
	ErrMaxSteps = errors.New("graph walk exceeded max steps")
	// ErrBadGraph indicates a structural problem (missing start or node).
	ErrBadGraph = errors.New("invalid graph definition")
)

// defaultMaxSteps bounds walks whose spec declares no budget.
const defaultMaxSteps = 100

// artifactDir is the per-thread subdirectory holding step artifacts.
const artifactDir = "graph"

// Dispatcher is the action executor the walker drives. Satisfied by
// *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, token *capability.Token, itemType, itemID string, params map[string]any) (*dispatch.Result, error)
}

// WalkState is the persisted walker state, one artifact per step.
type WalkState struct {
	ThreadID    string         `json:"thread_id"`
	CurrentNode string         `json:"current_node"`
	Step        int            `json:"step"`
	State       map[string]any `json:"state"`
	Done        bool           `json:"done"`
	Result      map[string]any `json:"result,omitempty"`
}

// StepHook observes each completed step; the runner uses it to emit
// graph_step transcript events.
type StepHook func(step int, node string, state map[string]any)

// Walker executes one graph to completion.
type Walker struct {
	Spec       *models.GraphSpec
	Token      *capability.Token
	Dispatcher Dispatcher
	Keyring    *capability.Keyring

	// ThreadDir, when set, receives a signed artifact per step.
	ThreadDir string
	ThreadID  string

	Inputs map[string]any
	Logger *slog.Logger
	OnStep StepHook
}

// Run walks from the start node (or a resumed state) until a terminal
// node, a missing next, or the step budget. Returns the final state and
// the return node's assigned result.
func (w *Walker) Run(ctx context.Context, resume *WalkState) (*WalkState, error) {
	if w.Spec == nil || w.Spec.Start == "" {
		return nil, fmt.Errorf("%w: missing start node", ErrBadGraph)
	}
	if w.Logger == nil {
		w.Logger = slog.Default()
	}
	maxSteps := w.Spec.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	ws := resume
	if ws == nil {
		ws = &WalkState{CurrentNode: w.Spec.Start, State: map[string]any{}}
	}
	if ws.State == nil {
		ws.State = map[string]any{}
	}

	for {
		if err := ctx.Err(); err != nil {
			return ws, err
		}
		if ws.Step >= maxSteps {
			return ws, fmt.Errorf("%w: %d", ErrMaxSteps, maxSteps)
		}
		node, ok := w.Spec.Nodes[ws.CurrentNode]
		if !ok {
			return ws, fmt.Errorf("%w: node %q not defined", ErrBadGraph, ws.CurrentNode)
		}

		result, err := w.execute(ctx, node)
		if err != nil {
			return ws, fmt.Errorf("node %s: %w", ws.CurrentNode, err)
		}

		scope := interpolate.Scope{Inputs: w.Inputs, State: ws.State, Result: result}
		for key, expr := range node.Assign {
			ws.State[key] = interpolate.Expand(expr, scope)
		}

		ws.Step++
		if w.OnStep != nil {
			w.OnStep(ws.Step, ws.CurrentNode, ws.State)
		}
		if err := w.persist(ws); err != nil {
			return ws, err
		}

		if node.Return {
			ws.Done = true
			ws.Result = returnValue(node, ws.State)
			return ws, w.persist(ws)
		}

		next := pickEdge(node.Edges, w.Inputs, ws.State, result)
		if next == "" {
			ws.Done = true
			return ws, w.persist(ws)
		}
		ws.CurrentNode = next
	}
}

// execute dispatches the node's action and unwraps the execution envelope
// so the data fields surface at the top of ${result.*}.
func (w *Walker) execute(ctx context.Context, node models.GraphNode) (map[string]any, error) {
	if node.Action == "" {
		return nil, nil
	}
	itemType, itemID, ok := strings.Cut(node.Action, "/")
	if !ok {
		return nil, fmt.Errorf("%w: action %q is not <item_type>/<id>", ErrBadGraph, node.Action)
	}

	scope := interpolate.Scope{Inputs: w.Inputs}
	params := map[string]any{}
	for k, v := range node.Params {
		params[k] = interpolate.Expand(v, scope)
	}

	res, err := w.Dispatcher.Dispatch(ctx, w.Token, itemType, itemID, params)
	if err != nil {
		return nil, err
	}
	if res.Denied {
		return nil, fmt.Errorf("action %s: %s", node.Action, res.Error)
	}
	if !res.OK {
		return nil, fmt.Errorf("action %s failed: %s", node.Action, res.Error)
	}
	return res.Data, nil
}

// pickEdge evaluates edges in declaration order: the first whose condition
// holds wins; an unconditional edge matches when reached.
func pickEdge(edges []models.GraphEdge, inputs, state, result map[string]any) string {
	evalCtx := map[string]any{"inputs": inputs, "state": state, "result": result}
	for _, e := range edges {
		if e.When == nil || hooks.Eval(e.When, evalCtx) {
			return e.Next
		}
	}
	return ""
}

// returnValue builds the terminal result from a return node: its assigned
// keys when declared, the whole state otherwise.
func returnValue(node models.GraphNode, state map[string]any) map[string]any {
	if len(node.Assign) == 0 {
		return state
	}
	out := map[string]any{}
	for key := range node.Assign {
		out[key] = state[key]
	}
	return out
}

// persist writes the step artifact as signed JSON.
func (w *Walker) persist(ws *WalkState) error {
	if w.ThreadDir == "" {
		return nil
	}
	ws.ThreadID = w.ThreadID
	dir := filepath.Join(w.ThreadDir, artifactDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return err
	}
	if w.Keyring != nil {
		data = dispatch.SignItem(w.Keyring, data)
	}
	path := filepath.Join(dir, fmt.Sprintf("%06d.json", ws.Step))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("persist graph artifact: %w", err)
	}
	return nil
}

// LoadLatest finds the newest step artifact under threadDir, verifying its
// signature when a keyring is supplied. Returns nil when none exist.
func LoadLatest(threadDir string, kr *capability.Keyring) (*WalkState, error) {
	dir := filepath.Join(threadDir, artifactDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var steps []int
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".json")
		if n, err := strconv.Atoi(name); err == nil {
			steps = append(steps, n)
		}
	}
	if len(steps) == 0 {
		return nil, nil
	}
	sort.Ints(steps)
	latest := steps[len(steps)-1]

	data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("%06d.json", latest)))
	if err != nil {
		return nil, err
	}
	item, err := dispatch.ParseItem(data)
	if err != nil {
		return nil, err
	}
	if kr != nil {
		if err := dispatch.VerifyItem(kr, item, false); err != nil {
			return nil, fmt.Errorf("graph artifact step %d: %w", latest, err)
		}
	}
	var ws WalkState
	if err := json.Unmarshal(item.Content, &ws); err != nil {
		return nil, fmt.Errorf("corrupt graph artifact step %d: %w", latest, err)
	}
	return &ws, nil
}
