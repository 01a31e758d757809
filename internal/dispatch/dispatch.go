package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rye-run/rye/internal/capability"
	"github.com/rye-run/rye/pkg/models"
)

var (
	// ErrItemNotFound indicates no space holds the item.
	ErrItemNotFound = errors.New("item not found")
	// ErrExecutorLoop indicates the executor chain revisits an item.
	ErrExecutorLoop = errors.New("executor chain loop")
)

// primaryFor maps item types to the primary action of their canonical
// permission string.
var primaryFor = map[string]string{
	"tool":      "execute",
	"executor":  "execute",
	"directive": "load",
	"knowledge": "load",
}

// Result is the execution envelope every dispatch returns. Capability
// denials are results, not errors: the runner injects them as tool
// results so the model can adjust.
type Result struct {
	OK     bool           `json:"ok"`
	Denied bool           `json:"denied,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Denial builds the structured denial envelope for an action string.
func Denial(action string) *Result {
	return &Result{
		Denied: true,
		Error:  fmt.Sprintf("permission denied: capability token does not cover %s", action),
	}
}

// ToolSpec is the declared shape of a tool or executor item. Executor
// chains compose command prefixes leaf-last: the resolved command is the
// concatenation root-runtime command + ... + tool command.
type ToolSpec struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	ExecutorID  string            `yaml:"executor_id"`
	Command     []string          `yaml:"command,omitempty"`
	URL         string            `yaml:"url,omitempty"`
	Method      string            `yaml:"method,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	TimeoutSec  float64           `yaml:"timeout_seconds,omitempty"`
}

// SpaceDir binds a space tier to its item root.
type SpaceDir struct {
	Space models.Space
	Dir   string
	// AllowUnsigned opts this space out of mandatory item signatures.
	AllowUnsigned bool
}

// Config tunes the dispatcher.
type Config struct {
	// DefaultTimeout bounds tool execution when the declaration sets no timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{DefaultTimeout: 60 * time.Second}
}

// Dispatcher resolves items across spaces and invokes them.
type Dispatcher struct {
	spaces  []SpaceDir
	keyring *capability.Keyring
	cfg     Config
	logger  *slog.Logger

	// primitives are the terminal executors a chain may bottom out in.
	primitives map[string]Primitive
}

// Primitive is a terminal executor (subprocess, http_client).
type Primitive interface {
	Execute(ctx context.Context, chain []*ToolSpec, params map[string]any, timeout time.Duration) (*Result, error)
}

// New builds a dispatcher over the given spaces, highest priority first.
func New(kr *capability.Keyring, cfg Config, spaces ...SpaceDir) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	return &Dispatcher{
		spaces:  spaces,
		keyring: kr,
		cfg:     cfg,
		logger:  slog.Default(),
		primitives: map[string]Primitive{
			"subprocess":  &subprocessExecutor{},
			"http_client": &httpExecutor{},
		},
	}
}

// WithLogger overrides the dispatcher's logger.
func (d *Dispatcher) WithLogger(l *slog.Logger) *Dispatcher {
	if l != nil {
		d.logger = l
	}
	return d
}

// WithPrimitive registers or replaces a terminal executor. Tests install
// fakes here.
func (d *Dispatcher) WithPrimitive(name string, p Primitive) *Dispatcher {
	d.primitives[name] = p
	return d
}

// ResolveFile locates an item file across spaces in priority order.
func (d *Dispatcher) ResolveFile(itemType, itemID string) (*ItemFile, models.Space, error) {
	rel := filepath.Join(strings.Split(strings.ReplaceAll(itemID, ".", "/"), "/")...)
	for _, sp := range d.spaces {
		matches, _ := filepath.Glob(filepath.Join(sp.Dir, itemType+"s", rel+".*"))
		if len(matches) == 0 {
			continue
		}
		data, err := os.ReadFile(matches[0])
		if err != nil {
			return nil, "", err
		}
		item, err := ParseItem(data)
		if err != nil {
			return nil, "", err
		}
		if err := VerifyItem(d.keyring, item, sp.AllowUnsigned); err != nil {
			return nil, "", fmt.Errorf("%s/%s: %w", itemType, itemID, err)
		}
		return item, sp.Space, nil
	}
	return nil, "", fmt.Errorf("%w: %s/%s", ErrItemNotFound, itemType, itemID)
}

// Spec resolves and decodes a tool or executor declaration without
// executing it. The runner uses it to describe tools to the model.
func (d *Dispatcher) Spec(itemType, itemID string) (*ToolSpec, error) {
	return d.loadSpec(itemType, itemID)
}

// loadSpec resolves and decodes a tool/executor spec.
func (d *Dispatcher) loadSpec(itemType, itemID string) (*ToolSpec, error) {
	item, _, err := d.ResolveFile(itemType, itemID)
	if err != nil {
		return nil, err
	}
	var spec ToolSpec
	if err := yaml.Unmarshal(item.Content, &spec); err != nil {
		return nil, fmt.Errorf("parse %s/%s: %w", itemType, itemID, err)
	}
	if spec.Name == "" {
		spec.Name = itemID
	}
	return &spec, nil
}

// resolveChain follows executor_id links from a tool down to a primitive.
// Returns the chain primitive-first (runtimes before the tool) and the
// primitive's name.
func (d *Dispatcher) resolveChain(spec *ToolSpec) ([]*ToolSpec, string, error) {
	chain := []*ToolSpec{spec}
	visited := map[string]bool{spec.Name: true}
	current := spec
	for {
		if current.ExecutorID == "" {
			return nil, "", fmt.Errorf("tool %s declares no executor", current.Name)
		}
		if _, ok := d.primitives[current.ExecutorID]; ok {
			// Reverse so runtimes come before the tool they host.
			for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
				chain[i], chain[j] = chain[j], chain[i]
			}
			return chain, current.ExecutorID, nil
		}
		if visited[current.ExecutorID] {
			return nil, "", fmt.Errorf("%w: at %s", ErrExecutorLoop, current.ExecutorID)
		}
		visited[current.ExecutorID] = true
		next, err := d.loadSpec("executor", current.ExecutorID)
		if err != nil {
			return nil, "", err
		}
		chain = append(chain, next)
		current = next
	}
}

// Dispatch checks the capability token, resolves the item and runs it
// through its executor chain. Only capability denials return a denial
// envelope; structural failures (missing item, tampered signature, loop)
// are errors.
func (d *Dispatcher) Dispatch(ctx context.Context, token *capability.Token, itemType, itemID string, params map[string]any) (*Result, error) {
	primary, ok := primaryFor[itemType]
	if !ok {
		primary = "execute"
	}
	action := capability.ActionString(primary, itemType, itemID)
	if !token.Check(action) {
		d.logger.Warn("capability denied", "action", action, "thread", tokenThread(token))
		return Denial(action), nil
	}

	spec, err := d.loadSpec(itemType, itemID)
	if err != nil {
		return nil, err
	}
	chain, primitive, err := d.resolveChain(spec)
	if err != nil {
		return nil, err
	}

	timeout := d.cfg.DefaultTimeout
	if spec.TimeoutSec > 0 {
		timeout = time.Duration(spec.TimeoutSec * float64(time.Second))
	}

	d.logger.Debug("dispatching tool",
		"item", itemType+"/"+itemID, "primitive", primitive, "chain_len", len(chain))
	return d.primitives[primitive].Execute(ctx, chain, params, timeout)
}

func tokenThread(t *capability.Token) string {
	if t == nil {
		return ""
	}
	return t.ThreadID
}
