// Package config loads the runtime configuration: state locations, space
// roots, provider credentials, and the coordination defaults that tune
// limits, throttling and orchestrator waits.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rye-run/rye/pkg/models"
)

// Coordination holds the tunables shared by the runner and orchestrator.
// These are config defaults, never hard-coded at use sites.
type Coordination struct {
	// Complexity maps directive complexity tiers to default limits used
	// when a directive declares none.
	Complexity map[string]models.Limits `yaml:"complexity" json:"complexity"`

	// CompactionThreshold and HandoffThreshold are context-pressure trip
	// points (estimated tokens / context window).
	CompactionThreshold float64 `yaml:"compaction_threshold" json:"compaction_threshold"`
	HandoffThreshold    float64 `yaml:"handoff_threshold" json:"handoff_threshold"`

	// ThrottleInterval rate-limits droppable transcript events.
	ThrottleInterval time.Duration `yaml:"throttle_interval" json:"throttle_interval"`

	// WaitBackoffMin/Max bound the orchestrator's cross-process poll
	// interval.
	WaitBackoffMin time.Duration `yaml:"wait_backoff_min" json:"wait_backoff_min"`
	WaitBackoffMax time.Duration `yaml:"wait_backoff_max" json:"wait_backoff_max"`

	// WaitTimeout is the default orchestrator wait deadline.
	WaitTimeout time.Duration `yaml:"wait_timeout" json:"wait_timeout"`

	// ApprovalTimeout bounds suspension-free approval waits.
	ApprovalTimeout time.Duration `yaml:"approval_timeout" json:"approval_timeout"`
}

// DefaultCoordination returns the bundled coordination defaults.
func DefaultCoordination() Coordination {
	return Coordination{
		Complexity: map[string]models.Limits{
			"simple":   {MaxTurns: 10, MaxSpend: 0.5},
			"moderate": {MaxTurns: 25, MaxSpend: 2.0},
			"complex":  {MaxTurns: 50, MaxSpend: 10.0},
		},
		CompactionThreshold: 0.8,
		HandoffThreshold:    0.9,
		ThrottleInterval:    time.Second,
		WaitBackoffMin:      time.Second,
		WaitBackoffMax:      10 * time.Second,
		WaitTimeout:         600 * time.Second,
		ApprovalTimeout:     time.Hour,
	}
}

// Provider credentials and model selection.
type Provider struct {
	Default      string            `yaml:"default" json:"default"`
	AnthropicKey string            `yaml:"anthropic_api_key" json:"anthropic_api_key"`
	OpenAIKey    string            `yaml:"openai_api_key" json:"openai_api_key"`
	Tiers        map[string]string `yaml:"tiers" json:"tiers"`
}

// Config is the full runtime configuration.
type Config struct {
	// StateDir holds registry.db, budget.db and per-thread directories.
	StateDir string `yaml:"state_dir" json:"state_dir"`

	// ProjectDir, UserDir and SystemDir are the space roots, highest
	// priority first.
	ProjectDir string `yaml:"project_dir" json:"project_dir"`
	UserDir    string `yaml:"user_dir" json:"user_dir"`
	SystemDir  string `yaml:"system_dir" json:"system_dir"`

	// AllowUnsigned lists spaces whose trust policy accepts unsigned items.
	AllowUnsigned []models.Space `yaml:"allow_unsigned" json:"allow_unsigned"`

	Provider     Provider     `yaml:"provider" json:"provider"`
	Coordination Coordination `yaml:"coordination" json:"coordination"`

	// ClassifyRules optionally points at an override classification file.
	ClassifyRules string `yaml:"classify_rules,omitempty" json:"classify_rules,omitempty"`
}

// DefaultConfig returns a configuration rooted in the current directory.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		StateDir:   filepath.Join(".rye", "threads"),
		ProjectDir: ".rye",
		UserDir:    filepath.Join(home, ".rye"),
		SystemDir:  "/usr/local/share/rye",
		Provider: Provider{
			Default: "anthropic",
			Tiers: map[string]string{
				"fast":     "claude-3-5-haiku-20241022",
				"standard": "claude-sonnet-4-20250514",
				"powerful": "claude-opus-4-20250514",
			},
		},
		Coordination: DefaultCoordination(),
	}
}

// Load reads a config file, layering it over the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.sanitize()
	return cfg, nil
}

// sanitize backfills zero values with defaults so partial files stay valid.
func (c *Config) sanitize() {
	def := DefaultCoordination()
	co := &c.Coordination
	if co.Complexity == nil {
		co.Complexity = def.Complexity
	}
	if co.CompactionThreshold <= 0 {
		co.CompactionThreshold = def.CompactionThreshold
	}
	if co.HandoffThreshold <= 0 {
		co.HandoffThreshold = def.HandoffThreshold
	}
	if co.ThrottleInterval <= 0 {
		co.ThrottleInterval = def.ThrottleInterval
	}
	if co.WaitBackoffMin <= 0 {
		co.WaitBackoffMin = def.WaitBackoffMin
	}
	if co.WaitBackoffMax < co.WaitBackoffMin {
		co.WaitBackoffMax = def.WaitBackoffMax
	}
	if co.WaitTimeout <= 0 {
		co.WaitTimeout = def.WaitTimeout
	}
	if co.ApprovalTimeout <= 0 {
		co.ApprovalTimeout = def.ApprovalTimeout
	}
	if c.Provider.Default == "" {
		c.Provider.Default = "anthropic"
	}
	if c.Provider.Tiers == nil {
		c.Provider.Tiers = DefaultConfig().Provider.Tiers
	}
}

// LimitsFor resolves a directive's effective limits: declared values win,
// complexity-tier defaults backfill the rest.
func (c *Config) LimitsFor(d *models.Directive) models.Limits {
	out := d.Limits
	tier := d.Complexity
	if tier == "" {
		tier = "moderate"
	}
	defaults, ok := c.Coordination.Complexity[tier]
	if !ok {
		defaults = c.Coordination.Complexity["moderate"]
	}
	if out.MaxTurns == 0 {
		out.MaxTurns = defaults.MaxTurns
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = defaults.MaxTokens
	}
	if out.MaxSpend == 0 {
		out.MaxSpend = defaults.MaxSpend
	}
	if out.MaxSeconds == 0 {
		out.MaxSeconds = defaults.MaxSeconds
	}
	return out
}

// ModelFor resolves a directive's model selection: explicit id wins, then
// the tier mapping, then the provider default tier.
func (c *Config) ModelFor(d *models.Directive) string {
	if d.Model.ID != "" {
		return d.Model.ID
	}
	if d.Model.Tier != "" {
		if id, ok := c.Provider.Tiers[d.Model.Tier]; ok {
			return id
		}
	}
	if d.Model.Fallback != "" {
		return d.Model.Fallback
	}
	return c.Provider.Tiers["standard"]
}

// SpaceAllowsUnsigned reports the trust policy for a space.
func (c *Config) SpaceAllowsUnsigned(s models.Space) bool {
	for _, sp := range c.AllowUnsigned {
		if sp == s {
			return true
		}
	}
	return false
}

// ThreadDir returns the per-thread state directory.
func (c *Config) ThreadDir(threadID string) string {
	return filepath.Join(c.StateDir, threadID)
}
