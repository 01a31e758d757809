package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rye-run/rye/pkg/models"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Coordination.CompactionThreshold != 0.8 || cfg.Coordination.HandoffThreshold != 0.9 {
		t.Errorf("thresholds = %+v", cfg.Coordination)
	}
	if cfg.Coordination.WaitTimeout != 600*time.Second {
		t.Errorf("wait timeout = %v", cfg.Coordination.WaitTimeout)
	}
}

func TestLoadPartialFileBackfills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rye.yaml")
	os.WriteFile(path, []byte(`
state_dir: /tmp/rye-test
coordination:
  handoff_threshold: 0.95
`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StateDir != "/tmp/rye-test" {
		t.Errorf("state_dir = %q", cfg.StateDir)
	}
	if cfg.Coordination.HandoffThreshold != 0.95 {
		t.Errorf("override lost: %v", cfg.Coordination.HandoffThreshold)
	}
	// Unset values backfill from defaults.
	if cfg.Coordination.CompactionThreshold != 0.8 || cfg.Coordination.ThrottleInterval != time.Second {
		t.Errorf("backfill failed: %+v", cfg.Coordination)
	}
}

func TestLimitsForComplexityTiers(t *testing.T) {
	cfg := DefaultConfig()

	d := &models.Directive{Complexity: "simple"}
	got := cfg.LimitsFor(d)
	if got.MaxTurns != 10 || got.MaxSpend != 0.5 {
		t.Errorf("simple tier = %+v", got)
	}

	// Declared limits win over tier defaults.
	d = &models.Directive{Complexity: "simple", Limits: models.Limits{MaxTurns: 3}}
	got = cfg.LimitsFor(d)
	if got.MaxTurns != 3 || got.MaxSpend != 0.5 {
		t.Errorf("declared override = %+v", got)
	}

	// Unknown and empty tiers fall back to moderate.
	if got := cfg.LimitsFor(&models.Directive{}); got.MaxTurns != 25 {
		t.Errorf("default tier = %+v", got)
	}
}

func TestModelForResolution(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		name  string
		model models.ModelConfig
		want  string
	}{
		{"explicit id wins", models.ModelConfig{ID: "claude-x", Tier: "fast"}, "claude-x"},
		{"tier mapping", models.ModelConfig{Tier: "fast"}, "claude-3-5-haiku-20241022"},
		{"unknown tier uses fallback", models.ModelConfig{Tier: "mystery", Fallback: "m-1"}, "m-1"},
		{"empty uses standard", models.ModelConfig{}, "claude-sonnet-4-20250514"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := cfg.ModelFor(&models.Directive{Model: tc.model}); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSpaceTrustPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowUnsigned = []models.Space{models.SpaceProject}
	if !cfg.SpaceAllowsUnsigned(models.SpaceProject) || cfg.SpaceAllowsUnsigned(models.SpaceSystem) {
		t.Error("trust policy wrong")
	}
}
