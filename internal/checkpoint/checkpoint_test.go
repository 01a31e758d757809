package checkpoint

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rye-run/rye/internal/harness"
	"github.com/rye-run/rye/pkg/models"
)

func sampleState() *State {
	return &State{
		ThreadID:  "dir-100",
		Directive: "dir",
		Harness: harness.Snapshot{
			Cost:      models.CostTotals{Turns: 2, InputTokens: 500, OutputTokens: 200, Spend: 0.05},
			Limits:    models.Limits{MaxTurns: 10, MaxSpend: 1.0},
			StartedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
		Messages: []models.ChatMessage{
			{Role: models.RoleUser, Content: "do the thing"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{CallID: "c1", Name: "fetch"}}},
			{Role: models.RoleTool, ToolCallID: "c1", Content: `{"ok":true}`},
		},
		Inputs:  map[string]any{"topic": "go"},
		LastSeq: 17,
		Turn:    2,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := sampleState()
	if err := Save(dir, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, want)
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	got, err := Load(t.TempDir())
	if err != nil || got != nil {
		t.Fatalf("Load on empty dir = %v, %v; want nil, nil", got, err)
	}
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	if err := Save(dir, sampleState()); err != nil {
		t.Fatal(err)
	}
	second := sampleState()
	second.Turn = 3
	if err := Save(dir, second); err != nil {
		t.Fatal(err)
	}

	// No temp files linger after a successful save.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != FileName {
			t.Errorf("unexpected leftover file %s", e.Name())
		}
	}
	got, err := Load(dir)
	if err != nil || got.Turn != 3 {
		t.Fatalf("latest checkpoint not visible: %+v, %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
		t.Fatal(err)
	}
}
