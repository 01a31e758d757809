package models

import (
	"strings"
	"testing"
	"time"
)

func TestThreadStatusTerminal(t *testing.T) {
	terminal := []ThreadStatus{StatusCompleted, StatusError, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false", s)
		}
	}
	live := []ThreadStatus{StatusRunning, StatusPaused, StatusSuspended}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true", s)
		}
	}
}

func TestNewThreadID(t *testing.T) {
	now := time.Unix(1724500000, 0)
	id := NewThreadID("summarize", now)
	if id != "summarize-1724500000" {
		t.Errorf("id = %s", id)
	}
	if !strings.HasPrefix(id, "summarize-") {
		t.Errorf("id %s missing directive prefix", id)
	}
}

func TestCostTotalsAdd(t *testing.T) {
	total := CostTotals{Turns: 1, InputTokens: 100, OutputTokens: 50, Spend: 0.01}
	total.Add(CostTotals{Turns: 1, InputTokens: 200, OutputTokens: 80, Spend: 0.02, DurationSeconds: 1.5})
	if total.Turns != 2 || total.InputTokens != 300 || total.OutputTokens != 130 {
		t.Errorf("totals = %+v", total)
	}
	if total.Spend != 0.03 || total.DurationSeconds != 1.5 {
		t.Errorf("totals = %+v", total)
	}
}
