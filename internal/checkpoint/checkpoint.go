// Package checkpoint serializes harness and loop state after each turn so
// a thread can resume without re-running the LLM.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rye-run/rye/internal/harness"
	"github.com/rye-run/rye/pkg/models"
)

// FileName is the checkpoint file inside a thread directory.
const FileName = "state.json"

// State captures everything the runner needs to reconstruct its loop:
// accumulated cost and limits, the conversation buffer, the last journal
// sequence observed, and lineage.
type State struct {
	ThreadID       string               `json:"thread_id"`
	Directive      string               `json:"directive"`
	Harness        harness.Snapshot     `json:"harness"`
	Messages       []models.ChatMessage `json:"messages"`
	Inputs         map[string]any       `json:"inputs,omitempty"`
	LastSeq        int64                `json:"last_seq"`
	Turn           int                  `json:"turn"`
	ContinuationOf string               `json:"continuation_of,omitempty"`

	// SuspendReason is set when the checkpoint was taken on suspension
	// (limit escalation, explicit suspend hook).
	SuspendReason string `json:"suspend_reason,omitempty"`

	// PendingApprovalID links a suspended thread to its approval request.
	PendingApprovalID string `json:"pending_approval_id,omitempty"`

	// PendingLimit records the limit hit awaiting escalation approval.
	PendingLimit *harness.LimitHit `json:"pending_limit,omitempty"`
}

// Save writes the checkpoint atomically: serialize to a temp file in the
// same directory, then rename over the previous checkpoint.
func Save(threadDir string, state *State) error {
	if err := os.MkdirAll(threadDir, 0o755); err != nil {
		return fmt.Errorf("create thread dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	dest := filepath.Join(threadDir, FileName)
	tmp, err := os.CreateTemp(threadDir, FileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// Load reads the most recent checkpoint for a thread directory. A missing
// checkpoint returns (nil, nil).
func Load(threadDir string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(threadDir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &state, nil
}
