// Package approval implements the file-based human approval protocol:
// a thread writes a request file, suspends or polls, and an operator (or
// the CLI) answers by atomically creating the matching response file.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dir is the per-thread directory holding request/response pairs.
const Dir = "approvals"

var (
	// ErrTimeout indicates no response arrived within the wait window.
	ErrTimeout = errors.New("approval wait timed out")
	// ErrNotFound indicates no pending request matches the id.
	ErrNotFound = errors.New("approval request not found")
	// ErrAlreadyAnswered indicates a response file already exists.
	ErrAlreadyAnswered = errors.New("approval already answered")
)

// Request is what the operator sees when deciding.
type Request struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	Kind      string         `json:"kind"`
	Summary   string         `json:"summary"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Response is the operator's one-shot answer.
type Response struct {
	ID         string    `json:"id"`
	Approved   bool      `json:"approved"`
	Message    string    `json:"message,omitempty"`
	AnsweredAt time.Time `json:"answered_at"`
}

// Create writes a new request file under threadDir and returns it.
func Create(threadDir, threadID, kind, summary string, details map[string]any) (*Request, error) {
	req := &Request{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Kind:      kind,
		Summary:   summary,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	dir := filepath.Join(threadDir, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(requestPath(threadDir, req.ID), data, 0o644); err != nil {
		return nil, fmt.Errorf("write approval request: %w", err)
	}
	return req, nil
}

// Await polls for the response file until it appears, the context ends, or
// timeout elapses. Poll interval is coarse; approvals are human-latency.
func Await(ctx context.Context, threadDir, id string, timeout time.Duration) (*Response, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		resp, err := Load(threadDir, id)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, id, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Load reads a response file if one exists.
func Load(threadDir, id string) (*Response, error) {
	data, err := os.ReadFile(responsePath(threadDir, id))
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("corrupt approval response %s: %w", id, err)
	}
	return &resp, nil
}

// LoadRequest reads a pending request file.
func LoadRequest(threadDir, id string) (*Request, error) {
	data, err := os.ReadFile(requestPath(threadDir, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("corrupt approval request %s: %w", id, err)
	}
	return &req, nil
}

// Respond answers a request. The response file is created atomically
// (write temp, rename); answering twice fails.
func Respond(threadDir, id string, approved bool, message string) (*Response, error) {
	if _, err := LoadRequest(threadDir, id); err != nil {
		return nil, err
	}
	final := responsePath(threadDir, id)
	if _, err := os.Stat(final); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAnswered, id)
	}

	resp := &Response{ID: id, Approved: approved, Message: message, AnsweredAt: time.Now().UTC()}
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(final), ".response-*")
	if err != nil {
		return nil, err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	return resp, nil
}

// Pending lists unanswered requests under threadDir.
func Pending(threadDir string) ([]*Request, error) {
	entries, err := os.ReadDir(filepath.Join(threadDir, Dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*Request
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".request.json") {
			continue
		}
		id := strings.TrimSuffix(name, ".request.json")
		if _, err := os.Stat(responsePath(threadDir, id)); err == nil {
			continue
		}
		req, err := LoadRequest(threadDir, id)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func requestPath(threadDir, id string) string {
	return filepath.Join(threadDir, Dir, id+".request.json")
}

func responsePath(threadDir, id string) string {
	return filepath.Join(threadDir, Dir, id+".response.json")
}
