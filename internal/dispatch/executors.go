package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"
)

// subprocessExecutor runs the composed command with the call params as a
// JSON document on stdin and the tool's JSON (or plain text) on stdout.
type subprocessExecutor struct{}

func (s *subprocessExecutor) Execute(ctx context.Context, chain []*ToolSpec, params map[string]any, timeout time.Duration) (*Result, error) {
	var argv []string
	env := os.Environ()
	for _, spec := range chain {
		argv = append(argv, spec.Command...)
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("executor chain composes no command")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdin, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tool timeout after %s: %w", timeout, ctx.Err())
		}
		return &Result{
			OK:    false,
			Error: strings.TrimSpace(stderr.String() + " " + err.Error()),
		}, nil
	}
	return envelope(stdout.Bytes()), nil
}

// httpExecutor posts the call params as JSON to the tool's endpoint.
type httpExecutor struct {
	// Client overrides the default HTTP client in tests.
	Client *http.Client
}

func (h *httpExecutor) Execute(ctx context.Context, chain []*ToolSpec, params map[string]any, timeout time.Duration) (*Result, error) {
	var url, method string
	headers := map[string]string{}
	for _, spec := range chain {
		if spec.URL != "" {
			url = spec.URL
		}
		if spec.Method != "" {
			method = spec.Method
		}
		for k, v := range spec.Headers {
			headers[k] = v
		}
	}
	if url == "" {
		return nil, fmt.Errorf("executor chain declares no url")
	}
	if method == "" {
		method = http.MethodPost
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tool timeout after %s: %w", timeout, ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return &Result{
			OK:    false,
			Error: fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(out))),
		}, nil
	}
	return envelope(out), nil
}

// envelope normalizes raw tool output into the execution envelope: a JSON
// object becomes the data fields, anything else wraps as {"output": text}.
func envelope(out []byte) *Result {
	trimmed := bytes.TrimSpace(out)
	var data map[string]any
	if len(trimmed) > 0 && json.Unmarshal(trimmed, &data) == nil {
		return &Result{OK: true, Data: data}
	}
	return &Result{OK: true, Data: map[string]any{"output": string(trimmed)}}
}
