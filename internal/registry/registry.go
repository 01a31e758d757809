// Package registry is the durable index of every thread: status, lineage,
// cost totals, and the continuation links that chain threads across
// context-window handoffs.
package registry

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/rye-run/rye/pkg/models"
)

var (
	// ErrNotFound indicates no record exists for the thread id.
	ErrNotFound = errors.New("thread not found")
	// ErrChainCycle indicates a continuation link would create a cycle.
	ErrChainCycle = errors.New("continuation chain cycle")
	// ErrDuplicate indicates a record already exists for the thread id.
	ErrDuplicate = errors.New("thread already registered")
)

// Registry is the shared thread store. Status transitions persist before
// the corresponding events become visible to other threads; every mutation
// is transactional.
type Registry struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if needed) the registry database at path.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	db.SetMaxOpenConns(1)
	r := &Registry{db: db}
	if err := r.init(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) init() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			thread_id         TEXT PRIMARY KEY,
			directive         TEXT NOT NULL,
			model             TEXT,
			status            TEXT NOT NULL,
			status_reason     TEXT,
			parent_id         TEXT,
			chain_root_id     TEXT,
			continuation_of   TEXT,
			continuation_next TEXT,
			depth             INTEGER NOT NULL DEFAULT 0,
			origin_space      TEXT,
			pid               INTEGER NOT NULL DEFAULT 0,
			turns             INTEGER NOT NULL DEFAULT 0,
			input_tokens      INTEGER NOT NULL DEFAULT 0,
			output_tokens     INTEGER NOT NULL DEFAULT 0,
			spend             REAL NOT NULL DEFAULT 0,
			duration_seconds  REAL NOT NULL DEFAULT 0,
			capabilities      TEXT,
			token_id          TEXT,
			limits            TEXT,
			inputs            TEXT,
			outputs           TEXT,
			error             TEXT,
			created_at        TIMESTAMP NOT NULL,
			updated_at        TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_threads_parent ON threads(parent_id);
		CREATE INDEX IF NOT EXISTS idx_threads_chain ON threads(chain_root_id);
		CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status);
	`)
	if err != nil {
		return fmt.Errorf("init registry schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (r *Registry) Close() error { return r.db.Close() }

// Create inserts a new thread record in status running.
func (r *Registry) Create(t *models.Thread) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.Status == "" {
		t.Status = models.StatusRunning
	}
	if t.ChainRootID == "" {
		t.ChainRootID = t.ThreadID
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	caps, _ := json.Marshal(t.Capabilities)
	limits, _ := json.Marshal(t.Limits)
	inputs, _ := json.Marshal(t.Inputs)

	_, err := r.db.Exec(`
		INSERT INTO threads (
			thread_id, directive, model, status, status_reason, parent_id,
			chain_root_id, continuation_of, continuation_next, depth,
			origin_space, pid, capabilities, token_id, limits, inputs,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ThreadID, t.Directive, t.Model, t.Status, t.StatusReason, t.ParentID,
		t.ChainRootID, t.ContinuationOf, t.ContinuationNext, t.Depth,
		t.OriginSpace, t.PID, string(caps), t.TokenID, string(limits), string(inputs),
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("%w: %s", ErrDuplicate, t.ThreadID)
		}
		return err
	}
	return nil
}

func isConstraintErr(err error) bool {
	// modernc/sqlite surfaces constraint violations in the error text.
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint") ||
		strings.Contains(err.Error(), "constraint failed"))
}

// UpdateFields carries the optional fields of a status transition.
type UpdateFields struct {
	Reason  string
	Cost    *models.CostTotals
	Outputs map[string]any
	Error   string
	PID     *int
}

// UpdateStatus applies an atomic status and metric update. Applying the
// same transition twice is a no-op.
func (r *Registry) UpdateStatus(id string, status models.ThreadStatus, fields UpdateFields) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current models.ThreadStatus
	if err := tx.QueryRow(`SELECT status FROM threads WHERE thread_id = ?`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	if current.Terminal() && current == status {
		// Idempotent replay of a terminal transition.
		return tx.Commit()
	}

	set := "status = ?, updated_at = ?"
	args := []any{status, time.Now().UTC()}
	if fields.Reason != "" {
		set += ", status_reason = ?"
		args = append(args, fields.Reason)
	}
	if fields.Cost != nil {
		set += ", turns = ?, input_tokens = ?, output_tokens = ?, spend = ?, duration_seconds = ?"
		args = append(args, fields.Cost.Turns, fields.Cost.InputTokens,
			fields.Cost.OutputTokens, fields.Cost.Spend, fields.Cost.DurationSeconds)
	}
	if fields.Outputs != nil {
		out, _ := json.Marshal(fields.Outputs)
		set += ", outputs = ?"
		args = append(args, string(out))
	}
	if fields.Error != "" {
		set += ", error = ?"
		args = append(args, fields.Error)
	}
	if fields.PID != nil {
		set += ", pid = ?"
		args = append(args, *fields.PID)
	}
	args = append(args, id)

	if _, err := tx.Exec(`UPDATE threads SET `+set+` WHERE thread_id = ?`, args...); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateCost refreshes the cost columns without a status change.
func (r *Registry) UpdateCost(id string, cost models.CostTotals) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.db.Exec(`
		UPDATE threads SET turns = ?, input_tokens = ?, output_tokens = ?,
			spend = ?, duration_seconds = ?, updated_at = ?
		WHERE thread_id = ?`,
		cost.Turns, cost.InputTokens, cost.OutputTokens, cost.Spend,
		cost.DurationSeconds, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Get returns one thread record.
func (r *Registry) Get(id string) (*models.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(id)
}

const selectCols = `
	thread_id, directive, model, status, status_reason, parent_id,
	chain_root_id, continuation_of, continuation_next, depth, origin_space,
	pid, turns, input_tokens, output_tokens, spend, duration_seconds,
	capabilities, token_id, limits, inputs, created_at, updated_at`

func (r *Registry) get(id string) (*models.Thread, error) {
	row := r.db.QueryRow(`SELECT`+selectCols+` FROM threads WHERE thread_id = ?`, id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanThread(row rowScanner) (*models.Thread, error) {
	var t models.Thread
	var caps, limits, inputs sql.NullString
	var reason, parent, chainRoot, contOf, contNext, space, tokenID, model sql.NullString
	err := row.Scan(
		&t.ThreadID, &t.Directive, &model, &t.Status, &reason, &parent,
		&chainRoot, &contOf, &contNext, &t.Depth, &space,
		&t.PID, &t.Cost.Turns, &t.Cost.InputTokens, &t.Cost.OutputTokens,
		&t.Cost.Spend, &t.Cost.DurationSeconds,
		&caps, &tokenID, &limits, &inputs, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Model = model.String
	t.StatusReason = reason.String
	t.ParentID = parent.String
	t.ChainRootID = chainRoot.String
	t.ContinuationOf = contOf.String
	t.ContinuationNext = contNext.String
	t.OriginSpace = models.Space(space.String)
	t.TokenID = tokenID.String
	if caps.Valid && caps.String != "" {
		_ = json.Unmarshal([]byte(caps.String), &t.Capabilities)
	}
	if limits.Valid && limits.String != "" {
		_ = json.Unmarshal([]byte(limits.String), &t.Limits)
	}
	if inputs.Valid && inputs.String != "" {
		_ = json.Unmarshal([]byte(inputs.String), &t.Inputs)
	}
	return &t, nil
}

// Result assembles a ThreadResult from a record's stored columns.
func (r *Registry) Result(id string) (*models.ThreadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.get(id)
	if err != nil {
		return nil, err
	}
	res := &models.ThreadResult{ThreadID: t.ThreadID, Status: t.Status, Cost: t.Cost}
	var outputs, errText sql.NullString
	if err := r.db.QueryRow(`SELECT outputs, error FROM threads WHERE thread_id = ?`, id).
		Scan(&outputs, &errText); err != nil {
		return nil, err
	}
	if outputs.Valid && outputs.String != "" {
		_ = json.Unmarshal([]byte(outputs.String), &res.Outputs)
	}
	// A completed thread's error column only ever holds an output parse
	// failure, which does not fail the thread.
	if t.Status == models.StatusCompleted {
		res.ParseError = errText.String
	} else {
		res.Error = errText.String
	}
	return res, nil
}

// ListByParent returns a parent's direct children ordered by creation.
func (r *Registry) ListByParent(parentID string) ([]*models.Thread, error) {
	return r.list(`parent_id = ?`, parentID)
}

// ListActive returns every running, paused or suspended thread.
func (r *Registry) ListActive() ([]*models.Thread, error) {
	return r.list(`status IN (?, ?, ?)`, models.StatusRunning, models.StatusPaused, models.StatusSuspended)
}

// ListByStatus returns threads in one status.
func (r *Registry) ListByStatus(status models.ThreadStatus) ([]*models.Thread, error) {
	return r.list(`status = ?`, status)
}

// ListAll returns every record.
func (r *Registry) ListAll() ([]*models.Thread, error) {
	return r.list(`1 = 1`)
}

func (r *Registry) list(where string, args ...any) ([]*models.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.db.Query(`SELECT`+selectCols+` FROM threads WHERE `+where+` ORDER BY created_at, thread_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// maxChainHops bounds chain traversal as a second line of defense behind
// the link-time reachability check.
const maxChainHops = 1024

// ResolveChain follows continuation_next links to the terminal record.
func (r *Registry) ResolveChain(id string) (*models.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[string]bool{}
	current := id
	for hops := 0; hops < maxChainHops; hops++ {
		if seen[current] {
			return nil, fmt.Errorf("%w: at %s", ErrChainCycle, current)
		}
		seen[current] = true
		t, err := r.get(current)
		if err != nil {
			return nil, err
		}
		if t.ContinuationNext == "" {
			return t, nil
		}
		current = t.ContinuationNext
	}
	return nil, fmt.Errorf("%w: chain exceeds %d hops", ErrChainCycle, maxChainHops)
}

// SetContinuation links a thread to its successor. The successor must
// already exist, and linking is rejected when the successor's chain can
// reach back to the thread (fail fast, no traversal at read time).
func (r *Registry) SetContinuation(id, nextID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == nextID {
		return fmt.Errorf("%w: self link", ErrChainCycle)
	}
	if _, err := r.get(nextID); err != nil {
		return fmt.Errorf("successor must exist before linking: %w", err)
	}

	// Reachability check: walk forward from nextID; finding id again means
	// the link would close a cycle.
	current := nextID
	for hops := 0; hops < maxChainHops && current != ""; hops++ {
		if current == id {
			return fmt.Errorf("%w: %s reaches %s", ErrChainCycle, nextID, id)
		}
		t, err := r.get(current)
		if err != nil {
			return err
		}
		current = t.ContinuationNext
	}

	_, err := r.db.Exec(`UPDATE threads SET continuation_next = ?, updated_at = ? WHERE thread_id = ?`,
		nextID, time.Now().UTC(), id)
	return err
}

// Recover reclassifies running threads whose recorded process is gone.
// Called on startup; returns the ids moved to error. Children of a crashed
// parent keep their own status (no cascade).
func (r *Registry) Recover(alive func(pid int) bool) ([]string, error) {
	running, err := r.ListByStatus(models.StatusRunning)
	if err != nil {
		return nil, err
	}
	var crashed []string
	for _, t := range running {
		if t.PID != 0 && alive != nil && alive(t.PID) {
			continue
		}
		err := r.UpdateStatus(t.ThreadID, models.StatusError, UpdateFields{
			Reason: "process_crashed",
			Error:  "process_crashed",
		})
		if err != nil {
			return crashed, err
		}
		crashed = append(crashed, t.ThreadID)
	}
	return crashed, nil
}
