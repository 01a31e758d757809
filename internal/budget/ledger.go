// Package budget implements the durable hierarchical budget ledger:
// parents reserve a child's maximum spend before spawning, children report
// actuals on completion, and unused headroom returns to the parent.
package budget

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Reservation states.
const (
	StatePending   = "pending"
	StateReported  = "reported"
	StateReleased  = "released"
	StateForfeited = "forfeited"
)

var (
	// ErrDenied indicates the parent lacks headroom for the reservation.
	ErrDenied = errors.New("insufficient budget headroom")
	// ErrNoBudget indicates no budget line exists for the thread.
	ErrNoBudget = errors.New("no budget line for thread")
	// ErrNoReservation indicates no reservation exists for the child.
	ErrNoReservation = errors.New("no reservation for child")
	// ErrDuplicate indicates a reservation already exists for the child.
	ErrDuplicate = errors.New("reservation already exists")
)

// Reservation is one child's budget line under its parent.
type Reservation struct {
	ParentID string  `json:"parent_id"`
	ChildID  string  `json:"child_id"`
	Reserved float64 `json:"reserved"`
	Actual   float64 `json:"actual"`
	State    string  `json:"state"`
}

// Ledger is the shared budget store. All mutations run in immediate
// transactions; a crash mid-write leaves the prior committed state intact.
type Ledger struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if needed) the ledger database at path. Use
// ":memory:" for tests.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// The ledger is single-writer; one connection avoids sqlite busy errors.
	db.SetMaxOpenConns(1)
	l := &Ledger{db: db}
	if err := l.init(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) init() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS budgets (
			thread_id   TEXT PRIMARY KEY,
			spend_limit REAL NOT NULL,
			committed   REAL NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS reservations (
			child_id  TEXT PRIMARY KEY,
			parent_id TEXT NOT NULL,
			reserved  REAL NOT NULL,
			actual    REAL NOT NULL DEFAULT 0,
			state     TEXT NOT NULL DEFAULT 'pending'
		);
		CREATE INDEX IF NOT EXISTS idx_reservations_parent ON reservations(parent_id, state);
	`)
	if err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// CreateBudget opens a budget line for a thread. Creating an existing line
// updates its limit and keeps committed spend.
func (l *Ledger) CreateBudget(threadID string, limit float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`
		INSERT INTO budgets (thread_id, spend_limit) VALUES (?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET spend_limit = excluded.spend_limit`,
		threadID, limit)
	return err
}

// Reserve atomically checks the parent's headroom and inserts a pending
// reservation for the child. Headroom is limit minus committed minus the
// sum of active reservations; a reservation exactly equal to the remaining
// headroom is accepted.
func (l *Ledger) Reserve(parentID, childID string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("negative reservation")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var limit, committed float64
	err = tx.QueryRow(`SELECT spend_limit, committed FROM budgets WHERE thread_id = ?`, parentID).
		Scan(&limit, &committed)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNoBudget, parentID)
	}
	if err != nil {
		return err
	}

	var pending float64
	if err := tx.QueryRow(`
		SELECT COALESCE(SUM(reserved), 0) FROM reservations
		WHERE parent_id = ? AND state = ?`, parentID, StatePending).Scan(&pending); err != nil {
		return err
	}

	headroom := limit - committed - pending
	if amount > headroom {
		return fmt.Errorf("%w: requested %.4f, headroom %.4f", ErrDenied, amount, headroom)
	}

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM reservations WHERE child_id = ?`, childID).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, childID)
	}

	if _, err := tx.Exec(`
		INSERT INTO reservations (child_id, parent_id, reserved, state) VALUES (?, ?, ?, ?)`,
		childID, parentID, amount, StatePending); err != nil {
		return err
	}
	return tx.Commit()
}

// Report finalizes a reservation with the child's actual spend. The
// parent's committed total grows by the actual; the difference between
// reserved and actual returns to parent headroom.
func (l *Ledger) Report(childID string, actual float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := getReservation(tx, childID)
	if err != nil {
		return err
	}
	if res.State != StatePending {
		// Reporting twice is a no-op; the first report won.
		return tx.Commit()
	}

	if _, err := tx.Exec(`UPDATE reservations SET actual = ?, state = ? WHERE child_id = ?`,
		actual, StateReported, childID); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE budgets SET committed = committed + ? WHERE thread_id = ?`,
		actual, res.ParentID); err != nil {
		return err
	}
	return tx.Commit()
}

// Forfeit releases a reservation without committing spend (the child never
// started or crashed before reporting).
func (l *Ledger) Forfeit(childID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := getReservation(tx, childID)
	if err != nil {
		return err
	}
	if res.State != StatePending {
		return tx.Commit()
	}
	if _, err := tx.Exec(`UPDATE reservations SET state = ? WHERE child_id = ?`,
		StateForfeited, childID); err != nil {
		return err
	}
	return tx.Commit()
}

// Remaining returns the parent's current headroom.
func (l *Ledger) Remaining(threadID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var limit, committed float64
	err := l.db.QueryRow(`SELECT spend_limit, committed FROM budgets WHERE thread_id = ?`, threadID).
		Scan(&limit, &committed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrNoBudget, threadID)
	}
	if err != nil {
		return 0, err
	}
	var pending float64
	if err := l.db.QueryRow(`
		SELECT COALESCE(SUM(reserved), 0) FROM reservations
		WHERE parent_id = ? AND state = ?`, threadID, StatePending).Scan(&pending); err != nil {
		return 0, err
	}
	return limit - committed - pending, nil
}

// Committed returns the parent's committed child spend.
func (l *Ledger) Committed(threadID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var committed float64
	err := l.db.QueryRow(`SELECT committed FROM budgets WHERE thread_id = ?`, threadID).Scan(&committed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrNoBudget, threadID)
	}
	return committed, err
}

// Get returns the reservation for a child.
func (l *Ledger) Get(childID string) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, err := l.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	res, err := getReservation(tx, childID)
	if err != nil {
		return nil, err
	}
	return res, tx.Commit()
}

// ListByParent returns all reservations under a parent.
func (l *Ledger) ListByParent(parentID string) ([]Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.Query(`
		SELECT child_id, parent_id, reserved, actual, state
		FROM reservations WHERE parent_id = ? ORDER BY child_id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.ChildID, &r.ParentID, &r.Reserved, &r.Actual, &r.State); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func getReservation(tx *sql.Tx, childID string) (*Reservation, error) {
	var r Reservation
	err := tx.QueryRow(`
		SELECT child_id, parent_id, reserved, actual, state
		FROM reservations WHERE child_id = ?`, childID).
		Scan(&r.ChildID, &r.ParentID, &r.Reserved, &r.Actual, &r.State)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoReservation, childID)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
