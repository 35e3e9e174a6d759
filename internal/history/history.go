// Package history records deployment runs in SQLite so the last outcome
// survives a restart of the deployer.
package history

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Run is one deployment attempt as stored.
type Run struct {
	ID         string       `json:"id"`
	Summary    string       `json:"summary"`
	Status     string       `json:"status"` // running, succeeded, failed
	Progress   float64      `json:"progress"`
	Message    string       `json:"message"`
	ErrorKind  string       `json:"error_kind,omitempty"`
	ErrorText  string       `json:"error_text,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitzero"` // zero while running
	Steps      []StepRecord `json:"steps"`
}

// StepRecord is the final state of one step in a run.
type StepRecord struct {
	Step  string `json:"step"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// Store persists runs. Safe for concurrent use.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) history.db in dir.
func Open(dir string) (*Store, error) {
	return OpenPath(filepath.Join(dir, "history.db"))
}

// OpenPath opens the database at path.
func OpenPath(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			summary TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			progress REAL NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			error_text TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create runs table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS run_steps (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			step TEXT NOT NULL,
			state TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (run_id, position)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create run_steps table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	return &Store{db: db}, nil
}

// Save inserts or replaces r and its steps.
func (s *Store) Save(r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback()

	var finished int64
	if !r.FinishedAt.IsZero() {
		finished = r.FinishedAt.UnixMilli()
	}
	_, err = tx.Exec(`
		INSERT INTO runs (id, summary, status, progress, message, error_kind, error_text, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			summary = excluded.summary,
			status = excluded.status,
			progress = excluded.progress,
			message = excluded.message,
			error_kind = excluded.error_kind,
			error_text = excluded.error_text,
			finished_at = excluded.finished_at
	`, r.ID, r.Summary, r.Status, r.Progress, r.Message, r.ErrorKind, r.ErrorText, r.StartedAt.UnixMilli(), finished)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM run_steps WHERE run_id = ?", r.ID); err != nil {
		return fmt.Errorf("failed to clear steps: %w", err)
	}
	for i, st := range r.Steps {
		_, err := tx.Exec(
			"INSERT INTO run_steps (run_id, position, step, state, error) VALUES (?, ?, ?, ?, ?)",
			r.ID, i, st.Step, st.State, st.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to save step %s: %w", st.Step, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// List returns up to limit runs, newest first.
func (s *Store) List(limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, summary, status, progress, message, error_kind, error_text, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.Summary, &r.Status, &r.Progress, &r.Message,
			&r.ErrorKind, &r.ErrorText, &started, &finished); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		if finished != 0 {
			r.FinishedAt = time.UnixMilli(finished).UTC()
		}
		runs = append(runs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read runs: %w", err)
	}

	for i := range runs {
		steps, err := s.steps(runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Steps = steps
	}
	return runs, nil
}

func (s *Store) steps(runID string) ([]StepRecord, error) {
	rows, err := s.db.Query(
		"SELECT step, state, error FROM run_steps WHERE run_id = ? ORDER BY position ASC", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var st StepRecord
		if err := rows.Scan(&st.Step, &st.State, &st.Error); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
