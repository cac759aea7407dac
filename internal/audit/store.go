// Package audit keeps a local SQLite history of finished deployment sessions.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one finished session.
type Record struct {
	ID         int64         `json:"id"`
	SessionID  string        `json:"session_id"`
	User       string        `json:"user"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	State      string        `json:"state"`
	Outcome    string        `json:"outcome,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Summary    string        `json:"summary"`
	ExitCode   int           `json:"exit_code"`
	Inserted   int           `json:"inserted"`
	Await      time.Duration `json:"await"`
	Error      string        `json:"error,omitempty"`
}

// Store provides persistent storage for session records.
type Store struct {
	mu            sync.RWMutex
	db            *sql.DB
	retentionDays int
}

// NewStore opens or creates the history database at dbPath.
func NewStore(dbPath string, retentionDays int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL UNIQUE,
			user TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			state TEXT NOT NULL,
			outcome TEXT,
			reason TEXT,
			summary TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			inserted INTEGER DEFAULT 0,
			await_ms INTEGER DEFAULT 0,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_finished ON sessions(finished_at);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}

	if retentionDays <= 0 {
		retentionDays = 90
	}

	return &Store{
		db:            db,
		retentionDays: retentionDays,
	}, nil
}

// Write persists a session record.
func (s *Store) Write(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, user, started_at, finished_at, state, outcome, reason, summary, exit_code, inserted, await_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.SessionID, r.User, r.StartedAt.UTC(), r.FinishedAt.UTC(), r.State, r.Outcome, r.Reason, r.Summary,
		r.ExitCode, r.Inserted, r.Await.Milliseconds(), r.Error)
	if err != nil {
		return fmt.Errorf("insert session record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, session_id, user, started_at, finished_at, state, outcome, reason, summary, exit_code, inserted, await_ms, error
		FROM sessions ORDER BY finished_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var outcome, reason, errText sql.NullString
		var awaitMS int64

		err := rows.Scan(&r.ID, &r.SessionID, &r.User, &r.StartedAt, &r.FinishedAt, &r.State,
			&outcome, &reason, &r.Summary, &r.ExitCode, &r.Inserted, &awaitMS, &errText)
		if err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		r.Outcome = outcome.String
		r.Reason = reason.String
		r.Error = errText.String
		r.Await = time.Duration(awaitMS) * time.Millisecond
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune removes records older than the retention period.
func (s *Store) Prune(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.UTC().AddDate(0, 0, -s.retentionDays)
	result, err := s.db.Exec("DELETE FROM sessions WHERE finished_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return result.RowsAffected()
}

// Count returns the number of stored records.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CurrentUser names the operator, preferring the sudo caller.
func CurrentUser() string {
	for _, env := range []string{"SUDO_USER", "USER", "LOGNAME"} {
		if u := os.Getenv(env); u != "" {
			return u
		}
	}
	return fmt.Sprintf("uid:%d", os.Getuid())
}
