// Package history persists decided loop cycles to SQLite so past runs
// can be inspected after the loop state file is gone.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Cycle is one recorded loop decision.
type Cycle struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionID"`
	Iteration int       `json:"iteration"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Store manages cycle persistence. The *sql.DB is injected so the
// daemon owns connection lifecycle and tests can use in-memory SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a cycle store and runs migrations.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate cycles: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cycles (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT,
			at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cycles_session
			ON cycles(session_id, at);
	`)
	return err
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}

// Record inserts one decided cycle. Satisfies the controller's Recorder
// interface.
func (s *Store) Record(ctx context.Context, sessionID string, iteration int, outcome, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycles (id, session_id, iteration, outcome, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, NewID(), sessionID, iteration, outcome, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}
	return nil
}

// Recent returns the most recent cycles, newest first. limit <= 0 uses
// a default of 50.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Cycle, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, iteration, outcome, detail, at
		FROM cycles
		ORDER BY at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCycles(rows)
}

// Session returns all cycles for one session, oldest first.
func (s *Store) Session(ctx context.Context, sessionID string) ([]*Cycle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, iteration, outcome, detail, at
		FROM cycles
		WHERE session_id = ?
		ORDER BY at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCycles(rows)
}

// Prune deletes cycles older than the cutoff and reports how many rows
// were removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM cycles WHERE at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanCycles(rows *sql.Rows) ([]*Cycle, error) {
	var result []*Cycle
	for rows.Next() {
		c := &Cycle{}
		var detail sql.NullString
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Iteration, &c.Outcome, &detail, &c.At); err != nil {
			return nil, err
		}
		if detail.Valid {
			c.Detail = detail.String
		}
		result = append(result, c)
	}
	return result, rows.Err()
}
