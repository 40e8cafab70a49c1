package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/infergate/infergate/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle int, lifetime, idleTime time.Duration) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetime > 0 {
		db.SetConnMaxLifetime(lifetime)
	}
	if idleTime > 0 {
		db.SetConnMaxIdleTime(idleTime)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS session_usage (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	model TEXT NOT NULL,
	outcome TEXT NOT NULL CHECK(outcome IN ('complete','failed')),
	prompt_chars BIGINT NOT NULL,
	completion_chars BIGINT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_session_usage_created ON session_usage(created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a new usage entry.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if entry.SessionID == "" {
		return errors.New("ledger record requires session id")
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_usage(session_id, model, outcome, prompt_chars, completion_chars, attempts, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7)`,
		entry.SessionID,
		entry.Model,
		entry.Outcome,
		entry.PromptChars,
		entry.CompletionChars,
		entry.Attempts,
		created,
	)
	return err
}

// Summary returns aggregated usage across all sessions.
func (s *Store) Summary(ctx context.Context) (ledger.Summary, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN outcome='complete' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN outcome='failed' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(prompt_chars), 0),
	COALESCE(SUM(completion_chars), 0)
FROM session_usage`)

	var sum ledger.Summary
	if err := row.Scan(&sum.Sessions, &sum.Completed, &sum.Failed, &sum.PromptChars, &sum.CompletionChars); err != nil {
		return ledger.Summary{}, err
	}
	return sum, nil
}

// ListRecent returns the latest entries.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, model, outcome, prompt_chars, completion_chars, attempts, created_at
FROM session_usage
ORDER BY created_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Model, &e.Outcome, &e.PromptChars, &e.CompletionChars, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
