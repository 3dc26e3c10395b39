// Package history persists the fallback journal in SQLite so operators can
// audit what Backstop did across restarts: which rate limits were detected,
// which models were tried, and how each run ended.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/backstoplabs/backstop/pkg/core"
	"github.com/backstoplabs/backstop/pkg/engine"

	_ "modernc.org/sqlite"
)

const eventTable = "fallback_events"

// Store is a SQLite-backed append-only journal of fallback lifecycle
// events. It implements engine.Journal and is safe for concurrent use
// (database/sql serializes access to the handle).
type Store struct {
	db *sql.DB
}

// Open opens (creating if missing) the SQLite database at path and ensures
// the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history: database path is empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle and ensures the schema.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("history: db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return nil, fmt.Errorf("history: ensure schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			from_state TEXT NOT NULL DEFAULT '',
			to_state TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL
		);`, eventTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_session ON %s(session_id);`, eventTable, eventTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_run ON %s(run_id);`, eventTable, eventTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_at ON %s(at);`, eventTable, eventTable),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append implements engine.Journal. Entries without an ID get a fresh UUID;
// entries without a timestamp get the current time.
func (s *Store) Append(ctx context.Context, entry engine.JournalEntry) error {
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (
			id, run_id, session_id, message_id, kind, provider, model,
			from_state, to_state, attempt, detail, at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, eventTable),
		id,
		entry.RunID,
		string(entry.Session),
		string(entry.Message),
		entry.Kind,
		entry.Provider,
		entry.Model,
		entry.FromState,
		entry.ToState,
		entry.Attempt,
		entry.Detail,
		at.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. A non-positive limit
// defaults to 50.
func (s *Store) Recent(ctx context.Context, limit int) ([]engine.JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s ORDER BY at DESC, id ASC LIMIT ?`, eventColumns, eventTable),
		limit)
}

// BySession returns up to limit entries for one session, newest first. A
// non-positive limit defaults to 50.
func (s *Store) BySession(ctx context.Context, session core.SessionID, limit int) ([]engine.JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE session_id = ? ORDER BY at DESC, id ASC LIMIT ?`, eventColumns, eventTable),
		string(session), limit)
}

// ByRun returns all entries for one fallback run, oldest first, so a run
// reads as a narrative: detected, retries, terminal outcome.
func (s *Store) ByRun(ctx context.Context, runID string) ([]engine.JournalEntry, error) {
	return s.query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE run_id = ? ORDER BY at ASC, id ASC`, eventColumns, eventTable),
		runID)
}

// Prune deletes entries older than the cutoff and reports how many were
// removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE at < ?`, eventTable),
		olderThan.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}

const eventColumns = `id, run_id, session_id, message_id, kind, provider, model,
	from_state, to_state, attempt, detail, at`

func (s *Store) query(ctx context.Context, query string, args ...any) ([]engine.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []engine.JournalEntry
	for rows.Next() {
		var (
			entry    engine.JournalEntry
			session  string
			message  string
			atMillis int64
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.RunID,
			&session,
			&message,
			&entry.Kind,
			&entry.Provider,
			&entry.Model,
			&entry.FromState,
			&entry.ToState,
			&entry.Attempt,
			&entry.Detail,
			&atMillis,
		); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		entry.Session = core.SessionID(session)
		entry.Message = core.MessageID(message)
		entry.At = time.UnixMilli(atMillis).UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	return out, nil
}
