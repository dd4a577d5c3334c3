package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/kithost/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases alive and serialises writers
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS script_history(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			event TEXT NOT NULL,
			run_id TEXT NOT NULL,
			pid INTEGER NOT NULL,
			type TEXT NOT NULL,
			script TEXT NOT NULL,
			args TEXT,
			started_at TIMESTAMP NOT NULL,
			exited_at TIMESTAMP NULL,
			exit_err TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_script_history_run ON script_history(run_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	var exited any
	if !rec.ExitedAt.IsZero() {
		exited = rec.ExitedAt.UTC()
	}
	var exitErr any
	if rec.ExitErr != "" {
		exitErr = rec.ExitErr
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO script_history(occurred_at, event, run_id, pid, type, script, args, started_at, exited_at, exit_err)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), rec.RunID, rec.PID, rec.Type, rec.Script, rec.ArgsString(),
		rec.StartedAt.UTC(), exited, exitErr)
	return err
}

// Count returns the number of journal rows for runID.
func (s *Sink) Count(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM script_history WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
