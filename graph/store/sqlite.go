package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed journal, held in a single database file.
//
// Designed for development and single-process deployments: zero setup,
// auto-migration on first use, WAL mode so dashboard readers don't block
// the writer.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (and migrates) a journal database at path. Use
// ":memory:" for an ephemeral database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS runs (
		call_id     TEXT PRIMARY KEY,
		started_at  TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		status      TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS node_results (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		call_id     TEXT NOT NULL,
		node_id     TEXT NOT NULL,
		status      TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT '',
		result      TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_node_results_call ON node_results(call_id);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate sqlite journal: %w", err)
	}
	return nil
}

// SaveRun upserts the run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, rec RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (call_id, started_at, finished_at, status, error)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			status = excluded.status,
			error = excluded.error`,
		rec.CallID, rec.StartedAt, rec.FinishedAt, rec.Status, rec.Error)
	if err != nil {
		return fmt.Errorf("save run %s: %w", rec.CallID, err)
	}
	return nil
}

// SaveNodeResult appends one node outcome.
func (s *SQLiteStore) SaveNodeResult(ctx context.Context, callID string, rec NodeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_results (call_id, node_id, status, duration_ms, error, result)
		VALUES (?, ?, ?, ?, ?, ?)`,
		callID, rec.NodeID, rec.Status, rec.DurationMS, rec.Error, rec.Result)
	if err != nil {
		return fmt.Errorf("save node result %s/%s: %w", callID, rec.NodeID, err)
	}
	return nil
}

// LoadRun returns the run record and its node outcomes in insertion order.
func (s *SQLiteStore) LoadRun(ctx context.Context, callID string) (RunRecord, []NodeRecord, error) {
	var run RunRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT call_id, started_at, finished_at, status, error
		FROM runs WHERE call_id = ?`, callID).
		Scan(&run.CallID, &run.StartedAt, &run.FinishedAt, &run.Status, &run.Error)
	if err == sql.ErrNoRows {
		return RunRecord{}, nil, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, nil, fmt.Errorf("load run %s: %w", callID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, status, duration_ms, error, result
		FROM node_results WHERE call_id = ? ORDER BY seq`, callID)
	if err != nil {
		return RunRecord{}, nil, fmt.Errorf("load node results %s: %w", callID, err)
	}
	defer func() { _ = rows.Close() }()

	var nodes []NodeRecord
	for rows.Next() {
		var n NodeRecord
		if err := rows.Scan(&n.NodeID, &n.Status, &n.DurationMS, &n.Error, &n.Result); err != nil {
			return RunRecord{}, nil, fmt.Errorf("scan node result: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return RunRecord{}, nil, fmt.Errorf("iterate node results: %w", err)
	}
	return run, nodes, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
