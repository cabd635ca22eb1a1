package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL-backed journal for deployments where several
// processes share one run history.
//
// The DSN must include parseTime=true so TIMESTAMP columns scan into
// time.Time, e.g.
//
//	user:pass@tcp(localhost:3306)/taskgraph?parseTime=true
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects to MySQL, verifies the connection and migrates
// the journal schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			call_id     VARCHAR(191) PRIMARY KEY,
			started_at  TIMESTAMP(3) NOT NULL,
			finished_at TIMESTAMP(3) NOT NULL,
			status      VARCHAR(16) NOT NULL,
			error       TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS node_results (
			seq         BIGINT AUTO_INCREMENT PRIMARY KEY,
			call_id     VARCHAR(191) NOT NULL,
			node_id     VARCHAR(191) NOT NULL,
			status      VARCHAR(16) NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			error       TEXT NOT NULL,
			result      TEXT NOT NULL,
			INDEX idx_node_results_call (call_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate mysql journal: %w", err)
		}
	}
	return nil
}

// SaveRun upserts the run record.
func (s *MySQLStore) SaveRun(ctx context.Context, rec RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (call_id, started_at, finished_at, status, error)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			started_at = VALUES(started_at),
			finished_at = VALUES(finished_at),
			status = VALUES(status),
			error = VALUES(error)`,
		rec.CallID, rec.StartedAt, rec.FinishedAt, rec.Status, rec.Error)
	if err != nil {
		return fmt.Errorf("save run %s: %w", rec.CallID, err)
	}
	return nil
}

// SaveNodeResult appends one node outcome.
func (s *MySQLStore) SaveNodeResult(ctx context.Context, callID string, rec NodeRecord) error {
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
func (s *MySQLStore) LoadRun(ctx context.Context, callID string) (RunRecord, []NodeRecord, error) {
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

// Close closes the connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
