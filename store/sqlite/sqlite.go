// Package sqlite provides durable SQLite-backed implementations of the
// definition, execution and transcript stores. Records are stored as JSON
// documents alongside the queryable key columns, keyed by (owner, id) the
// way the in-memory stores are. WAL mode is enabled for concurrent reads.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomlab/loom/core"
)

// Store wraps an SQLite database connection and hands out the three
// per-record-type store views.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens (and creates if needed) an SQLite database at the given path
// and applies the schema. Parent directories are created as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.conn.Close() }

// Path returns the path to the database file.
func (s *Store) Path() string { return s.path }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS definitions (
			owner      TEXT NOT NULL,
			id         TEXT NOT NULL,
			created_at TEXT NOT NULL,
			data       TEXT NOT NULL,
			PRIMARY KEY (owner, id)
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			owner            TEXT NOT NULL,
			id               TEXT NOT NULL,
			orchestration_id TEXT NOT NULL,
			status           TEXT NOT NULL,
			start_time       TEXT NOT NULL,
			data             TEXT NOT NULL,
			PRIMARY KEY (owner, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_orch
			ON executions (owner, orchestration_id)`,
		`CREATE TABLE IF NOT EXISTS transcript_entries (
			execution_id TEXT    NOT NULL,
			seq          INTEGER NOT NULL,
			node_id      TEXT    NOT NULL,
			text         TEXT    NOT NULL,
			created_at   TEXT    NOT NULL,
			PRIMARY KEY (execution_id, seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.conn.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Definitions returns the definition store view.
func (s *Store) Definitions() *DefinitionStore { return &DefinitionStore{conn: s.conn} }

// Executions returns the execution store view.
func (s *Store) Executions() *ExecutionStore { return &ExecutionStore{conn: s.conn} }

// Transcripts returns the transcript store view.
func (s *Store) Transcripts() *TranscriptStore { return &TranscriptStore{conn: s.conn} }

// DefinitionStore implements core.DefinitionStore on SQLite.
type DefinitionStore struct {
	conn *sql.DB
}

// Put upserts the definition document.
func (d *DefinitionStore) Put(ctx context.Context, def *core.Definition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = d.conn.ExecContext(ctx,
		`INSERT INTO definitions (owner, id, created_at, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT (owner, id) DO UPDATE SET created_at = excluded.created_at, data = excluded.data`,
		def.Owner, def.ID, def.CreatedAt.UTC().Format(time.RFC3339Nano), string(data))
	if err != nil {
		return fmt.Errorf("put definition: %w", err)
	}
	return nil
}

// Get returns the definition or core.ErrNotFound.
func (d *DefinitionStore) Get(ctx context.Context, owner, id string) (*core.Definition, error) {
	var data string
	err := d.conn.QueryRowContext(ctx,
		`SELECT data FROM definitions WHERE owner = ? AND id = ?`, owner, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get definition: %w", err)
	}

	var def core.Definition
	if err := json.Unmarshal([]byte(data), &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return &def, nil
}

// List returns the owner's definitions, newest first.
func (d *DefinitionStore) List(ctx context.Context, owner string) ([]*core.Definition, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT data FROM definitions WHERE owner = ? ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []*core.Definition
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		var def core.Definition
		if err := json.Unmarshal([]byte(data), &def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

// Delete removes the definition. Deleting an absent key is a no-op.
func (d *DefinitionStore) Delete(ctx context.Context, owner, id string) error {
	if _, err := d.conn.ExecContext(ctx,
		`DELETE FROM definitions WHERE owner = ? AND id = ?`, owner, id); err != nil {
		return fmt.Errorf("delete definition: %w", err)
	}
	return nil
}

// ExecutionStore implements core.ExecutionStore on SQLite.
type ExecutionStore struct {
	conn *sql.DB
}

// Put upserts the execution document.
func (e *ExecutionStore) Put(ctx context.Context, exec *core.Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	_, err = e.conn.ExecContext(ctx,
		`INSERT INTO executions (owner, id, orchestration_id, status, start_time, data)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (owner, id) DO UPDATE SET
			orchestration_id = excluded.orchestration_id,
			status = excluded.status,
			start_time = excluded.start_time,
			data = excluded.data`,
		exec.Owner, exec.ID, exec.OrchestrationID, string(exec.Status),
		exec.StartTime.UTC().Format(time.RFC3339Nano), string(data))
	if err != nil {
		return fmt.Errorf("put execution: %w", err)
	}
	return nil
}

// Get returns the execution or core.ErrNotFound.
func (e *ExecutionStore) Get(ctx context.Context, owner, id string) (*core.Execution, error) {
	var data string
	err := e.conn.QueryRowContext(ctx,
		`SELECT data FROM executions WHERE owner = ? AND id = ?`, owner, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}

	var exec core.Execution
	if err := json.Unmarshal([]byte(data), &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &exec, nil
}

// Query returns the owner's executions newest first, optionally filtered
// by orchestration id.
func (e *ExecutionStore) Query(ctx context.Context, owner, orchestrationID string) ([]*core.Execution, error) {
	query := `SELECT data FROM executions WHERE owner = ? ORDER BY start_time DESC`
	args := []any{owner}
	if orchestrationID != "" {
		query = `SELECT data FROM executions WHERE owner = ? AND orchestration_id = ? ORDER BY start_time DESC`
		args = append(args, orchestrationID)
	}

	rows, err := e.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var execs []*core.Execution
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		var exec core.Execution
		if err := json.Unmarshal([]byte(data), &exec); err != nil {
			return nil, fmt.Errorf("unmarshal execution: %w", err)
		}
		execs = append(execs, &exec)
	}
	return execs, rows.Err()
}

// TranscriptStore implements core.TranscriptStore on SQLite.
type TranscriptStore struct {
	conn *sql.DB
}

// AppendAll inserts the entries in one transaction.
func (t *TranscriptStore) AppendAll(ctx context.Context, executionID string, entries []core.TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := t.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transcript append: %w", err)
	}
	defer tx.Rollback()

	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transcript_entries (execution_id, seq, node_id, text, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			executionID, entry.Seq, entry.NodeID, entry.Text,
			entry.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("append transcript entry %d: %w", entry.Seq, err)
		}
	}
	return tx.Commit()
}

// List returns the execution's transcript ordered by sequence number.
func (t *TranscriptStore) List(ctx context.Context, executionID string) ([]core.TranscriptEntry, error) {
	rows, err := t.conn.QueryContext(ctx,
		`SELECT seq, node_id, text, created_at FROM transcript_entries
		 WHERE execution_id = ? ORDER BY seq ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list transcript: %w", err)
	}
	defer rows.Close()

	var entries []core.TranscriptEntry
	for rows.Next() {
		var (
			entry     core.TranscriptEntry
			createdAt string
		)
		if err := rows.Scan(&entry.Seq, &entry.NodeID, &entry.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transcript entry: %w", err)
		}
		entry.ExecutionID = executionID
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			entry.CreatedAt = ts
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
