package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists records in a single-file SQLite database (pure-Go
// driver, no cgo). It is the `database` strategy for single-host
// deployments: durable, zero external dependencies.
//
// WAL mode keeps readers unblocked during writes; the connection pool is
// pinned to one writer because SQLite serializes writes anyway.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path. Use ":memory:"
// for an ephemeral database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS workflow_states (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	status TEXT NOT NULL,
	version INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	data BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflow_states_workflow ON workflow_states(workflow_id);
CREATE INDEX IF NOT EXISTS idx_workflow_states_updated ON workflow_states(updated_at);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Save upserts the record. The transaction commits before return, which is
// durable under WAL with synchronous=NORMAL.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	const q = `
INSERT INTO workflow_states (id, workflow_id, execution_id, status, version, updated_at, data)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	workflow_id = excluded.workflow_id,
	execution_id = excluded.execution_id,
	status = excluded.status,
	version = excluded.version,
	updated_at = excluded.updated_at,
	data = excluded.data`
	_, err := s.db.ExecContext(ctx, q,
		rec.ID, rec.WorkflowID, rec.ExecutionID, rec.Status,
		rec.Version, rec.UpdatedAt.UTC().Format(time.RFC3339Nano), rec.Data)
	if err != nil {
		return fmt.Errorf("save state %s: %w", rec.ID, err)
	}
	return nil
}

// Load retrieves one record.
func (s *SQLiteStore) Load(ctx context.Context, id string) (Record, error) {
	const q = `
SELECT id, workflow_id, execution_id, status, version, updated_at, data
FROM workflow_states WHERE id = ?`
	var rec Record
	var updated string
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&rec.ID, &rec.WorkflowID, &rec.ExecutionID, &rec.Status,
		&rec.Version, &updated, &rec.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load state %s: %w", id, err)
	}
	rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return Record{}, fmt.Errorf("load state %s: bad timestamp: %w", id, err)
	}
	return rec, nil
}

// Delete removes one record.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_states WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete state %s: %w", id, err)
	}
	return nil
}

// List returns matching records, oldest update first.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Record, error) {
	q := `
SELECT id, workflow_id, execution_id, status, version, updated_at, data
FROM workflow_states WHERE 1=1`
	args := make([]interface{}, 0, 3)
	if f.WorkflowID != "" {
		q += " AND workflow_id = ?"
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	q += " ORDER BY updated_at ASC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var updated string
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &rec.ExecutionID, &rec.Status,
			&rec.Version, &updated, &rec.Data); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			return nil, fmt.Errorf("scan state: bad timestamp: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
