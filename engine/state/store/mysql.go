package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore persists records in MySQL/MariaDB. It is the `database`
// strategy for deployments that already run a shared database server.
//
// The DSN must include parseTime=true so DATETIME columns scan into
// time.Time, e.g. "user:pass@tcp(localhost:3306)/omniflow?parseTime=true".
// Never hardcode credentials; read the DSN from the environment.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a pooled connection and migrates the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
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
	const schema = `
CREATE TABLE IF NOT EXISTS workflow_states (
	id VARCHAR(64) PRIMARY KEY,
	workflow_id VARCHAR(128) NOT NULL,
	execution_id VARCHAR(64) NOT NULL,
	status VARCHAR(16) NOT NULL,
	version INT NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	data LONGBLOB NOT NULL,
	INDEX idx_workflow_states_workflow (workflow_id),
	INDEX idx_workflow_states_updated (updated_at)
) ENGINE=InnoDB`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Save upserts the record. InnoDB commits synchronously, so durability holds
// when the call returns.
func (s *MySQLStore) Save(ctx context.Context, rec Record) error {
	const q = `
INSERT INTO workflow_states (id, workflow_id, execution_id, status, version, updated_at, data)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
	workflow_id = VALUES(workflow_id),
	execution_id = VALUES(execution_id),
	status = VALUES(status),
	version = VALUES(version),
	updated_at = VALUES(updated_at),
	data = VALUES(data)`
	_, err := s.db.ExecContext(ctx, q,
		rec.ID, rec.WorkflowID, rec.ExecutionID, rec.Status,
		rec.Version, rec.UpdatedAt.UTC(), rec.Data)
	if err != nil {
		return fmt.Errorf("save state %s: %w", rec.ID, err)
	}
	return nil
}

// Load retrieves one record.
func (s *MySQLStore) Load(ctx context.Context, id string) (Record, error) {
	const q = `
SELECT id, workflow_id, execution_id, status, version, updated_at, data
FROM workflow_states WHERE id = ?`
	var rec Record
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&rec.ID, &rec.WorkflowID, &rec.ExecutionID, &rec.Status,
		&rec.Version, &rec.UpdatedAt, &rec.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load state %s: %w", id, err)
	}
	return rec, nil
}

// Delete removes one record.
func (s *MySQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_states WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete state %s: %w", id, err)
	}
	return nil
}

// List returns matching records, oldest update first.
func (s *MySQLStore) List(ctx context.Context, f Filter) ([]Record, error) {
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
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &rec.ExecutionID, &rec.Status,
			&rec.Version, &rec.UpdatedAt, &rec.Data); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
