// Package store provides persistence backends for execution state.
//
// A Store persists opaque state documents together with the columns needed
// for lookup and cleanup (workflow, execution, status, version, update time).
// Implementations cover the configured strategies: memory, file, external_kv
// (Redis), and database (SQLite, MySQL, PostgreSQL).
//
// The durability contract: Save must be durable before it returns, so the
// state manager can refuse to advance a state version on a failed save.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the requested state id does not exist.
var ErrNotFound = errors.New("state not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Record is the persisted form of one execution state: indexable columns
// plus the full state document as JSON.
type Record struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	ExecutionID string    `json:"execution_id"`
	Status      string    `json:"status"`
	Version     int       `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
	Data        []byte    `json:"data"`
}

// Filter narrows List results. Zero fields do not filter.
type Filter struct {
	WorkflowID string
	Status     string
	Limit      int
}

// Matches reports whether the record passes the filter (limit excluded).
func (f Filter) Matches(r Record) bool {
	if f.WorkflowID != "" && r.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// Store persists state records.
//
// Implementations must be safe for concurrent use. Concurrent saves of the
// same record id are serialized by the caller (the state manager holds a
// per-id lock), so stores may assume save/save races on one id do not occur.
type Store interface {
	// Save durably persists the record, replacing any previous version.
	Save(ctx context.Context, rec Record) error

	// Load retrieves one record by id. Returns ErrNotFound when absent.
	Load(ctx context.Context, id string) (Record, error)

	// Delete removes one record. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// List returns records matching the filter, oldest update first. Used
	// for recovery on cold start and by the cleanup pass.
	List(ctx context.Context, f Filter) ([]Record, error)

	// Close releases backend resources. The store is unusable afterwards.
	Close() error
}
