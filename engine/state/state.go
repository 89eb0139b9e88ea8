// Package state owns per-execution workflow state: variables, session data,
// a TTL cache, checkpoints, snapshots, and the persistence lifecycle.
//
// A State is the durable face of one execution. The engine mutates it only
// through Manager, which serializes updates per state id, keeps the version
// strictly monotonic, and persists every update before acknowledging it.
package state

import (
	"time"

	"github.com/steeldragon666/omniflow/engine/value"
)

// Status is the lifecycle status of a state record. It mirrors the owning
// execution: pending -> running -> {completed|failed|cancelled}, with paused
// reachable only from running.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// State is the persisted record for one workflow execution.
type State struct {
	ID          string       `json:"id"`
	WorkflowID  string       `json:"workflow_id"`
	ExecutionID string       `json:"execution_id"`
	Status      Status       `json:"status"`
	CurrentStep string       `json:"current_step"`
	Context     Context      `json:"context"`
	Checkpoints []Checkpoint `json:"checkpoints"`
	Metadata    Metadata     `json:"metadata"`
	Persistence Persistence  `json:"persistence"`
}

// Context is the mutable execution context carried by a State.
type Context struct {
	// Variables holds node outputs and user data, keyed by name.
	Variables map[string]value.Value `json:"variables"`

	// Session holds data that survives across steps but is not a node output,
	// such as auth tokens or pagination cursors.
	Session map[string]value.Value `json:"session"`

	// Cache holds TTL-bound entries. Expired entries are evicted on read.
	Cache map[string]CacheEntry `json:"cache,omitempty"`

	// History is the append-only log of variable mutations.
	History []HistoryEntry `json:"history"`
}

// CacheEntry is one TTL-bound cache value. A zero ExpiresAt never expires.
type CacheEntry struct {
	Value     value.Value `json:"value"`
	ExpiresAt time.Time   `json:"expires_at,omitempty"`
}

// Expired reports whether the entry has passed its deadline at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// HistoryEntry records one variable mutation. Entries are immutable once
// appended.
type HistoryEntry struct {
	Time  time.Time   `json:"time"`
	Op    string      `json:"op"` // "set" or "delete"
	Key   string      `json:"key"`
	Value value.Value `json:"value,omitempty"`
}

// Checkpoint is a frozen snapshot of the context taken after a node ran.
// Checkpoints are append-only within a state; restoring never removes them.
type Checkpoint struct {
	ID          string                 `json:"id"`
	NodeID      string                 `json:"node_id"`
	Timestamp   time.Time              `json:"timestamp"`
	CurrentStep string                 `json:"current_step"`
	Variables   map[string]value.Value `json:"variables"`
	Session     map[string]value.Value `json:"session"`
	Success     bool                   `json:"success"`
	Duration    time.Duration          `json:"duration"`
}

// Metadata carries bookkeeping for a state record.
type Metadata struct {
	// Version increments on every successful update. Strictly monotonic per
	// state id; a failed save never advances it.
	Version int `json:"version"`

	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// TTL, when positive, marks the record eligible for cleanup that long
	// after UpdatedAt regardless of the manager-wide max age.
	TTL time.Duration `json:"ttl,omitempty"`
}

// Persistence records which backend strategy holds this state.
type Persistence struct {
	Strategy string `json:"strategy"` // memory, external_kv, database, file
}

// SnapshotReason classifies why a snapshot was taken.
type SnapshotReason string

const (
	ReasonManual     SnapshotReason = "manual"
	ReasonAuto       SnapshotReason = "auto"
	ReasonError      SnapshotReason = "error"
	ReasonCheckpoint SnapshotReason = "checkpoint"
)

// Snapshot is a full copy of a state record at a point in time. Data holds
// the JSON encoding of the State, gzip-compressed when Compressed is set.
type Snapshot struct {
	ID         string         `json:"id"`
	StateID    string         `json:"state_id"`
	Reason     SnapshotReason `json:"reason"`
	CreatedAt  time.Time      `json:"created_at"`
	Compressed bool           `json:"compressed"`
	Data       []byte         `json:"data"`
}

// clone returns a deep copy of the state safe to mutate without affecting
// readers of the original. Checkpoint and history entries are immutable once
// appended, so the slices get fresh backing arrays but share entry payloads.
func (s *State) clone() *State {
	cp := *s
	cp.Context.Variables = value.CloneMap(s.Context.Variables)
	cp.Context.Session = value.CloneMap(s.Context.Session)
	if s.Context.Cache != nil {
		cache := make(map[string]CacheEntry, len(s.Context.Cache))
		for k, e := range s.Context.Cache {
			e.Value = e.Value.Clone()
			cache[k] = e
		}
		cp.Context.Cache = cache
	}
	cp.Context.History = append([]HistoryEntry(nil), s.Context.History...)
	cp.Checkpoints = append([]Checkpoint(nil), s.Checkpoints...)
	if s.Metadata.CompletedAt != nil {
		t := *s.Metadata.CompletedAt
		cp.Metadata.CompletedAt = &t
	}
	return &cp
}
