package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/steeldragon666/omniflow/engine/emit"
	"github.com/steeldragon666/omniflow/engine/state/store"
	"github.com/steeldragon666/omniflow/engine/value"
)

// ErrNotFound is returned when a state id is unknown to the manager.
var ErrNotFound = errors.New("state not found")

// ErrInvalidTransition is returned when a lifecycle action is not legal
// from the state's current status.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrCheckpointNotFound is returned when a checkpoint id does not exist on
// the state.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// ErrSnapshotNotFound is returned when a snapshot id does not exist for the
// state.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Config controls persistence strategy, cleanup, and snapshot behavior.
type Config struct {
	// Strategy names the persistence backend recorded on each state.
	// One of memory, external_kv, database, file.
	Strategy string `json:"strategy"`

	Cleanup  CleanupConfig  `json:"cleanup"`
	Snapshot SnapshotConfig `json:"snapshot"`
}

// CleanupConfig bounds how long terminal states are retained.
type CleanupConfig struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`

	// MaxAge prunes terminal states whose last update is older than this.
	MaxAge time.Duration `json:"max_age"`

	// MaxEntries caps the total number of retained states. When exceeded,
	// the oldest terminal states are pruned first.
	MaxEntries int `json:"max_entries"`
}

// SnapshotConfig controls automatic snapshots and retention.
type SnapshotConfig struct {
	// Interval between automatic snapshots of live states. Zero disables
	// auto snapshots.
	Interval time.Duration `json:"interval"`

	// MaxSnapshots retained per state; the oldest is evicted first.
	MaxSnapshots int `json:"max_snapshots"`

	// CompressionThreshold is the encoded size in bytes above which snapshot
	// data is gzip-compressed. Zero disables compression.
	CompressionThreshold int `json:"compression_threshold"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Strategy: "memory",
		Cleanup: CleanupConfig{
			Enabled:    true,
			Interval:   5 * time.Minute,
			MaxAge:     24 * time.Hour,
			MaxEntries: 1000,
		},
		Snapshot: SnapshotConfig{
			Interval:             0,
			MaxSnapshots:         10,
			CompressionThreshold: 32 * 1024,
		},
	}
}

// Manager owns all workflow state. Every update is persisted through the
// store before it becomes visible, and updates to one state id are
// serialized, so the store never sees concurrent saves of the same id.
//
// All access to the live records in m.states goes through m.mu; mutation
// works on a deep copy that is swapped in only after a successful save.
type Manager struct {
	store   store.Store
	emitter emit.Emitter
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	states    map[string]*State
	locks     map[string]*sync.Mutex
	snapshots map[string][]Snapshot

	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
}

// NewManager wires a manager over the given store. A nil emitter silences
// cache expiry events.
func NewManager(st store.Store, em emit.Emitter, cfg Config, logger zerolog.Logger) *Manager {
	if em == nil {
		em = emit.NewNullEmitter()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = DefaultConfig().Strategy
	}
	if cfg.Snapshot.MaxSnapshots <= 0 {
		cfg.Snapshot.MaxSnapshots = DefaultConfig().Snapshot.MaxSnapshots
	}
	return &Manager{
		store:     st,
		emitter:   em,
		cfg:       cfg,
		logger:    logger.With().Str("component", "state_manager").Logger(),
		now:       time.Now,
		states:    make(map[string]*State),
		locks:     make(map[string]*sync.Mutex),
		snapshots: make(map[string][]Snapshot),
	}
}

// CreateState allocates and persists a new state record for an execution.
func (m *Manager) CreateState(ctx context.Context, workflowID, executionID string, initial map[string]value.Value) (*State, error) {
	now := m.now()
	s := &State{
		ID:          "state_" + uuid.NewString(),
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		Status:      StatusRunning,
		Context: Context{
			Variables: value.CloneMap(initial),
			Session:   make(map[string]value.Value),
			History:   []HistoryEntry{},
		},
		Checkpoints: []Checkpoint{},
		Metadata:    Metadata{Version: 1, StartedAt: now, UpdatedAt: now},
		Persistence: Persistence{Strategy: m.cfg.Strategy},
	}
	if s.Context.Variables == nil {
		s.Context.Variables = make(map[string]value.Value)
	}

	if err := m.persist(ctx, s); err != nil {
		return nil, fmt.Errorf("persist state %s: %w", s.ID, err)
	}

	m.mu.Lock()
	m.states[s.ID] = s
	m.locks[s.ID] = &sync.Mutex{}
	m.mu.Unlock()

	m.logger.Debug().
		Str("state_id", s.ID).
		Str("workflow_id", workflowID).
		Str("execution_id", executionID).
		Msg("state created")
	return s.clone(), nil
}

// GetState returns a copy of the state.
func (m *Manager) GetState(id string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

// StateForExecution returns the state owned by the given execution id.
func (m *Manager) StateForExecution(executionID string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.states {
		if s.ExecutionID == executionID {
			return s.clone(), nil
		}
	}
	return nil, ErrNotFound
}

// ListStates returns copies of all states matching the filter, oldest
// update first. Zero-valued filter fields match everything.
func (m *Manager) ListStates(workflowID string, status Status) []*State {
	m.mu.RLock()
	var out []*State
	for _, s := range m.states {
		if workflowID != "" && s.WorkflowID != workflowID {
			continue
		}
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, s.clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Metadata.UpdatedAt.Equal(out[j].Metadata.UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].Metadata.UpdatedAt.Before(out[j].Metadata.UpdatedAt)
	})
	return out
}

// UpdateState applies mutate to a copy of the state, bumps version and
// updated_at, and persists. The in-memory record advances only if the save
// succeeds: a failed save leaves both the version and the visible state
// unchanged. Returns a copy of the updated state.
func (m *Manager) UpdateState(ctx context.Context, id string, mutate func(*State) error) (*State, error) {
	lock, err := m.lockFor(id)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	cur, ok := m.states[id]
	m.mu.RUnlock()
	if !ok {
		// Deleted while we waited on the lock.
		return nil, ErrNotFound
	}

	next := cur.clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Metadata.Version = cur.Metadata.Version + 1
	next.Metadata.UpdatedAt = m.now()

	if err := m.persist(ctx, next); err != nil {
		return nil, fmt.Errorf("persist state %s: %w", id, err)
	}

	m.mu.Lock()
	m.states[id] = next
	m.mu.Unlock()
	return next.clone(), nil
}

// SetVariable stores a variable and records the mutation in history.
func (m *Manager) SetVariable(ctx context.Context, id, key string, v value.Value) error {
	_, err := m.UpdateState(ctx, id, func(s *State) error {
		s.Context.Variables[key] = v
		s.Context.History = append(s.Context.History, HistoryEntry{
			Time: m.now(), Op: "set", Key: key, Value: v,
		})
		return nil
	})
	return err
}

// GetVariable reads a variable. The second return is false when the state
// or the key is unknown.
func (m *Manager) GetVariable(id, key string) (value.Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[id]
	if !ok {
		return value.Value{}, false
	}
	v, ok := s.Context.Variables[key]
	return v, ok
}

// DeleteVariable removes a variable and records the mutation in history.
func (m *Manager) DeleteVariable(ctx context.Context, id, key string) error {
	_, err := m.UpdateState(ctx, id, func(s *State) error {
		delete(s.Context.Variables, key)
		s.Context.History = append(s.Context.History, HistoryEntry{
			Time: m.now(), Op: "delete", Key: key,
		})
		return nil
	})
	return err
}

// SetSession stores session data on the state.
func (m *Manager) SetSession(ctx context.Context, id, key string, v value.Value) error {
	_, err := m.UpdateState(ctx, id, func(s *State) error {
		s.Context.Session[key] = v
		return nil
	})
	return err
}

// GetSession reads session data.
func (m *Manager) GetSession(id, key string) (value.Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[id]
	if !ok {
		return value.Value{}, false
	}
	v, ok := s.Context.Session[key]
	return v, ok
}

// CacheSet stores a TTL-bound cache entry. A non-positive ttl never expires.
func (m *Manager) CacheSet(ctx context.Context, id, key string, v value.Value, ttl time.Duration) error {
	_, err := m.UpdateState(ctx, id, func(s *State) error {
		if s.Context.Cache == nil {
			s.Context.Cache = make(map[string]CacheEntry)
		}
		entry := CacheEntry{Value: v}
		if ttl > 0 {
			entry.ExpiresAt = m.now().Add(ttl)
		}
		s.Context.Cache[key] = entry
		return nil
	})
	return err
}

// CacheGet reads a cache entry, recording a hit or miss. An entry found past
// its deadline counts as a miss, is evicted, and emits a cache_expired event.
// Eviction does not bump the state version; the next update persists it.
func (m *Manager) CacheGet(id, key string) (value.Value, bool) {
	m.mu.RLock()
	s, ok := m.states[id]
	if !ok {
		m.mu.RUnlock()
		m.cacheMisses.Add(1)
		return value.Value{}, false
	}
	entry, ok := s.Context.Cache[key]
	if !ok {
		m.mu.RUnlock()
		m.cacheMisses.Add(1)
		return value.Value{}, false
	}
	if !entry.Expired(m.now()) {
		m.mu.RUnlock()
		m.cacheHits.Add(1)
		return entry.Value, true
	}
	executionID, workflowID := s.ExecutionID, s.WorkflowID
	m.mu.RUnlock()

	m.mu.Lock()
	if live, ok := m.states[id]; ok {
		if e, ok := live.Context.Cache[key]; ok && e.Expired(m.now()) {
			delete(live.Context.Cache, key)
		}
	}
	m.mu.Unlock()

	m.cacheMisses.Add(1)
	m.emitter.Emit(emit.Event{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Name:        emit.CacheExpired,
		Time:        m.now(),
		Meta:        map[string]interface{}{"key": key},
	})
	return value.Value{}, false
}

// CacheStats returns the cumulative cache hit and miss counts.
func (m *Manager) CacheStats() (hits, misses uint64) {
	return m.cacheHits.Load(), m.cacheMisses.Load()
}

// CreateCheckpoint freezes the current context into an append-only
// checkpoint and persists the state.
func (m *Manager) CreateCheckpoint(ctx context.Context, id, nodeID string, success bool, duration time.Duration) (Checkpoint, error) {
	var cp Checkpoint
	_, err := m.UpdateState(ctx, id, func(s *State) error {
		cp = Checkpoint{
			ID:          "cp_" + uuid.NewString(),
			NodeID:      nodeID,
			Timestamp:   m.now(),
			CurrentStep: s.CurrentStep,
			Variables:   value.CloneMap(s.Context.Variables),
			Session:     value.CloneMap(s.Context.Session),
			Success:     success,
			Duration:    duration,
		}
		s.Checkpoints = append(s.Checkpoints, cp)
		return nil
	})
	if err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// RestoreFromCheckpoint replaces the context with a prior checkpoint's
// frozen copy. The checkpoint list itself is untouched and the version
// advances as with any update.
func (m *Manager) RestoreFromCheckpoint(ctx context.Context, id, checkpointID string) (*State, error) {
	return m.UpdateState(ctx, id, func(s *State) error {
		for _, cp := range s.Checkpoints {
			if cp.ID != checkpointID {
				continue
			}
			s.Context.Variables = value.CloneMap(cp.Variables)
			s.Context.Session = value.CloneMap(cp.Session)
			s.CurrentStep = cp.CurrentStep
			return nil
		}
		return fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
	})
}

// PauseState transitions running -> paused.
func (m *Manager) PauseState(ctx context.Context, id string) (*State, error) {
	return m.transition(ctx, id, StatusPaused)
}

// ResumeState transitions paused -> running.
func (m *Manager) ResumeState(ctx context.Context, id string) (*State, error) {
	return m.transition(ctx, id, StatusRunning)
}

// CompleteState transitions running -> completed and sets completed_at.
func (m *Manager) CompleteState(ctx context.Context, id string) (*State, error) {
	return m.transition(ctx, id, StatusCompleted)
}

// FailState transitions running -> failed and sets completed_at.
func (m *Manager) FailState(ctx context.Context, id string) (*State, error) {
	return m.transition(ctx, id, StatusFailed)
}

// CancelState transitions running|paused -> cancelled and sets completed_at.
func (m *Manager) CancelState(ctx context.Context, id string) (*State, error) {
	return m.transition(ctx, id, StatusCancelled)
}

var transitions = map[Status]map[Status]bool{
	StatusPending: {StatusRunning: true, StatusCancelled: true},
	StatusRunning: {StatusPaused: true, StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusPaused:  {StatusRunning: true, StatusCancelled: true},
}

func (m *Manager) transition(ctx context.Context, id string, to Status) (*State, error) {
	return m.UpdateState(ctx, id, func(s *State) error {
		if !transitions[s.Status][to] {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
		}
		s.Status = to
		if to.Terminal() {
			t := m.now()
			s.Metadata.CompletedAt = &t
		} else {
			s.Metadata.CompletedAt = nil
		}
		return nil
	})
}

// DeleteState removes the state from the store and from memory, along with
// its snapshots.
func (m *Manager) DeleteState(ctx context.Context, id string) error {
	lock, err := m.lockFor(id)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete state %s: %w", id, err)
	}

	m.mu.Lock()
	delete(m.states, id)
	delete(m.locks, id)
	delete(m.snapshots, id)
	m.mu.Unlock()
	return nil
}

// Recover loads all persisted states into memory. Call once on cold start,
// before the engine accepts work. Returns the number of states loaded.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	recs, err := m.store.List(ctx, store.Filter{})
	if err != nil {
		return 0, fmt.Errorf("recover states: %w", err)
	}

	loaded := 0
	for _, rec := range recs {
		var s State
		if err := json.Unmarshal(rec.Data, &s); err != nil {
			m.logger.Warn().Str("state_id", rec.ID).Err(err).Msg("skipping undecodable state record")
			continue
		}
		m.mu.Lock()
		if _, exists := m.states[s.ID]; !exists {
			m.states[s.ID] = &s
			m.locks[s.ID] = &sync.Mutex{}
			loaded++
		}
		m.mu.Unlock()
	}

	if loaded > 0 {
		m.logger.Info().Int("count", loaded).Msg("recovered persisted states")
	}
	return loaded, nil
}

// Cleanup performs one retention pass: terminal states older than max_age
// (or their own TTL) are pruned, then the oldest terminal states are pruned
// until the total count fits max_entries. Returns the number removed.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	cfg := m.cfg.Cleanup
	if !cfg.Enabled {
		return 0, nil
	}
	now := m.now()

	m.mu.RLock()
	total := len(m.states)
	terminal := make([]*State, 0)
	for _, s := range m.states {
		if s.Status.Terminal() {
			terminal = append(terminal, s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(terminal, func(i, j int) bool {
		if terminal[i].Metadata.UpdatedAt.Equal(terminal[j].Metadata.UpdatedAt) {
			return terminal[i].ID < terminal[j].ID
		}
		return terminal[i].Metadata.UpdatedAt.Before(terminal[j].Metadata.UpdatedAt)
	})

	doomed := make(map[string]bool)
	for _, s := range terminal {
		age := now.Sub(s.Metadata.UpdatedAt)
		if cfg.MaxAge > 0 && age > cfg.MaxAge {
			doomed[s.ID] = true
		}
		if s.Metadata.TTL > 0 && age > s.Metadata.TTL {
			doomed[s.ID] = true
		}
	}
	if cfg.MaxEntries > 0 && total-len(doomed) > cfg.MaxEntries {
		over := total - len(doomed) - cfg.MaxEntries
		for _, s := range terminal {
			if over <= 0 {
				break
			}
			if !doomed[s.ID] {
				doomed[s.ID] = true
				over--
			}
		}
	}

	removed := 0
	for _, s := range terminal {
		if !doomed[s.ID] {
			continue
		}
		err := m.DeleteState(ctx, s.ID)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, ErrNotFound):
			// Already gone.
		default:
			m.logger.Warn().Str("state_id", s.ID).Err(err).Msg("cleanup failed to delete state")
		}
	}

	if removed > 0 {
		m.logger.Info().Int("removed", removed).Msg("state cleanup pass")
	}
	return removed, nil
}

// Run drives periodic cleanup and automatic snapshots until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	cleanupEvery := m.cfg.Cleanup.Interval
	if cleanupEvery <= 0 {
		cleanupEvery = DefaultConfig().Cleanup.Interval
	}
	cleanup := time.NewTicker(cleanupEvery)
	defer cleanup.Stop()

	var snapC <-chan time.Time
	if m.cfg.Snapshot.Interval > 0 {
		snap := time.NewTicker(m.cfg.Snapshot.Interval)
		defer snap.Stop()
		snapC = snap.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			if _, err := m.Cleanup(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("cleanup pass failed")
			}
		case <-snapC:
			m.autoSnapshot(ctx)
		}
	}
}

func (m *Manager) autoSnapshot(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0)
	for id, s := range m.states {
		if s.Status == StatusRunning || s.Status == StatusPaused {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if _, err := m.CreateSnapshot(ctx, id, ReasonAuto); err != nil {
			m.logger.Warn().Str("state_id", id).Err(err).Msg("auto snapshot failed")
		}
	}
}

// lockFor returns the per-id update lock, or ErrNotFound for unknown ids.
func (m *Manager) lockFor(id string) (*sync.Mutex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[id]; !ok {
		return nil, ErrNotFound
	}
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l, nil
}

// persist writes the state through the store. Saves for one id are already
// serialized by the caller holding the per-id lock.
func (m *Manager) persist(ctx context.Context, s *State) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", s.ID, err)
	}
	return m.store.Save(ctx, store.Record{
		ID:          s.ID,
		WorkflowID:  s.WorkflowID,
		ExecutionID: s.ExecutionID,
		Status:      string(s.Status),
		Version:     s.Metadata.Version,
		UpdatedAt:   s.Metadata.UpdatedAt,
		Data:        payload,
	})
}
