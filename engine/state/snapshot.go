package state

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// CreateSnapshot captures the full state record. The encoded record is
// gzip-compressed when it exceeds the configured threshold. Snapshots are
// retained per state up to max_snapshots, oldest evicted first.
func (m *Manager) CreateSnapshot(ctx context.Context, id string, reason SnapshotReason) (Snapshot, error) {
	s, err := m.GetState(id)
	if err != nil {
		return Snapshot{}, err
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal snapshot of %s: %w", id, err)
	}

	compressed := false
	if t := m.cfg.Snapshot.CompressionThreshold; t > 0 && len(payload) > t {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return Snapshot{}, fmt.Errorf("compress snapshot of %s: %w", id, err)
		}
		if err := zw.Close(); err != nil {
			return Snapshot{}, fmt.Errorf("compress snapshot of %s: %w", id, err)
		}
		payload = buf.Bytes()
		compressed = true
	}

	snap := Snapshot{
		ID:         "snap_" + uuid.NewString(),
		StateID:    id,
		Reason:     reason,
		CreatedAt:  m.now(),
		Compressed: compressed,
		Data:       payload,
	}

	m.mu.Lock()
	list := append(m.snapshots[id], snap)
	if max := m.cfg.Snapshot.MaxSnapshots; max > 0 && len(list) > max {
		list = list[len(list)-max:]
	}
	m.snapshots[id] = list
	m.mu.Unlock()

	m.logger.Debug().
		Str("state_id", id).
		Str("snapshot_id", snap.ID).
		Str("reason", string(reason)).
		Bool("compressed", compressed).
		Msg("snapshot created")
	return snap, nil
}

// Snapshots returns the retained snapshots for a state, oldest first.
func (m *Manager) Snapshots(id string) []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Snapshot(nil), m.snapshots[id]...)
}

// RestoreFromSnapshot replaces the state's observable fields with the
// snapshot's copy. The version still advances past the current one, keeping
// it strictly monotonic even when restoring an older record.
func (m *Manager) RestoreFromSnapshot(ctx context.Context, stateID, snapshotID string) (*State, error) {
	m.mu.RLock()
	var found *Snapshot
	for i := range m.snapshots[stateID] {
		if m.snapshots[stateID][i].ID == snapshotID {
			found = &m.snapshots[stateID][i]
			break
		}
	}
	m.mu.RUnlock()
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID)
	}

	restored, err := decodeSnapshot(*found)
	if err != nil {
		return nil, err
	}

	return m.UpdateState(ctx, stateID, func(s *State) error {
		s.Status = restored.Status
		s.CurrentStep = restored.CurrentStep
		s.Context = restored.Context
		s.Checkpoints = restored.Checkpoints
		s.Metadata.CompletedAt = restored.Metadata.CompletedAt
		return nil
	})
}

// decodeSnapshot unpacks the snapshot payload back into a State.
func decodeSnapshot(snap Snapshot) (*State, error) {
	payload := snap.Data
	if snap.Compressed {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("decompress snapshot %s: %w", snap.ID, err)
		}
		payload, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompress snapshot %s: %w", snap.ID, err)
		}
		if err := zr.Close(); err != nil {
			return nil, fmt.Errorf("decompress snapshot %s: %w", snap.ID, err)
		}
	}
	var s State
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", snap.ID, err)
	}
	return &s, nil
}
