package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/MRamiBalles/KeeperTable/internal/domain/state"
	"github.com/MRamiBalles/KeeperTable/internal/events"
)

// MemoryStore keeps everything in process. Session state and snapshots are
// held as JSON so callers never share memory with the store, the same as
// the durable backends.
type MemoryStore struct {
	mu        sync.RWMutex
	session   []byte
	meta      state.Meta
	history   map[uint64][]events.HistoryEntry
	snapshots map[string][]byte // id -> snapshot JSON
	names     map[string]string // name -> id
	order     []string          // snapshot ids, oldest first
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		history:   make(map[uint64][]events.HistoryEntry),
		snapshots: make(map[string][]byte),
		names:     make(map[string]string),
	}
}

func (m *MemoryStore) Commit(ctx context.Context, meta state.Meta, s *state.Canonical, entries []events.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(Session{Meta: meta, State: s})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.history[meta.Epoch]
	var last uint64
	if n := len(log); n > 0 {
		last = log[n-1].Seq
	}
	if _, err := checkSequence(last, entries); err != nil {
		return err
	}
	m.history[meta.Epoch] = append(log, entries...)
	m.session = payload
	m.meta = meta
	return nil
}

func (m *MemoryStore) LoadSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	m.mu.RLock()
	payload := m.session
	m.mu.RUnlock()
	if payload == nil {
		return Session{}, ErrNotFound
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return sess, nil
}

func (m *MemoryStore) LoadHistory(ctx context.Context, limit int) ([]events.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(tail(m.history[m.meta.Epoch], limit)), nil
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, name string, overwrite bool) (state.Snapshot, error) {
	name = strings.TrimSpace(name)
	if err := validName(name); err != nil {
		return state.Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return state.Snapshot{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return state.Snapshot{}, ErrNotFound
	}
	var sess Session
	if err := json.Unmarshal(m.session, &sess); err != nil {
		return state.Snapshot{}, fmt.Errorf("unmarshal session: %w", err)
	}
	existing, found := m.names[name]
	if found && !overwrite {
		return state.Snapshot{}, ErrExists
	}
	snap := newSnapshot(name, sess, slices.Clone(m.history[sess.Meta.Epoch]))
	payload, err := json.Marshal(snap)
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	if found {
		delete(m.snapshots, existing)
		m.order = slices.DeleteFunc(m.order, func(id string) bool { return id == existing })
	}
	m.snapshots[snap.ID] = payload
	m.names[name] = snap.ID
	m.order = append(m.order, snap.ID)
	return snap, nil
}

func (m *MemoryStore) LoadSnapshot(ctx context.Context, idOrName string) (state.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return state.Snapshot{}, err
	}
	m.mu.RLock()
	payload, ok := m.snapshots[idOrName]
	if !ok {
		payload, ok = m.snapshots[m.names[idOrName]]
	}
	m.mu.RUnlock()
	if !ok {
		return state.Snapshot{}, ErrNotFound
	}
	var snap state.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return state.Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

func (m *MemoryStore) ListSnapshots(ctx context.Context) ([]state.SnapshotInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]state.SnapshotInfo, 0, len(m.order))
	for _, id := range m.order {
		var snap state.Snapshot
		if err := json.Unmarshal(m.snapshots[id], &snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot %s: %w", id, err)
		}
		infos = append(infos, snap.Info())
	}
	return infos, nil
}

func (m *MemoryStore) Close() error { return nil }
