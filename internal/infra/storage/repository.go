// Package storage provides the persistence layer for the session server.
// This package implements the repository pattern to keep the domain pure:
// the pipeline only sees the Commit method, the coordinator the rest.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MRamiBalles/KeeperTable/internal/domain/state"
	"github.com/MRamiBalles/KeeperTable/internal/events"
	apperrors "github.com/MRamiBalles/KeeperTable/internal/platform/errors"
)

// Sentinel errors, matched with errors.Is by code.
var (
	ErrNotFound  = apperrors.New(apperrors.CodeNotFound, "not found")
	ErrExists    = apperrors.New(apperrors.CodeConflict, "snapshot name exists")
	ErrCorrupted = apperrors.New(apperrors.CodeCorrupted, "history sequence not monotonic")
)

// Session is the persisted live session row.
type Session struct {
	Meta  state.Meta       `json:"meta"`
	State *state.Canonical `json:"state"`
}

// Store is the durable home of the live session, its history log and the
// named snapshots. History is keyed by (epoch, seq); only the epoch named
// by the live session's meta is visible to LoadHistory and SaveSnapshot.
// A seq is unique only within its epoch: a reset or snapshot restore opens
// a new epoch whose sequence starts again at 1, so consumers that outlive
// an epoch must key entries by the pair.
type Store interface {
	// Commit appends entries to meta.Epoch and replaces the live session
	// in one transaction. Entries must continue the epoch's sequence
	// strictly upward or the store answers ErrCorrupted.
	Commit(ctx context.Context, meta state.Meta, s *state.Canonical, entries []events.HistoryEntry) error

	// LoadSession returns the live session or ErrNotFound.
	LoadSession(ctx context.Context) (Session, error)

	// LoadHistory returns the last limit entries of the live epoch in
	// sequence order; limit <= 0 returns all of them.
	LoadHistory(ctx context.Context, limit int) ([]events.HistoryEntry, error)

	// SaveSnapshot captures the live session and its full live history
	// under name. An existing name without overwrite yields ErrExists.
	SaveSnapshot(ctx context.Context, name string, overwrite bool) (state.Snapshot, error)

	// LoadSnapshot fetches a snapshot by id or name, or ErrNotFound.
	LoadSnapshot(ctx context.Context, idOrName string) (state.Snapshot, error)

	// ListSnapshots returns snapshot summaries, oldest first.
	ListSnapshots(ctx context.Context) ([]state.SnapshotInfo, error)

	Close() error
}

// checkSequence verifies entries continue strictly after last and returns
// the new last sequence.
func checkSequence(last uint64, entries []events.HistoryEntry) (uint64, error) {
	for _, e := range entries {
		if e.Seq <= last {
			return last, apperrors.Wrap(apperrors.CodeCorrupted,
				fmt.Sprintf("history sequence not monotonic: seq %d after %d", e.Seq, last), nil)
		}
		last = e.Seq
	}
	return last, nil
}

func newSnapshot(name string, sess Session, history []events.HistoryEntry) state.Snapshot {
	if history == nil {
		history = []events.HistoryEntry{}
	}
	return state.Snapshot{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Meta:      sess.Meta,
		State:     sess.State,
		History:   history,
	}
}

func validName(name string) error {
	if name == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "snapshot name is required")
	}
	return nil
}

func tail(entries []events.HistoryEntry, limit int) []events.HistoryEntry {
	if limit > 0 && len(entries) > limit {
		return entries[len(entries)-limit:]
	}
	return entries
}
