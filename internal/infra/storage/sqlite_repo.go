package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MRamiBalles/KeeperTable/internal/domain/state"
	"github.com/MRamiBalles/KeeperTable/internal/events"
)

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	db, err := InitSQLite(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (r *SQLiteStore) Close() error {
	return r.db.Close()
}

func (r *SQLiteStore) Commit(ctx context.Context, meta state.Meta, s *state.Canonical, entries []events.HistoryEntry) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal meta: %w", err)
	}
	stateJSON, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		var last uint64
		err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM history WHERE epoch = ?`, meta.Epoch).Scan(&last)
		if err != nil {
			return fmt.Errorf("failed to read last seq: %w", err)
		}
		if _, err := checkSequence(last, entries); err != nil {
			return err
		}

		insert, err := tx.PrepareContext(ctx, `
			INSERT INTO history (epoch, seq, id, actor_id, action_type, entry_json)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare history insert: %w", err)
		}
		defer insert.Close()
		for _, e := range entries {
			payload, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to marshal entry %d: %w", e.Seq, err)
			}
			if _, err := insert.ExecContext(ctx, meta.Epoch, e.Seq, e.ID, e.ActorID, string(e.ActionType), string(payload)); err != nil {
				return fmt.Errorf("failed to append entry %d: %w", e.Seq, err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (id, session_id, round_id, epoch, last_seq, meta_json, state_json, last_updated)
			VALUES (1, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				session_id=excluded.session_id,
				round_id=excluded.round_id,
				epoch=excluded.epoch,
				last_seq=excluded.last_seq,
				meta_json=excluded.meta_json,
				state_json=excluded.state_json,
				last_updated=excluded.last_updated
		`, meta.SessionID, meta.RoundID, meta.Epoch, meta.LastSeq, string(metaJSON), string(stateJSON),
			time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to upsert session: %w", err)
		}
		return nil
	})
}

func (r *SQLiteStore) LoadSession(ctx context.Context) (Session, error) {
	return loadSession(ctx, r.db)
}

func (r *SQLiteStore) LoadHistory(ctx context.Context, limit int) ([]events.HistoryEntry, error) {
	var out []events.HistoryEntry
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		sess, err := loadSession(ctx, tx)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = loadEpoch(ctx, tx, sess.Meta.Epoch, limit)
		return err
	})
	return out, err
}

func (r *SQLiteStore) SaveSnapshot(ctx context.Context, name string, overwrite bool) (state.Snapshot, error) {
	name = strings.TrimSpace(name)
	if err := validName(name); err != nil {
		return state.Snapshot{}, err
	}

	var snap state.Snapshot
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		sess, err := loadSession(ctx, tx)
		if err != nil {
			return err
		}

		var existing string
		err = tx.QueryRowContext(ctx, `SELECT id FROM snapshots WHERE name = ?`, name).Scan(&existing)
		switch {
		case err == nil && !overwrite:
			return ErrExists
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to look up snapshot: %w", err)
		}

		history, err := loadEpoch(ctx, tx, sess.Meta.Epoch, 0)
		if err != nil {
			return err
		}
		snap = newSnapshot(name, sess, history)
		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot: %w", err)
		}

		if existing != "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, existing); err != nil {
				return fmt.Errorf("failed to replace snapshot: %w", err)
			}
		}
		info := snap.Info()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO snapshots (id, name, module, created_at, entries, snapshot_json)
			VALUES (?, ?, ?, ?, ?, ?)
		`, info.ID, info.Name, info.Module, info.CreatedAt.Format(time.RFC3339Nano), info.Entries, string(payload))
		if err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}
		return nil
	})
	return snap, err
}

func (r *SQLiteStore) LoadSnapshot(ctx context.Context, idOrName string) (state.Snapshot, error) {
	var payload string
	err := r.db.QueryRowContext(ctx,
		`SELECT snapshot_json FROM snapshots WHERE id = ? OR name = ? ORDER BY id = ? DESC LIMIT 1`,
		idOrName, idOrName, idOrName,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.Snapshot{}, ErrNotFound
		}
		return state.Snapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	var snap state.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return state.Snapshot{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, nil
}

func (r *SQLiteStore) ListSnapshots(ctx context.Context) ([]state.SnapshotInfo, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, module, created_at, entries FROM snapshots ORDER BY rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	infos := []state.SnapshotInfo{}
	for rows.Next() {
		var (
			info    state.SnapshotInfo
			created string
		)
		if err := rows.Scan(&info.ID, &info.Name, &info.Module, &created, &info.Entries); err != nil {
			return nil, err
		}
		if info.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("snapshot %s: bad created_at: %w", info.ID, err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (r *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadSession(ctx context.Context, q querier) (Session, error) {
	var metaJSON, stateJSON string
	err := q.QueryRowContext(ctx, `SELECT meta_json, state_json FROM sessions WHERE id = 1`).Scan(&metaJSON, &stateJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("failed to load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(metaJSON), &sess.Meta); err != nil {
		return Session{}, fmt.Errorf("failed to unmarshal meta: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &sess.State); err != nil {
		return Session{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return sess, nil
}

func loadEpoch(ctx context.Context, q querier, epoch uint64, limit int) ([]events.HistoryEntry, error) {
	query := `SELECT entry_json FROM history WHERE epoch = ? ORDER BY seq DESC`
	args := []any{epoch}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := []events.HistoryEntry{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e events.HistoryEntry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	return entries, nil
}
